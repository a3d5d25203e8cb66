package gin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	x402 "github.com/mizuki-tamaki/kamiyo-payai"
	"github.com/mizuki-tamaki/kamiyo-payai/gateway"
	"github.com/mizuki-tamaki/kamiyo-payai/ledger"
)

// RegisterRoutes mounts the payment operational endpoints under /x402.
// All routes require the X-Admin-Key header.
func RegisterRoutes(r gin.IRouter, cfg x402.Config, gw *gateway.Gateway, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}

	grp := r.Group("/x402", adminAuth(cfg.AdminKey))

	grp.GET("/stats", func(c *gin.Context) {
		q := ledger.StatsQuery{
			FromAddress: c.Query("from_address"),
			Chain:       c.Query("chain"),
		}
		if hours, err := strconv.Atoi(c.DefaultQuery("hours", "24")); err == nil && hours > 0 {
			q.Window = time.Duration(hours) * time.Hour
		}

		stats, err := gw.Ledger().Stats(c.Request.Context(), q)
		if err != nil {
			log.Error("stats query failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute stats"})
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	grp.GET("/payments/active", func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
		if err != nil || limit <= 0 {
			limit = 100
		}

		payments, err := gw.Ledger().Store().ActivePayments(c.Request.Context(), limit)
		if err != nil {
			log.Error("active payments query failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list payments"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments)})
	})

	grp.GET("/payers/top", func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
		if err != nil || limit <= 0 {
			limit = 100
		}

		payers, err := gw.Ledger().TopPayers(c.Request.Context(), limit)
		if err != nil {
			log.Error("top payers query failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to rank payers"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"payers": payers})
	})

	grp.POST("/tokens", func(c *gin.Context) {
		var body struct {
			PaymentID int64  `json:"payment_id"`
			TxHash    string `json:"tx_hash"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		paymentID := body.PaymentID
		if paymentID == 0 && body.TxHash != "" {
			payment, err := gw.Ledger().PaymentByTxHash(c.Request.Context(), body.TxHash)
			if err != nil {
				c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
				return
			}
			paymentID = payment.ID
		}
		if paymentID == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "payment_id or tx_hash required"})
			return
		}

		token, err := gw.MintToken(c.Request.Context(), paymentID)
		if err != nil {
			log.Error("token mint failed", zap.Int64("payment_id", paymentID), zap.Error(err))
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"token": token, "payment_id": paymentID})
	})

	grp.POST("/sweep", func(c *gin.Context) {
		n, err := gw.Ledger().SweepExpired(c.Request.Context())
		if err != nil {
			log.Error("sweep failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"expired": n})
	})
}

// adminAuth gates operational endpoints behind the admin key.
func adminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Admin-Key") != adminKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
