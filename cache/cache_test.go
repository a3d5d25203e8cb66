package cache

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() Verification {
	return Verification{
		TxHash:        "0xabc",
		Chain:         "base",
		Amount:        decimal.RequireFromString("5"),
		Payer:         "0x2222222222222222222222222222222222222222",
		Payee:         "0x1111111111111111111111111111111111111111",
		BlockHeight:   100,
		Confirmations: 10,
		RiskScore:     0.1,
		VerifiedAt:    time.Now().UTC(),
	}
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	ctx := context.Background()

	_, ok := c.GetVerification(ctx, "base", "0xabc")
	assert.False(t, ok)

	v := sample()
	c.SetVerification(ctx, v)

	got, ok := c.GetVerification(ctx, "base", "0xabc")
	require.True(t, ok)
	assert.Equal(t, v.TxHash, got.TxHash)
	assert.True(t, got.Amount.Equal(v.Amount))

	// Other chains do not collide on the same hash.
	_, ok = c.GetVerification(ctx, "ethereum", "0xabc")
	assert.False(t, ok)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache(10 * time.Millisecond)
	ctx := context.Background()

	c.SetVerification(ctx, sample())
	time.Sleep(20 * time.Millisecond)

	_, ok := c.GetVerification(ctx, "base", "0xabc")
	assert.False(t, ok)
}

func TestNoopCacheAlwaysMisses(t *testing.T) {
	c := Noop{}
	ctx := context.Background()

	c.SetVerification(ctx, sample())
	_, ok := c.GetVerification(ctx, "base", "0xabc")
	assert.False(t, ok)
	assert.NoError(t, c.Close())
}
