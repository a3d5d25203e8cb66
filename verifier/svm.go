package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"

	x402 "github.com/mizuki-tamaki/kamiyo-payai"
)

// svmBackend is the slice of the Solana RPC surface the verifier needs,
// narrowed to parsed transactions so tests can fake it without replaying
// raw RPC envelopes.
type svmBackend interface {
	// ParsedTransaction fetches a confirmed transaction in parsed form.
	// A nil transaction with a nil error means the signature is unknown.
	ParsedTransaction(ctx context.Context, signature string) (*parsedTransaction, error)

	// CurrentSlot returns the current confirmed slot.
	CurrentSlot(ctx context.Context) (uint64, error)
}

// parsedTransaction is the subset of a jsonParsed getTransaction response
// the verifier inspects.
type parsedTransaction struct {
	Slot         uint64
	BlockTime    *int64
	Failed       bool
	Instructions []parsedInstruction
}

// parsedInstruction is one decoded spl-token instruction. Instructions from
// other programs, and spl-token instructions that are not transfers, are
// dropped during decoding.
type parsedInstruction struct {
	Type        string // "transfer" or "transferChecked"
	Source      string
	Destination string
	Authority   string
	Mint        string // empty for plain transfer
	Amount      string // raw atomic amount
	Decimals    int32
}

// verifySVM verifies a transaction on Solana by scanning the parsed
// instruction list for an spl-token transfer to the gateway's receiving
// address. There is no staleness window: Solana's ~400ms slots make slot
// distance the only depth signal worth checking.
func (v *Verifier) verifySVM(ctx context.Context, backend svmBackend, cfg x402.ChainConfig, signature string) Result {
	res := Result{TxHash: signature, Chain: cfg.Name}

	tx, err := backend.ParsedTransaction(ctx, signature)
	if err != nil {
		res.RiskScore = 1.0
		res.Reason = fmt.Sprintf("Chain RPC error on %s: %v", cfg.Name, err)
		res.Err = x402.ErrChainUnreachable
		return res
	}
	if tx == nil {
		res.RiskScore = 1.0
		res.Reason = fmt.Sprintf("Transaction not found on %s", cfg.Name)
		res.Err = x402.ErrTransactionNotFound
		return res
	}

	res.BlockHeight = tx.Slot
	if tx.BlockTime != nil {
		t := time.Unix(*tx.BlockTime, 0).UTC()
		res.Timestamp = &t
	}

	if tx.Failed {
		res.RiskScore = 1.0
		res.Reason = "Transaction failed on-chain"
		res.Err = x402.ErrTransactionFailed
		return res
	}

	transfer := findSPLTransfer(tx.Instructions, cfg)
	if transfer != nil {
		res.Payer = transfer.Source
		if res.Payer == "" {
			res.Payer = transfer.Authority
		}
		res.Payee = transfer.Destination
		res.Amount = atomicStringToAmount(transfer.Amount, transfer.Decimals)
	}

	current, err := backend.CurrentSlot(ctx)
	if err != nil {
		res.RiskScore = 1.0
		res.Reason = fmt.Sprintf("Chain RPC error on %s: %v", cfg.Name, err)
		res.Err = x402.ErrChainUnreachable
		return res
	}
	if current >= tx.Slot {
		res.Confirmations = current - tx.Slot
	}

	if res.Confirmations < cfg.RequiredConfirmations {
		res.RiskScore = 0.5
		res.Reason = fmt.Sprintf("Insufficient confirmations: %d/%d", res.Confirmations, cfg.RequiredConfirmations)
		res.Err = x402.ErrInsufficientConfirmations
		return res
	}

	if transfer == nil {
		res.RiskScore = 0.8
		res.Reason = fmt.Sprintf("No USDC transfer to %s found in transaction", cfg.ReceivingAddress)
		res.Err = x402.ErrNoQualifyingTransfer
		return res
	}

	if res.Amount.LessThan(v.minPayment) {
		res.RiskScore = 0.3
		res.Reason = fmt.Sprintf("Payment amount too low: %s < %s", res.Amount, v.minPayment)
		res.Err = x402.ErrAmountBelowMinimum
		return res
	}

	res.Valid = true
	return res
}

// findSPLTransfer scans parsed instructions for a token transfer whose
// destination is the receiving address. transferChecked instructions carrying
// a mint other than the chain's USDC mint are skipped; plain transfers do not
// name a mint, so destination match is the qualifying test.
func findSPLTransfer(instructions []parsedInstruction, cfg x402.ChainConfig) *parsedInstruction {
	for i := range instructions {
		inst := &instructions[i]
		if inst.Type != "transfer" && inst.Type != "transferChecked" {
			continue
		}
		if inst.Mint != "" && !strings.EqualFold(inst.Mint, cfg.USDCAddress) {
			continue
		}
		if inst.Destination != cfg.ReceivingAddress {
			continue
		}
		return inst
	}
	return nil
}

// atomicStringToAmount converts a raw atomic amount string to a USDC decimal.
// Unparseable amounts become zero and fail the minimum-amount check.
func atomicStringToAmount(raw string, decimals int32) decimal.Decimal {
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return decimal.Zero
	}
	if decimals <= 0 {
		decimals = x402.USDCDecimals
	}
	return decimal.NewFromBigInt(n, -decimals)
}

// solanaRPC adapts *rpc.Client to svmBackend using a jsonParsed
// getTransaction call. The client library's typed GetTransaction does not
// expose parsed instructions, so the call goes through RPCCallForInto with a
// response mirror of the fields the verifier reads.
type solanaRPC struct {
	client *rpc.Client
}

// parsedTxEnvelope mirrors the jsonParsed getTransaction response shape.
// Instruction payloads are kept raw because non-decodable programs render
// "parsed" as a plain string.
type parsedTxEnvelope struct {
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"blockTime"`
	Meta      *struct {
		Err interface{} `json:"err"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			Instructions []struct {
				Program string          `json:"program"`
				Parsed  json.RawMessage `json:"parsed"`
			} `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
}

type parsedInstructionInfo struct {
	Type string `json:"type"`
	Info struct {
		Source      string `json:"source"`
		Destination string `json:"destination"`
		Authority   string `json:"authority"`
		Mint        string `json:"mint"`
		Amount      string `json:"amount"`
		TokenAmount struct {
			Amount   string `json:"amount"`
			Decimals int32  `json:"decimals"`
		} `json:"tokenAmount"`
	} `json:"info"`
}

func (s *solanaRPC) ParsedTransaction(ctx context.Context, signature string) (*parsedTransaction, error) {
	if _, err := solana.SignatureFromBase58(signature); err != nil {
		return nil, nil
	}

	params := []interface{}{
		signature,
		map[string]interface{}{
			"encoding":                       "jsonParsed",
			"commitment":                     rpc.CommitmentConfirmed,
			"maxSupportedTransactionVersion": 0,
		},
	}

	var envelope *parsedTxEnvelope
	if err := s.client.RPCCallForInto(ctx, &envelope, "getTransaction", params); err != nil {
		return nil, fmt.Errorf("getTransaction: %w", err)
	}
	if envelope == nil {
		return nil, nil
	}

	tx := &parsedTransaction{
		Slot:      envelope.Slot,
		BlockTime: envelope.BlockTime,
		Failed:    envelope.Meta != nil && envelope.Meta.Err != nil,
	}
	for _, raw := range envelope.Transaction.Message.Instructions {
		if raw.Program != "spl-token" {
			continue
		}
		var info parsedInstructionInfo
		if err := json.Unmarshal(raw.Parsed, &info); err != nil {
			continue
		}
		inst := parsedInstruction{
			Type:        info.Type,
			Source:      info.Info.Source,
			Destination: info.Info.Destination,
			Authority:   info.Info.Authority,
			Mint:        info.Info.Mint,
			Amount:      info.Info.Amount,
		}
		if info.Info.TokenAmount.Amount != "" {
			inst.Amount = info.Info.TokenAmount.Amount
			inst.Decimals = info.Info.TokenAmount.Decimals
		}
		tx.Instructions = append(tx.Instructions, inst)
	}
	return tx, nil
}

func (s *solanaRPC) CurrentSlot(ctx context.Context) (uint64, error) {
	slot, err := s.client.GetSlot(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("getSlot: %w", err)
	}
	return slot, nil
}
