package explorer

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/brojonat/chainquery/service/chain"
	"github.com/brojonat/chainquery/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

const (
	lamportDecimals = 9

	systemTransferInstruction = uint32(2)
)

// SolanaRPC is the subset of the Solana JSON-RPC API the explorer needs.
// It allows tests to mock the RPC layer without hitting real Solana nodes.
type SolanaRPC interface {
	GetBalance(ctx context.Context, account solana.PublicKey) (uint64, error)
	GetSignaturesForAddress(ctx context.Context, address solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error)
	// GetTransaction returns nil, nil when the node no longer has the transaction.
	GetTransaction(ctx context.Context, signature solana.Signature) (*solana.Transaction, error)
}

// SolanaExplorer implements Explorer for Solana addresses.
type SolanaExplorer struct {
	rpc     SolanaRPC
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSolanaExplorer creates a new Solana explorer. If m is nil, no metrics are recorded.
func NewSolanaExplorer(rpcClient SolanaRPC, m *metrics.Metrics, logger *slog.Logger) *SolanaExplorer {
	return &SolanaExplorer{
		rpc:     rpcClient,
		metrics: m,
		logger:  logger,
	}
}

// Balance returns the address balance in SOL.
func (e *SolanaExplorer) Balance(ctx context.Context, address string) (balance string, err error) {
	defer e.observe("balance", time.Now(), &err)

	pubkey, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	lamports, err := e.rpc.GetBalance(ctx, pubkey)
	if err != nil {
		return "", fmt.Errorf("getBalance failed: %w", err)
	}
	return formatUnits(new(big.Int).SetUint64(lamports), lamportDecimals) + " SOL", nil
}

// Transactions returns the most recent transactions of an address. Each
// signature is resolved once; native SOL transfers get From, To and Amount
// filled in, anything else keeps signature metadata only.
func (e *SolanaExplorer) Transactions(ctx context.Context, address string, limit int) (txns []Transaction, err error) {
	defer e.observe("transactions", time.Now(), &err)

	pubkey, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	limit = clampLimit(limit)
	signatures, err := e.rpc.GetSignaturesForAddress(ctx, pubkey, &rpc.GetSignaturesForAddressOpts{Limit: &limit})
	if err != nil {
		return nil, fmt.Errorf("getSignaturesForAddress failed: %w", err)
	}

	txns = make([]Transaction, 0, len(signatures))
	for _, sig := range signatures {
		txn := signatureToTransaction(sig)
		if !txn.Failed {
			tx, err := e.rpc.GetTransaction(ctx, sig.Signature)
			if err != nil {
				e.logger.WarnContext(ctx, "failed to get transaction details, using metadata only",
					"signature", txn.Hash,
					"error", err,
				)
			} else if tx != nil {
				applySystemTransfer(&txn, tx)
			}
		}
		txns = append(txns, txn)
	}
	return txns, nil
}

func (e *SolanaExplorer) observe(method string, start time.Time, err *error) {
	e.metrics.RecordExplorerCall(string(chain.KindSolana), method, time.Since(start).Seconds(), *err)
}

// signatureToTransaction converts signature list metadata. Amounts are not
// available at this stage.
func signatureToTransaction(sig *rpc.TransactionSignature) Transaction {
	txn := Transaction{
		Hash:   sig.Signature.String(),
		Block:  sig.Slot,
		Failed: sig.Err != nil,
	}
	if sig.BlockTime != nil {
		txn.Timestamp = sig.BlockTime.Time().UTC()
	}
	return txn
}

// applySystemTransfer fills From, To and Amount from the first System
// Program transfer instruction in tx.
func applySystemTransfer(txn *Transaction, tx *solana.Transaction) {
	keys := tx.Message.AccountKeys
	for _, inst := range tx.Message.Instructions {
		if int(inst.ProgramIDIndex) >= len(keys) || !keys[inst.ProgramIDIndex].Equals(solana.SystemProgramID) {
			continue
		}
		// Transfer layout: [0..4] instruction type (u32), [4..12] lamports (u64).
		// Accounts: [from, to].
		if len(inst.Data) < 12 || binary.LittleEndian.Uint32(inst.Data[0:4]) != systemTransferInstruction {
			continue
		}
		if len(inst.Accounts) < 2 || int(inst.Accounts[0]) >= len(keys) || int(inst.Accounts[1]) >= len(keys) {
			continue
		}

		lamports := binary.LittleEndian.Uint64(inst.Data[4:12])
		txn.From = keys[inst.Accounts[0]].String()
		txn.To = keys[inst.Accounts[1]].String()
		txn.Amount = formatUnits(new(big.Int).SetUint64(lamports), lamportDecimals) + " SOL"
		return
	}
}

// rpcAdapter adapts the solana-go RPC client to SolanaRPC.
type rpcAdapter struct {
	client *rpc.Client
}

// NewSolanaRPC wraps a solana-go RPC client for the given endpoint.
// For premium endpoints include the API key in the URL.
func NewSolanaRPC(rpcURL string) SolanaRPC {
	return &rpcAdapter{client: rpc.New(rpcURL)}
}

func (a *rpcAdapter) GetBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	out, err := a.client.GetBalance(ctx, account, rpc.CommitmentFinalized)
	if err != nil {
		return 0, err
	}
	return out.Value, nil
}

func (a *rpcAdapter) GetSignaturesForAddress(ctx context.Context, address solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error) {
	return a.client.GetSignaturesForAddressWithOpts(ctx, address, opts)
}

func (a *rpcAdapter) GetTransaction(ctx context.Context, signature solana.Signature) (*solana.Transaction, error) {
	maxVersion := uint64(0)
	result, err := a.client.GetTransaction(ctx, signature, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return nil, err
	}
	if result == nil || result.Transaction == nil {
		return nil, nil
	}
	return result.Transaction.GetTransaction()
}
