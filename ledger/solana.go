package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/ruteri/ioproof-attestation-backend/interfaces"
)

const (
	DefaultSolanaRPCURL = "https://api.devnet.solana.com"
	DefaultCluster      = "devnet"
	DefaultPollInterval = 500 * time.Millisecond
)

// MemoProgramID is the SPL memo program.
var MemoProgramID = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

// SolanaRPC is the subset of *rpc.Client used by SolanaClient.
type SolanaRPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// SolanaExplorer builds links to explorer.solana.com for a cluster.
type SolanaExplorer struct {
	Cluster string
}

func (e SolanaExplorer) Network() string {
	return e.Cluster
}

func (e SolanaExplorer) ExplorerURL(signature string) string {
	return fmt.Sprintf("https://explorer.solana.com/tx/%s?cluster=%s", signature, e.Cluster)
}

type SolanaConfig struct {
	RPCURL string

	// RPC overrides RPCURL.
	RPC SolanaRPC

	// KeypairSecret is the fee payer's 64-byte secret key, either as the JSON
	// byte array written by solana-keygen or as base58. Without it Commit
	// returns ErrLedgerNotConfigured.
	KeypairSecret string

	Cluster      string
	PollInterval time.Duration
	Clock        clock.Clock
	Log          *slog.Logger
}

// SolanaClient anchors batch memos with the SPL memo program.
type SolanaClient struct {
	SolanaExplorer

	rpc          SolanaRPC
	payer        solana.PrivateKey
	pollInterval time.Duration
	clock        clock.Clock
	log          *slog.Logger
}

func NewSolanaClient(cfg SolanaConfig) (*SolanaClient, error) {
	if cfg.RPC == nil {
		if cfg.RPCURL == "" {
			cfg.RPCURL = DefaultSolanaRPCURL
		}
		cfg.RPC = rpc.New(cfg.RPCURL)
	}
	if cfg.Cluster == "" {
		cfg.Cluster = DefaultCluster
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	c := &SolanaClient{
		SolanaExplorer: SolanaExplorer{Cluster: cfg.Cluster},
		rpc:            cfg.RPC,
		pollInterval:   cfg.PollInterval,
		clock:          cfg.Clock,
		log:            cfg.Log,
	}

	if cfg.KeypairSecret != "" {
		payer, err := ParseKeypair(cfg.KeypairSecret)
		if err != nil {
			return nil, err
		}
		c.payer = payer
		c.log.Info("Solana ledger configured",
			slog.String("payer", payer.PublicKey().String()),
			slog.String("cluster", cfg.Cluster))
	} else {
		c.log.Warn("No Solana keypair configured, batches will not be anchored")
	}

	return c, nil
}

// ParseKeypair decodes a 64-byte Solana secret key from a JSON byte array or
// a base58 string.
func ParseKeypair(secret string) (solana.PrivateKey, error) {
	secret = strings.TrimSpace(secret)

	if !strings.HasPrefix(secret, "[") {
		key, err := solana.PrivateKeyFromBase58(secret)
		if err != nil {
			return nil, fmt.Errorf("invalid base58 keypair: %w", err)
		}
		return key, nil
	}

	var values []int
	if err := json.Unmarshal([]byte(secret), &values); err != nil {
		return nil, fmt.Errorf("invalid keypair JSON: %w", err)
	}
	if len(values) != 64 {
		return nil, fmt.Errorf("keypair must have 64 bytes, got %d", len(values))
	}

	key := make([]byte, 64)
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("keypair byte %d out of range: %d", i, v)
		}
		key[i] = byte(v)
	}
	return solana.PrivateKey(key), nil
}

// Configured reports whether the client can sign transactions.
func (c *SolanaClient) Configured() bool {
	return len(c.payer) > 0
}

// Commit sends the batch memo and waits for "confirmed" commitment.
func (c *SolanaClient) Commit(ctx context.Context, batchID, merkleRoot string, leafCount int, timestamp string) (*interfaces.LedgerReceipt, error) {
	if !c.Configured() {
		return nil, interfaces.ErrLedgerNotConfigured
	}

	memo := Memo(batchID, merkleRoot, leafCount, timestamp)
	payer := c.payer.PublicKey()

	instruction := solana.NewInstruction(
		MemoProgramID,
		solana.AccountMetaSlice{solana.NewAccountMeta(payer, true, true)},
		[]byte(memo),
	)

	latest, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{instruction},
		latest.Value.Blockhash,
		solana.TransactionPayer(payer),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build memo transaction: %w", err)
	}

	_, err = tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(payer) {
			return &c.payer
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign memo transaction: %w", err)
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send memo transaction: %w", err)
	}

	c.log.Debug("Sent memo transaction",
		slog.String("batchId", batchID),
		slog.String("signature", sig.String()))

	slot, err := c.waitConfirmed(ctx, sig)
	if err != nil {
		return nil, err
	}

	receipt := &interfaces.LedgerReceipt{
		Signature: sig.String(),
		Slot:      slot,
	}

	// Block time is informational; a failed lookup keeps the receipt.
	maxVersion := uint64(0)
	txInfo, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		c.log.Warn("Could not fetch transaction details",
			slog.String("signature", sig.String()),
			"err", err)
	} else if txInfo != nil {
		if txInfo.Slot != 0 {
			receipt.Slot = txInfo.Slot
		}
		if txInfo.BlockTime != nil {
			receipt.BlockTime = int64(*txInfo.BlockTime)
		}
	}

	return receipt, nil
}

func (c *SolanaClient) waitConfirmed(ctx context.Context, sig solana.Signature) (uint64, error) {
	ticker := c.clock.Ticker(c.pollInterval)
	defer ticker.Stop()

	for {
		out, err := c.rpc.GetSignatureStatuses(ctx, false, sig)
		if err != nil {
			c.log.Debug("Signature status lookup failed", "err", err)
		} else if out != nil && len(out.Value) > 0 && out.Value[0] != nil {
			status := out.Value[0]
			if status.Err != nil {
				return 0, fmt.Errorf("memo transaction %s failed: %v", sig, status.Err)
			}
			switch status.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
				return status.Slot, nil
			}
		}

		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("waiting for confirmation of %s: %w", sig, ctx.Err())
		case <-ticker.C:
		}
	}
}

var errNoMemo = errors.New("transaction carries no ioproof memo")

// FetchMemo returns the batch memo carried by a confirmed transaction.
func (c *SolanaClient) FetchMemo(ctx context.Context, signature string) (*MemoFields, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}

	maxVersion := uint64(0)
	out, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transaction: %w", err)
	}
	if out == nil || out.Transaction == nil {
		return nil, errNoMemo
	}

	tx, err := out.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}

	for _, inst := range tx.Message.Instructions {
		programID, err := tx.Message.Program(inst.ProgramIDIndex)
		if err != nil || !programID.Equals(MemoProgramID) {
			continue
		}
		if fields, err := ParseMemo(string(inst.Data)); err == nil {
			return fields, nil
		}
	}
	return nil, errNoMemo
}
