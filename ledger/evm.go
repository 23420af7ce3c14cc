package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ruteri/ioproof-attestation-backend/interfaces"
)

type EVMConfig struct {
	Client  bind.ContractBackend
	Backend bind.DeployBackend

	// Auth signs anchor transactions. Without it Commit returns
	// ErrLedgerNotConfigured.
	Auth *bind.TransactOpts

	// Anchor receives the zero-value memo transactions. Defaults to the
	// sender's own address.
	Anchor common.Address

	// Network and ExplorerBase (e.g. https://sepolia.etherscan.io) are used
	// for explorer links.
	Network      string
	ExplorerBase string

	Log *slog.Logger
}

// EVMClient anchors batch memos as calldata of a transaction on an EVM chain.
// The transaction hash plays the role of the ledger signature and the block
// number that of the slot.
type EVMClient struct {
	client       bind.ContractBackend
	backend      bind.DeployBackend
	auth         *bind.TransactOpts
	anchor       common.Address
	network      string
	explorerBase string
	log          *slog.Logger
}

func NewEVMClient(cfg EVMConfig) (*EVMClient, error) {
	if cfg.Client == nil || cfg.Backend == nil {
		return nil, errors.New("evm ledger requires a contract and a deploy backend")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	anchor := cfg.Anchor
	if anchor == (common.Address{}) && cfg.Auth != nil {
		anchor = cfg.Auth.From
	}

	return &EVMClient{
		client:       cfg.Client,
		backend:      cfg.Backend,
		auth:         cfg.Auth,
		anchor:       anchor,
		network:      cfg.Network,
		explorerBase: strings.TrimSuffix(cfg.ExplorerBase, "/"),
		log:          cfg.Log,
	}, nil
}

func (c *EVMClient) Network() string {
	return c.network
}

func (c *EVMClient) ExplorerURL(signature string) string {
	return fmt.Sprintf("%s/tx/%s", c.explorerBase, signature)
}

// Commit sends the memo and waits until the transaction is mined.
func (c *EVMClient) Commit(ctx context.Context, batchID, merkleRoot string, leafCount int, timestamp string) (*interfaces.LedgerReceipt, error) {
	if c.auth == nil {
		return nil, interfaces.ErrLedgerNotConfigured
	}

	calldata := []byte(Memo(batchID, merkleRoot, leafCount, timestamp))

	// Gas is estimated here because bound contracts refuse to estimate calls
	// to addresses without code.
	gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From: c.auth.From,
		To:   &c.anchor,
		Data: calldata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate anchor gas: %w", err)
	}

	opts := *c.auth
	opts.Context = ctx
	opts.GasLimit = gas

	anchor := bind.NewBoundContract(c.anchor, abi.ABI{}, c.client, c.client, c.client)
	tx, err := anchor.RawTransact(&opts, calldata)
	if err != nil {
		return nil, fmt.Errorf("failed to send anchor transaction: %w", err)
	}

	c.log.Debug("Sent anchor transaction",
		slog.String("batchId", batchID),
		slog.String("tx", tx.Hash().Hex()))

	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("waiting for anchor transaction: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("anchor transaction %s reverted", tx.Hash().Hex())
	}

	result := &interfaces.LedgerReceipt{
		Signature: tx.Hash().Hex(),
		Slot:      receipt.BlockNumber.Uint64(),
	}

	header, err := c.client.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		c.log.Warn("Could not fetch anchor block header", "err", err)
	} else {
		result.BlockTime = int64(header.Time)
	}

	return result, nil
}
