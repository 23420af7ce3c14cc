package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ruteri/ioproof-attestation-backend/attestation"
	"github.com/ruteri/ioproof-attestation-backend/batch"
	"github.com/ruteri/ioproof-attestation-backend/cmd/flags"
	"github.com/ruteri/ioproof-attestation-backend/common"
	"github.com/ruteri/ioproof-attestation-backend/httpserver"
	"github.com/ruteri/ioproof-attestation-backend/interfaces"
	"github.com/ruteri/ioproof-attestation-backend/ledger"
	"github.com/ruteri/ioproof-attestation-backend/metrics"
	"github.com/ruteri/ioproof-attestation-backend/proofstore"
	"github.com/ruteri/ioproof-attestation-backend/providersig"
	"github.com/ruteri/ioproof-attestation-backend/storage"
	"github.com/ruteri/ioproof-attestation-backend/verification"
	"github.com/urfave/cli/v2"
)

var serverFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Usage: "address to listen on for API, overrides --port",
	},
	&cli.IntFlag{
		Name:    "port",
		Value:   3000,
		EnvVars: []string{"PORT"},
		Usage:   "port to listen on for API",
	},
	&cli.StringFlag{
		Name:    "base-url",
		Value:   "http://localhost:3000",
		EnvVars: []string{"BASE_URL"},
		Usage:   "public base URL used in receipt verify links",
	},
	&cli.StringFlag{
		Name:  "store",
		Value: "badger://./data/proofs",
		Usage: "proof store URI: memory://, badger:///path or postgres://...",
	},
	&cli.StringSliceFlag{
		Name:  "payload-storage",
		Value: cli.NewStringSlice("file://./data/payloads"),
		Usage: "payload storage URI (file://, s3://, ipfs://, vault://), may be repeated",
	},
	&cli.StringSliceFlag{
		Name:  "provider",
		Usage: "provider key directory entry name=https://base-url, may be repeated",
	},
	&cli.StringFlag{
		Name:  "ledger",
		Value: "solana",
		Usage: "ledger to anchor batches on: solana, evm or none",
	},
	flags.SolanaRPCURLFlag,
	&cli.StringFlag{
		Name:    "solana-keypair-secret",
		EnvVars: []string{"SOLANA_KEYPAIR_SECRET"},
		Usage:   "fee payer secret key as a JSON byte array or base58",
	},
	flags.SolanaClusterFlag,
	&cli.StringFlag{
		Name:  "evm-rpc-url",
		Value: "http://127.0.0.1:8545",
		Usage: "EVM JSON-RPC endpoint",
	},
	&cli.StringFlag{
		Name:    "evm-private-key",
		EnvVars: []string{"EVM_PRIVATE_KEY"},
		Usage:   "hex private key sending anchor transactions",
	},
	&cli.StringFlag{
		Name:  "evm-anchor-address",
		Usage: "address receiving anchor transactions, defaults to the sender",
	},
	&cli.StringFlag{
		Name:  "evm-network",
		Value: "sepolia",
		Usage: "EVM network name used in receipts and bundles",
	},
	&cli.StringFlag{
		Name:  "evm-explorer",
		Value: "https://sepolia.etherscan.io",
		Usage: "EVM block explorer base URL",
	},
	&cli.Uint64Flag{
		Name:  "ledger-retries",
		Value: 3,
		Usage: "retries of a failed ledger commit within one batch cycle",
	},
	&cli.Int64Flag{
		Name:    "batch-interval-ms",
		Value:   batch.DefaultInterval.Milliseconds(),
		EnvVars: []string{"BATCH_INTERVAL_MS"},
		Usage:   "milliseconds between batch cycles",
	},
	&cli.IntFlag{
		Name:    "batch-min-proofs",
		Value:   batch.DefaultMinProofs,
		EnvVars: []string{"BATCH_MIN_PROOFS"},
		Usage:   "minimum pending proofs for a batch to be built",
	},
	&cli.BoolFlag{
		Name:  "batch-retain-on-failure",
		Usage: "keep proofs pending when the ledger commit fails instead of confirming them unsigned",
	},
	flags.LogServiceFlagFn("ioproof"),
}

func main() {
	app := &cli.App{
		Name:  "ioproof-server",
		Usage: "Serve the ioproof attestation and verification API",
		Flags: append(flags.CommonFlags, serverFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)
			ctx := context.Background()

			listenAddr := cCtx.String("listen-addr")
			if listenAddr == "" {
				listenAddr = fmt.Sprintf("0.0.0.0:%d", cCtx.Int("port"))
			}
			cfg := flags.ConfigureServer(cCtx, logger, listenAddr)

			var metricsSrv *metrics.MetricsServer
			var collector *metrics.Collector
			if cfg.MetricsAddr != "" {
				var err error
				metricsSrv, err = metrics.New(common.PackageName, cfg.MetricsAddr)
				if err != nil {
					logger.Error("Failed to create metrics server", "err", err)
					return err
				}
				collector = metricsSrv.Collector()
			}

			store, err := proofstore.New(ctx, cCtx.String("store"), logger)
			if err != nil {
				logger.Error("Failed to open proof store", "err", err)
				return err
			}
			defer store.Close()

			payloads, err := openPayloadStore(cCtx.StringSlice("payload-storage"), logger)
			if err != nil {
				logger.Error("Failed to open payload storage", "err", err)
				return err
			}

			directory, err := providersig.ParseDirectory(cCtx.StringSlice("provider"))
			if err != nil {
				logger.Error("Invalid provider directory", "err", err)
				return err
			}
			verifier, err := providersig.NewVerifier(providersig.VerifierConfig{
				Directory: directory,
				Metrics:   collector,
				Log:       logger,
			})
			if err != nil {
				return err
			}

			ledgerClient, explorer, configured, err := setupLedger(ctx, cCtx, logger)
			if err != nil {
				logger.Error("Failed to set up ledger", "err", err)
				return err
			}

			attestor, err := attestation.NewAttestor(attestation.AttestorConfig{
				Store:      store,
				Payloads:   payloads,
				Signatures: verifier,
				Explorer:   explorer,
				BaseURL:    cCtx.String("base-url"),
				Metrics:    collector,
				Log:        logger,
			})
			if err != nil {
				return err
			}

			service, err := verification.NewService(verification.Config{
				Store:    store,
				Payloads: payloads,
				Explorer: explorer,
				Metrics:  collector,
				Log:      logger,
			})
			if err != nil {
				return err
			}

			interval := time.Duration(cCtx.Int64("batch-interval-ms")) * time.Millisecond
			scheduler, err := batch.NewScheduler(batch.Config{
				Store:                 store,
				Ledger:                ledgerClient,
				Interval:              interval,
				MinProofs:             cCtx.Int("batch-min-proofs"),
				RetainOnCommitFailure: cCtx.Bool("batch-retain-on-failure"),
				Metrics:               collector,
				Log:                   logger,
			})
			if err != nil {
				return err
			}

			providers := make([]string, 0, len(directory))
			for name := range directory {
				providers = append(providers, name)
			}
			sort.Strings(providers)

			handler := httpserver.NewHandler(attestor, service, httpserver.HealthInfo{
				Providers:        providers,
				BatchInterval:    interval,
				LedgerConfigured: configured,
				LedgerNetwork:    networkOf(explorer),
			}, logger)

			server, err := httpserver.New(cfg, handler, metricsSrv)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			scheduler.Start(ctx)
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			scheduler.Stop()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func openPayloadStore(uris []string, logger *slog.Logger) (interfaces.PayloadStore, error) {
	if len(uris) == 0 {
		logger.Warn("No payload storage configured, raw bodies will not be retained")
		return nil, nil
	}

	locations := make([]interfaces.StorageBackendLocation, 0, len(uris))
	for _, uri := range uris {
		loc, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}

	backend, err := storage.NewStorageBackendFactory(logger).CreateMultiBackend(locations)
	if err != nil {
		return nil, err
	}
	logger.Info("Payload storage ready", slog.String("backend", backend.Name()))
	return storage.NewPayloadStore(backend, logger), nil
}

// setupLedger returns the ledger client (nil for none), its explorer and
// whether commits can actually be signed.
func setupLedger(ctx context.Context, cCtx *cli.Context, logger *slog.Logger) (interfaces.LedgerClient, interfaces.LedgerExplorer, bool, error) {
	retries := cCtx.Uint64("ledger-retries")

	switch cCtx.String("ledger") {
	case "none":
		logger.Warn("No ledger configured, batches are stored locally only")
		return nil, nil, false, nil

	case "solana":
		client, err := ledger.NewSolanaClient(ledger.SolanaConfig{
			RPCURL:        cCtx.String(flags.SolanaRPCURLFlag.Name),
			KeypairSecret: cCtx.String("solana-keypair-secret"),
			Cluster:       cCtx.String(flags.SolanaClusterFlag.Name),
			Log:           logger,
		})
		if err != nil {
			return nil, nil, false, err
		}
		return ledger.NewRetryingClient(client, time.Second, retries, logger), client.SolanaExplorer, client.Configured(), nil

	case "evm":
		rpcURL := cCtx.String("evm-rpc-url")
		logger.Info("Connecting to Ethereum RPC", "address", rpcURL)
		ethClient, err := ethclient.Dial(rpcURL)
		if err != nil {
			return nil, nil, false, fmt.Errorf("failed to dial RPC: %w", err)
		}

		var auth *bind.TransactOpts
		if keyHex := cCtx.String("evm-private-key"); keyHex != "" {
			key, err := crypto.HexToECDSA(keyHex)
			if err != nil {
				return nil, nil, false, fmt.Errorf("invalid evm private key: %w", err)
			}
			chainID, err := ethClient.ChainID(ctx)
			if err != nil {
				return nil, nil, false, fmt.Errorf("failed to get chain id: %w", err)
			}
			auth, err = bind.NewKeyedTransactorWithChainID(key, new(big.Int).Set(chainID))
			if err != nil {
				return nil, nil, false, err
			}
		}

		var anchor ethcommon.Address
		if raw := cCtx.String("evm-anchor-address"); raw != "" {
			if !ethcommon.IsHexAddress(raw) {
				return nil, nil, false, errors.New("invalid evm anchor address")
			}
			anchor = ethcommon.HexToAddress(raw)
		}

		client, err := ledger.NewEVMClient(ledger.EVMConfig{
			Client:       ethClient,
			Backend:      ethClient,
			Auth:         auth,
			Anchor:       anchor,
			Network:      cCtx.String("evm-network"),
			ExplorerBase: cCtx.String("evm-explorer"),
			Log:          logger,
		})
		if err != nil {
			return nil, nil, false, err
		}
		return ledger.NewRetryingClient(client, time.Second, retries, logger), client, auth != nil, nil

	default:
		return nil, nil, false, fmt.Errorf("invalid ledger %q", cCtx.String("ledger"))
	}
}

func networkOf(explorer interfaces.LedgerExplorer) string {
	if explorer == nil {
		return ""
	}
	return explorer.Network()
}
