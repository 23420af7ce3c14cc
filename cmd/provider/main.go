package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/ioproof-attestation-backend/cmd/flags"
	"github.com/ruteri/ioproof-attestation-backend/providersig"
	"github.com/urfave/cli/v2"
)

var flagPrivateKey = &cli.StringFlag{
	Name:     "private-key",
	Required: true,
	EnvVars:  []string{"IOPROOF_SIGNING_KEY"},
	Usage:    "hex Ed25519 seed (32 bytes)",
}

var flagKeyID = &cli.StringFlag{
	Name:     "key-id",
	Required: true,
	EnvVars:  []string{"IOPROOF_KEY_ID"},
	Usage:    "key id published in the key document",
}

func main() {
	app := &cli.App{
		Name:  "ioproof-provider",
		Usage: "Provider-side signing kit: keys, signatures and key documents",
		Flags: flags.LogFlags,
		Commands: []*cli.Command{
			{
				Name:  "keygen",
				Usage: "generate an Ed25519 key pair",
				Action: func(cCtx *cli.Context) error {
					kp, err := providersig.GenerateKeyPair(time.Now())
					if err != nil {
						return err
					}
					return printJSON(map[string]string{
						"kid":         kp.KeyID,
						"public_key":  kp.PublicKey,
						"private_key": kp.PrivateKey,
					})
				},
			},
			{
				Name:  "sign",
				Usage: "sign a request/response pair read from files",
				Flags: []cli.Flag{
					flagPrivateKey,
					flagKeyID,
					&cli.StringFlag{Name: "request", Required: true, Usage: "file holding the raw request body"},
					&cli.StringFlag{Name: "response", Required: true, Usage: "file holding the raw response body"},
					&cli.StringFlag{Name: "timestamp", Usage: "signature timestamp, defaults to now"},
				},
				Action: func(cCtx *cli.Context) error {
					reqBody, err := os.ReadFile(cCtx.String("request"))
					if err != nil {
						return err
					}
					resBody, err := os.ReadFile(cCtx.String("response"))
					if err != nil {
						return err
					}

					var result *providersig.SignResult
					if ts := cCtx.String("timestamp"); ts != "" {
						result, err = providersig.SignWithTimestamp(cCtx.String(flagPrivateKey.Name), cCtx.String(flagKeyID.Name), reqBody, resBody, ts)
					} else {
						var sign providersig.SignFunc
						sign, err = providersig.NewSigner(cCtx.String(flagPrivateKey.Name), cCtx.String(flagKeyID.Name), nil)
						if err == nil {
							result, err = sign(reqBody, resBody)
						}
					}
					if err != nil {
						return err
					}

					return printJSON(map[string]string{
						providersig.HeaderSignature: result.Signature,
						providersig.HeaderTimestamp: result.Timestamp,
						providersig.HeaderKeyID:     result.KeyID,
						"request_hash":              result.RequestHash,
						"response_hash":             result.ResponseHash,
						"message":                   result.Message,
					})
				},
			},
			{
				Name:  "verify",
				Usage: "verify a signature over request and response hashes",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "public-key", Required: true, Usage: "hex Ed25519 public key"},
					&cli.StringFlag{Name: "request-hash", Required: true},
					&cli.StringFlag{Name: "response-hash", Required: true},
					&cli.StringFlag{Name: "timestamp", Required: true},
					&cli.StringFlag{Name: "signature", Required: true, Usage: "base64 signature"},
				},
				Action: func(cCtx *cli.Context) error {
					message := providersig.Message(cCtx.String("request-hash"), cCtx.String("response-hash"), cCtx.String("timestamp"))
					if !providersig.VerifySignature(cCtx.String("public-key"), message, cCtx.String("signature")) {
						return cli.Exit("signature INVALID", 1)
					}
					fmt.Println("signature valid")
					return nil
				},
			},
			{
				Name:  "well-known",
				Usage: "print the key document for the given kid=public_key pairs",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "key", Required: true, Usage: "kid=public_key_hex, may be repeated"},
				},
				Action: func(cCtx *cli.Context) error {
					doc, err := wellKnown(cCtx.StringSlice("key"))
					if err != nil {
						return err
					}
					fmt.Println(string(doc))
					return nil
				},
			},
			{
				Name:  "serve",
				Usage: "reverse proxy an upstream API, signing every response and publishing the key document",
				Flags: []cli.Flag{
					flagPrivateKey,
					flagKeyID,
					&cli.StringFlag{Name: "public-key", Required: true, Usage: "hex public key matching --private-key"},
					&cli.StringFlag{Name: "upstream", Required: true, Usage: "upstream base URL"},
					&cli.StringFlag{Name: "listen-addr", Value: "127.0.0.1:8085"},
					flags.LogServiceFlagFn("ioproof-provider"),
				},
				Action: serve,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serve(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	upstream, err := url.Parse(cCtx.String("upstream"))
	if err != nil {
		return fmt.Errorf("invalid upstream: %w", err)
	}

	sign, err := providersig.NewSigner(cCtx.String(flagPrivateKey.Name), cCtx.String(flagKeyID.Name), nil)
	if err != nil {
		return err
	}

	doc, err := providersig.WellKnownJSON([]providersig.KeyEntry{{
		KID:       cCtx.String(flagKeyID.Name),
		PublicKey: cCtx.String("public-key"),
	}})
	if err != nil {
		return err
	}

	mux := chi.NewRouter()
	mux.Get(providersig.WellKnownPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
	mux.With(providersig.Middleware(sign, logger)).Handle("/*", httputil.NewSingleHostReverseProxy(upstream))

	srv := &http.Server{
		Addr:              cCtx.String("listen-addr"),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting signing proxy", "listenAddress", srv.Addr, "upstream", upstream.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Signing proxy failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit

	return srv.Close()
}

func wellKnown(pairs []string) ([]byte, error) {
	keys := make([]providersig.KeyEntry, 0, len(pairs))
	for _, pair := range pairs {
		kid, pub, ok := strings.Cut(pair, "=")
		if !ok || kid == "" || pub == "" {
			return nil, fmt.Errorf("invalid key %q, expected kid=public_key", pair)
		}
		if _, err := providersig.ParsePublicKey(pub); err != nil {
			return nil, fmt.Errorf("key %s: %w", kid, err)
		}
		keys = append(keys, providersig.KeyEntry{KID: kid, PublicKey: pub})
	}
	return providersig.WellKnownJSON(keys)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
