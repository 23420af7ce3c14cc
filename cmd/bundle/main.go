package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ruteri/ioproof-attestation-backend/cmd/flags"
	"github.com/ruteri/ioproof-attestation-backend/ledger"
	"github.com/ruteri/ioproof-attestation-backend/verification"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "ioproof-bundle",
		Usage: "Fetch and independently verify exported proof bundles",
		Flags: flags.LogFlags,
		Commands: []*cli.Command{
			{
				Name:      "verify",
				Usage:     "re-run every verification step of a bundle",
				ArgsUsage: "<bundle.json>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "offline",
						Usage: "skip the on-chain memo check",
					},
					flags.SolanaRPCURLFlag,
					flags.SolanaClusterFlag,
				},
				Action: verifyCmd,
			},
			{
				Name:  "fetch",
				Usage: "download a bundle from an ioproof server",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "server", Value: "http://localhost:3000", EnvVars: []string{"BASE_URL"}},
					&cli.StringFlag{Name: "hash", Required: true},
					&cli.StringFlag{Name: "secret", Required: true},
					&cli.StringFlag{Name: "out", Usage: "output file, defaults to stdout"},
				},
				Action: fetchCmd,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func verifyCmd(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	path := cCtx.Args().First()
	if path == "" {
		return cli.Exit("missing bundle file", 2)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var bundle verification.Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return fmt.Errorf("invalid bundle: %w", err)
	}

	var memos verification.MemoSource
	if !cCtx.Bool("offline") {
		client, err := ledger.NewSolanaClient(ledger.SolanaConfig{
			RPCURL:  cCtx.String(flags.SolanaRPCURLFlag.Name),
			Cluster: cCtx.String(flags.SolanaClusterFlag.Name),
			Log:     logger,
		})
		if err != nil {
			return err
		}
		memos = client
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	results := verification.VerifyBundle(ctx, &bundle, memos)
	for _, r := range results {
		status := "ok"
		switch {
		case r.Skipped:
			status = "skipped"
		case !r.OK:
			status = "FAILED"
		}
		line := fmt.Sprintf("%d. %-14s %s", r.Step, r.Name, status)
		if r.Detail != "" {
			line += " (" + r.Detail + ")"
		}
		fmt.Println(line)
	}

	if err := verification.CheckBundle(results); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Println("bundle verified")
	return nil
}

func fetchCmd(cCtx *cli.Context) error {
	endpoint := fmt.Sprintf("%s/api/verify/export/%s?secret=%s",
		strings.TrimSuffix(cCtx.String("server"), "/"),
		url.PathEscape(cCtx.String("hash")),
		url.QueryEscape(cCtx.String("secret")))

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("failed to fetch bundle: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if out := cCtx.String("out"); out != "" {
		return os.WriteFile(out, body, 0o644)
	}
	_, err = os.Stdout.Write(body)
	return err
}
