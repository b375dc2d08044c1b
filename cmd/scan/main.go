// Command scan screens a transaction file against an anchor file from the
// command line and prints the flagged transfers.
//
// Usage:
//
//	go run ./cmd/scan -transactions txs.json -anchors anchors.json [-params p.json] [-format text|json] [-min-action WARNING]
//
// The exit status is 2 when any transfer is blocked, 1 on error.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mbd888/poisonguard/internal/dataset"
	"github.com/mbd888/poisonguard/internal/decision"
	"github.com/mbd888/poisonguard/internal/logging"
	"github.com/mbd888/poisonguard/internal/params"
	"github.com/mbd888/poisonguard/internal/risk"
)

const exitBlocked = 2

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		txPath     = fs.String("transactions", "", "path to the transactions JSON array (required)")
		anchorPath = fs.String("anchors", "", "path to the anchors JSON array (required)")
		paramsPath = fs.String("params", "", "optional params document overriding the defaults")
		format     = fs.String("format", "text", "output format: text or json")
		minAction  = fs.String("min-action", string(decision.ActionPass), "omit results below this action")
		workers    = fs.Int("workers", risk.DefaultWorkers, "concurrent scoring workers")
		timeout    = fs.Duration("timeout", time.Minute, "analysis timeout")
		logLevel   = fs.String("log-level", "warn", "log level")
	)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	logger := logging.NewWithWriter(stderr, *logLevel, "text")

	if *txPath == "" || *anchorPath == "" {
		fmt.Fprintln(stderr, "scan: -transactions and -anchors are required")
		fs.Usage()
		return 1
	}
	if *format != "text" && *format != "json" {
		fmt.Fprintf(stderr, "scan: unknown format %q\n", *format)
		return 1
	}

	txs, err := readDataset(*txPath, dataset.DecodeTransactions)
	if err != nil {
		logger.Error("failed to read transactions", "path", *txPath, "error", err)
		return 1
	}
	anchors, err := readDataset(*anchorPath, dataset.DecodeAnchors)
	if err != nil {
		logger.Error("failed to read anchors", "path", *anchorPath, "error", err)
		return 1
	}
	p := params.Defaults()
	if *paramsPath != "" {
		if p, err = params.LoadFile(*paramsPath); err != nil {
			logger.Error("failed to load params", "error", err)
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	start := time.Now()
	results, err := risk.NewEngine().WithWorkers(*workers).Analyze(ctx, txs, anchors, p)
	if err != nil {
		logger.Error("analysis failed", "error", err)
		return 1
	}
	logger.Info("analysis finished",
		"transactions", len(txs),
		"anchors", len(anchors),
		"results", len(results),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	results = risk.Filter(results, decision.Action(strings.ToUpper(*minAction)))

	if *format == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(map[string]any{"results": results, "summary": risk.Summarize(results)})
	} else {
		err = risk.WriteText(stdout, results)
	}
	if err != nil {
		logger.Error("failed to write results", "error", err)
		return 1
	}

	for _, r := range results {
		if r.Decision.Action == decision.ActionBlock {
			return exitBlocked
		}
	}
	return 0
}

func readDataset[T any](path string, decode func([]byte) ([]T, error)) ([]T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decode(data)
}
