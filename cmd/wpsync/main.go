// Command wpsync runs one merge/split cycle over a work-package workspace:
// it imports edits made in previously-known work packages back into the
// master container, then regenerates every configured work package from the
// merged result.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/lutraconsulting/wpsync/internal/changeset"
	"github.com/lutraconsulting/wpsync/internal/config"
	"github.com/lutraconsulting/wpsync/internal/orchestrator"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	root := flag.String("root", "", "workspace root containing base/, input/, output/, tmp/")
	configPath := flag.String("config", "", "path to the work-package YAML configuration")
	geodiffPath := flag.String("geodiff", "", "path to the geodiff binary (defaults to $PATH)")
	flag.Parse()

	if *root == "" || *configPath == "" {
		slog.Error("both -root and -config are required")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	engine := changeset.CLIEngine{BinaryPath: *geodiffPath}

	result, err := orchestrator.Run(context.Background(), *root, cfg, engine)
	if err != nil {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}

	slog.Info("run complete", "run_id", result.RunID, "conflicts", len(result.Conflicts))
}
