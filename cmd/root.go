// Package cmd is the administrative surface of the memory core: status,
// retrieval probes, resets and index maintenance. The chat transport runs
// elsewhere and consumes the same packages in process.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/LiuHaoUltra/echogram/internal/config"
	"github.com/LiuHaoUltra/echogram/internal/engine"
	"github.com/LiuHaoUltra/echogram/internal/history"
	"github.com/LiuHaoUltra/echogram/internal/locks"
	"github.com/LiuHaoUltra/echogram/internal/providers"
	"github.com/LiuHaoUltra/echogram/internal/rag"
	"github.com/LiuHaoUltra/echogram/internal/store"
	"github.com/LiuHaoUltra/echogram/internal/store/pg"
	"github.com/LiuHaoUltra/echogram/internal/summary"
)

var (
	flagDBPath  string
	flagPGDSN   string
	flagVerbose bool
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "echogram",
		Short: "Bounded conversational memory: window selection, compaction, semantic retrieval",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if flagVerbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}

	root.PersistentFlags().StringVar(&flagDBPath, "db", "data/echogram.db", "sqlite database path")
	root.PersistentFlags().StringVar(&flagPGDSN, "pg-dsn", "", "postgres DSN (overrides --db)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	root.AddCommand(statsCmd())
	root.AddCommand(searchCmd())
	root.AddCommand(resetCmd())
	root.AddCommand(reindexCmd())
	root.AddCommand(compactCmd())
	root.AddCommand(configCmd())
	root.AddCommand(runCmd())
	return root
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func openStore(ctx context.Context) (store.Store, error) {
	if flagPGDSN != "" {
		db, err := pg.OpenDB(flagPGDSN)
		if err != nil {
			return nil, err
		}
		// The vector table's width comes from the persisted setting, read
		// before the schema exists; NewPGStore then verifies the live
		// column agrees, since IF NOT EXISTS keeps whatever an earlier run
		// declared.
		dim, err := pg.BootstrapDim(db, config.DefaultEmbeddingDim)
		if err != nil {
			return nil, err
		}
		return pg.NewPGStore(db, dim)
	}
	return store.NewSQLiteStore(flagDBPath)
}

// buildEngine wires the full core from the store's persisted settings.
func buildEngine(ctx context.Context, st store.Store) *engine.Engine {
	cfg := config.NewService(st)
	sel := history.NewSelector(st)
	lk := locks.NewRegistry()

	var summarizer summary.Summarizer
	var embedder rag.Embedder
	if apiKey := cfg.String(ctx, config.KeyAPIKey, ""); apiKey != "" {
		client := providers.NewClient(apiKey, cfg.String(ctx, config.KeyAPIBaseURL, ""))
		chatModel := cfg.String(ctx, config.KeyModelName, "gpt-4o-mini")
		summaryModel := cfg.String(ctx, config.KeySummaryModelName, "")
		if summaryModel == "" {
			summaryModel = chatModel
		}
		summarizer = providers.NewProfileSummarizer(client, summaryModel)
		embedder = providers.NewTextEmbedder(client,
			cfg.String(ctx, config.KeyVectorModelName, config.DefaultVectorModelName))
	} else {
		slog.Warn("api_key not configured; compaction and retrieval disabled")
	}

	arc := summary.NewService(st, cfg, sel, summarizer, lk)
	rg := rag.NewService(st, cfg, embedder)
	return engine.New(st, cfg, sel, arc, rg, lk)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
