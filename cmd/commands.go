package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/LiuHaoUltra/echogram/internal/config"
	"github.com/LiuHaoUltra/echogram/internal/scheduler"
)

func parseChatID(arg string) int64 {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		fatalf("invalid chat id %q", arg)
	}
	return id
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats [chat-id]",
		Short: "Show window/buffer/profile/index status for a chat",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			st, err := openStore(ctx)
			if err != nil {
				fatalf("open store: %v", err)
			}
			defer st.Close()

			eng := buildEngine(ctx, st)
			stats, err := eng.Stats(ctx, parseChatID(args[0]))
			if err != nil {
				fatalf("stats: %v", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "state\t%s\n", stats.Archive.State)
			fmt.Fprintf(w, "window\t%d msgs, %d tokens (from id %d)\n",
				stats.Window.WindowCount, stats.Window.WindowTokens, stats.Window.WindowStartID)
			fmt.Fprintf(w, "buffer\t%d msgs, %d tokens\n",
				stats.Window.BufferCount, stats.Window.BufferTokens)
			fmt.Fprintf(w, "folded up to\t%d\n", stats.Archive.LastFoldedID)
			if !stats.Archive.UpdatedAt.IsZero() {
				fmt.Fprintf(w, "profile updated\t%s\n", stats.Archive.UpdatedAt.Format("2006-01-02 15:04"))
			}
			fmt.Fprintf(w, "indexed vectors\t%d\n", stats.Vectors)
			w.Flush()

			if stats.Archive.Profile != "" {
				fmt.Printf("\nprofile:\n%s\n", stats.Archive.Profile)
			}
		},
	}
}

func searchCmd() *cobra.Command {
	var topK, padding int
	cmd := &cobra.Command{
		Use:   "search [chat-id] [query]",
		Short: "Probe semantic retrieval for a chat",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			st, err := openStore(ctx)
			if err != nil {
				fatalf("open store: %v", err)
			}
			defer st.Close()

			eng := buildEngine(ctx, st)
			block, err := eng.RAG.Search(ctx, parseChatID(args[0]), args[1], nil, topK, padding)
			if err != nil {
				fatalf("search: %v", err)
			}
			if block == "" {
				fmt.Println("(no matches)")
				return
			}
			fmt.Println(block)
		},
	}
	cmd.Flags().IntVar(&topK, "top-k", 5, "maximum anchors")
	cmd.Flags().IntVar(&padding, "padding", config.DefaultRAGPadding, "neighbors each side of an anchor")
	return cmd
}

func resetCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "reset [chat-id]",
		Short: "Delete a chat's log, profile and vectors (--all clears derived state for every chat)",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			st, err := openStore(ctx)
			if err != nil {
				fatalf("open store: %v", err)
			}
			defer st.Close()

			eng := buildEngine(ctx, st)
			switch {
			case all:
				if err := eng.ResetAllDerived(ctx); err != nil {
					fatalf("reset all: %v", err)
				}
				fmt.Println("all profiles and vectors cleared")
			case len(args) == 1:
				if err := eng.Reset(ctx, parseChatID(args[0])); err != nil {
					fatalf("reset: %v", err)
				}
				fmt.Println("chat reset")
			default:
				fatalf("pass a chat id or --all")
			}
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "clear derived state for every chat")
	return cmd
}

func reindexCmd() *cobra.Command {
	var clear bool
	cmd := &cobra.Command{
		Use:   "reindex [chat-id]",
		Short: "Run an incremental index sync for a chat (--clear rebuilds from scratch)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			st, err := openStore(ctx)
			if err != nil {
				fatalf("open store: %v", err)
			}
			defer st.Close()

			eng := buildEngine(ctx, st)
			chatID := parseChatID(args[0])
			if clear {
				if err := eng.RAG.ClearChat(ctx, chatID); err != nil {
					fatalf("clear index: %v", err)
				}
			}
			// Loop until the backlog drains; each pass is one bounded batch.
			total := 0
			for {
				n, err := eng.RAG.SyncChat(ctx, chatID)
				if err != nil {
					fatalf("sync: %v", err)
				}
				total += n
				if n == 0 {
					break
				}
			}
			fmt.Printf("resolved %d anchors\n", total)
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "drop existing vectors first")
	return cmd
}

func compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact [chat-id]",
		Short: "Evaluate the archive trigger for a chat now",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			st, err := openStore(ctx)
			if err != nil {
				fatalf("open store: %v", err)
			}
			defer st.Close()

			eng := buildEngine(ctx, st)
			if err := eng.Archive.CheckAndCompact(ctx, parseChatID(args[0])); err != nil {
				fatalf("compact: %v", err)
			}
			fmt.Println("done")
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read or write persisted settings",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get [key]",
		Short: "Print a setting (empty if unset)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			st, err := openStore(ctx)
			if err != nil {
				fatalf("open store: %v", err)
			}
			defer st.Close()
			fmt.Println(config.NewService(st).String(ctx, args[0], ""))
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set [key] [value]",
		Short: "Write a setting",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			if args[0] == config.KeyEmbeddingDim {
				dim, err := strconv.Atoi(args[1])
				if err != nil || dim < 1 {
					fatalf("embedding_dim must be a positive integer, got %q", args[1])
				}
				fmt.Println("note: existing vectors keep their width; run reindex --clear (or rebuild the vector table on postgres) after changing it")
			}
			st, err := openStore(ctx)
			if err != nil {
				fatalf("open store: %v", err)
			}
			defer st.Close()
			if err := config.NewService(st).Set(ctx, args[0], args[1]); err != nil {
				fatalf("set: %v", err)
			}
		},
	})
	return cmd
}

func runCmd() *cobra.Command {
	var chatIDs []int64
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the background maintenance loop (index sync on its cron cadence)",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := openStore(ctx)
			if err != nil {
				fatalf("open store: %v", err)
			}
			defer st.Close()

			eng := buildEngine(ctx, st)
			sched := scheduler.New()
			sched.Add(scheduler.Job{
				Name: "rag-sync",
				Expr: eng.Cfg.RAGSyncCron(ctx),
				Run: func(ctx context.Context) error {
					// Without --chats, sweep every chat that has pending
					// anchors.
					if len(chatIDs) == 0 {
						_, err := eng.RAG.SyncAll(ctx)
						return err
					}
					var firstErr error
					for _, chatID := range chatIDs {
						if _, err := eng.RAG.SyncChat(ctx, chatID); err != nil && firstErr == nil {
							firstErr = err
						}
					}
					return firstErr
				},
			})
			sched.Start(ctx)
			defer sched.Stop()

			fmt.Println("maintenance loop running, ctrl-c to stop")
			<-ctx.Done()
			fmt.Println("shutting down")
		},
	}
	cmd.Flags().Int64SliceVar(&chatIDs, "chats", nil, "restrict indexing to these chat ids")
	return cmd
}
