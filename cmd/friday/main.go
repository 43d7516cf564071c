package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/comigor/friday-analytics/internal/analyzer"
	"github.com/comigor/friday-analytics/internal/api"
	"github.com/comigor/friday-analytics/internal/config"
	"github.com/comigor/friday-analytics/internal/llm"
	"github.com/comigor/friday-analytics/internal/logger"
	"github.com/comigor/friday-analytics/internal/mcpserver"
	"github.com/comigor/friday-analytics/internal/metrics"
	"github.com/comigor/friday-analytics/internal/pipeline"
	"github.com/comigor/friday-analytics/internal/publish"
	"github.com/comigor/friday-analytics/internal/store"
)

var (
	configPath string
	logLevel   string
	jsonOutput bool

	// logOutput is stdout for serve; other commands print their results there.
	logOutput io.Writer = os.Stdout
)

// app holds the wired components shared by every command.
type app struct {
	cfg       *config.Config
	store     *store.Store
	proc      *pipeline.Processor
	publisher publish.Publisher
}

func (a *app) Close() {
	if err := a.publisher.Close(); err != nil {
		logger.L.Warn("failed to close publisher", "error", err)
	}
	if err := a.store.Close(); err != nil {
		logger.L.Warn("failed to close database", "error", err)
	}
}

func setup() (*app, error) {
	if configPath != "" {
		os.Setenv("CONFIG_PATH", configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := logger.Configure(logOutput, cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, fmt.Errorf("invalid log configuration: %w", err)
	}

	opts, err := pipeline.OptionsFromConfig(cfg.Pipeline)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	pub, err := publish.New(cfg.AMQP)
	if err != nil {
		// Results still land in the analytics table.
		logger.L.Warn("AMQP publisher unavailable, continuing without it", "error", err)
		pub = publish.Nop{}
	}
	if _, ok := pub.(publish.Nop); !ok {
		opts = append(opts, pipeline.WithPublisher(pub))
	}

	an := analyzer.New(llm.NewClient(cfg.LLM), cfg.LLM)

	return &app{
		cfg:       cfg,
		store:     st,
		proc:      pipeline.New(st, an, opts...),
		publisher: pub,
	}, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "friday",
		Short: "Conversation analytics pipeline",
		Long: `friday captures conversational messages into a change-capture queue and
drains it in batches into per-message sentiment, emotion and keyword analytics.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Only the long-running server owns stdout; everything else prints results there.
			if cmd.Name() != "serve" {
				logOutput = os.Stderr
				_ = logger.Configure(logOutput, "", "")
			}
			if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.L.Warn("failed to load .env file", "error", err)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config.yaml (default ./config.yaml or $CONFIG_PATH)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(serveCmd(), runCmd(), sessionCmd(), overviewCmd(), statsCmd(), backfillCmd(), ingestCmd(), mcpCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, metrics and the optional periodic batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()
			metrics.Init()

			if a.cfg.Pipeline.Interval > 0 {
				go a.proc.Schedule(ctx, a.cfg.Pipeline.Interval)
			}

			router := api.NewRouter(a.store, a.proc, api.Limits{
				Overview: a.cfg.Pipeline.OverviewLimit,
				Keywords: a.cfg.Pipeline.KeywordLimit,
			})
			srv := &http.Server{
				Addr:              fmt.Sprintf("%s:%s", a.cfg.Server.Host, a.cfg.Server.Port),
				Handler:           router,
				ReadHeaderTimeout: 5 * time.Second,
				IdleTimeout:       120 * time.Second,
			}
			logger.L.Info("starting server", "address", srv.Addr)
			return runServer(ctx, srv)
		},
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		logger.L.Info("server stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Process every pending queue entry once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.proc.RunOnce(cmd.Context())
			if jsonOutput {
				if err := printJSON(res); err != nil {
					return err
				}
			} else {
				fmt.Printf("batch %s: processed %d of %d pending (skipped %d, failed %d, orphaned %d)\n",
					res.BatchID, res.ProcessedCount, res.TotalUnprocessed, res.Skipped, res.Failed, res.Orphaned)
				if res.Error != "" {
					fmt.Fprintf(os.Stderr, "Error: %s\n", res.Error)
				}
			}
			if !res.Success {
				return errors.New(res.Error)
			}
			return nil
		},
	}
}

func sessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "session <session-id>",
		Short: "Analyze the messages of one session without touching the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.proc.ProcessSession(cmd.Context(), args[0])
			if jsonOutput {
				if err := printJSON(res); err != nil {
					return err
				}
			} else {
				fmt.Printf("session %s: %d messages, %d eligible, %d analyzed\n",
					res.SessionID, res.TotalMessages, res.Eligible, res.ProcessedCount)
				if res.Error != "" {
					fmt.Fprintf(os.Stderr, "Error: %s\n", res.Error)
				}
			}
			if !res.Success {
				return errors.New(res.Error)
			}
			return nil
		},
	}
}

func overviewCmd() *cobra.Command {
	var limit, keywords int
	cmd := &cobra.Command{
		Use:   "overview",
		Short: "Show the latest analyses, sentiment distribution and top keywords",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			if limit <= 0 {
				limit = a.cfg.Pipeline.OverviewLimit
			}
			if keywords <= 0 {
				keywords = a.cfg.Pipeline.KeywordLimit
			}
			ov, err := a.store.Overview(cmd.Context(), limit, keywords)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(ov)
			}

			fmt.Printf("Total analyzed messages: %d\n\nSentiment:\n", ov.Total)
			for _, b := range ov.Sentiment {
				fmt.Printf("  %-9s %5d  avg %+.3f\n", b.Sentiment, b.Count, b.AvgScore)
			}
			fmt.Println("\nTop keywords:")
			for _, k := range ov.Keywords {
				fmt.Printf("  %-24s %d\n", k.Keyword, k.Count)
			}
			fmt.Println("\nLatest:")
			for _, l := range ov.Latest {
				fmt.Printf("  [%s/%s %+.2f] %s\n", l.SentimentLabel, l.EmotionLabel, l.SentimentScore, l.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Number of latest analyses (default from config)")
	cmd.Flags().IntVar(&keywords, "keywords", 0, "Number of top keywords (default from config)")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show message, queue and analytics counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			owner, since, held, err := a.store.LockHolder(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				out := map[string]any{"stats": st, "lock_held": held}
				if held {
					out["lock_owner"] = owner
					out["lock_claimed_at"] = since
				}
				return printJSON(out)
			}
			fmt.Printf("messages:           %d\n", st.TotalMessages)
			fmt.Printf("queue entries:      %d (%d unprocessed)\n", st.QueueEntries, st.Unprocessed)
			fmt.Printf("analytics rows:     %d\n", st.AnalyticsRows)
			fmt.Printf("duplicate analyses: %d\n", st.DuplicateAnalyses)
			fmt.Printf("skipped messages:   %d\n", st.SkippedMessages)
			if held {
				fmt.Printf("batch lock held by %s since %s\n", owner, since.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func backfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Queue stored messages that were never queued nor analyzed",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.store.Backfill(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]int64{"enqueued": n})
			}
			fmt.Printf("queued %d messages\n", n)
			return nil
		},
	}
}

func ingestCmd() *cobra.Command {
	var (
		userID    int64
		sessionID string
		role      string
	)
	cmd := &cobra.Command{
		Use:   "ingest <content>",
		Short: "Store one message (it is queued for analysis automatically)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.store.SaveMessage(cmd.Context(), store.Message{
				UserID:    userID,
				SessionID: sessionID,
				Role:      store.Role(strings.ToLower(role)),
				Content:   strings.Join(args, " "),
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]int64{"id": id})
			}
			fmt.Printf("stored message %d\n", id)
			return nil
		},
	}
	cmd.Flags().Int64VarP(&userID, "user", "u", 1, "Owning user id")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id")
	cmd.Flags().StringVarP(&role, "role", "r", "user", "Speaker role: user, assistant or system")
	cmd.MarkFlagRequired("session")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the analytics tools over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			tools := mcpserver.NewTools(a.store, a.proc, a.cfg.Pipeline.OverviewLimit, a.cfg.Pipeline.KeywordLimit)
			return mcpserver.Serve(mcpserver.New(tools))
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	return nil
}
