package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"MuseChat/internal/backend"
	"MuseChat/internal/chatbot"
	"MuseChat/internal/config"
	"MuseChat/internal/memory"
	"MuseChat/internal/personality"
	"MuseChat/internal/rating"
	"MuseChat/internal/session"
	"MuseChat/internal/storage"
	"MuseChat/internal/telemetry"
	"MuseChat/internal/verifyfeed"
)

var configFile string

// museAPI is everything the client needs from the backend
type museAPI interface {
	chatbot.ChatAPI
	rating.API
	memory.API
}

var rootCmd = &cobra.Command{
	Use:   "musechat",
	Short: "Chat with a muse and browse its memories",
	Long: `musechat talks to a muse backend. Every turn is committed and verifiable;
when the backend is unreachable the muse answers locally and the reply is
marked as such.

Run without a subcommand to start the interactive chat.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd)
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start the interactive chat",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd)
	},
}

var (
	memQuery    string
	memMode     string
	memCategory string
	memTags     []string
	memMin      float64
	memLimit    int
	memStats    bool
	memTimeline bool
)

var memoriesCmd = &cobra.Command{
	Use:   "memories",
	Short: "Query the memory index of an agent once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMemories(cmd)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	def := config.Default()

	pf.StringVar(&configFile, "config", "", "Config file (yaml, json or toml)")
	pf.String("api-url", def.API.BaseURL, "Muse backend base URL")
	pf.Bool("offline", false, "Never contact the backend; replies are generated locally")
	pf.String("agent", "", "Agent (muse) id")
	pf.String("user", "", "User wallet address")
	pf.Duration("send-timeout", def.Chat.SendTimeout, "Give up on a send after this long (30s-60s)")
	pf.String("fallback-policy", def.Chat.FallbackPolicy, "Offline reply template policy (priority|rotate)")
	pf.Bool("reasoning", false, "Ask for a reasoning trace with every reply")
	pf.Bool("derive-memories", false, "Rebuild memories from the chat when the memory index fails")
	pf.Bool("sample-memories", false, "Show sample memories when the agent has none")
	pf.String("timezone", def.Memory.Timezone, "Timezone for the memory timeline")
	pf.Bool("durable-ratings", false, "Remember rated messages across runs")
	pf.Bool("debug", false, "Enable debug logging")
	pf.String("log-level", def.Log.Level, "Log level (debug|info|warn|error)")
	pf.String("db", def.Storage.Path, "SQLite database path")
	pf.String("feed-url", "", "Websocket URL of the verification feed")
	pf.Bool("telemetry", def.Telemetry.Enabled, "Export traces and metrics to the log directory")

	mf := memoriesCmd.Flags()
	mf.StringVarP(&memQuery, "query", "q", "", "Text to search for")
	mf.StringVar(&memMode, "mode", string(memory.ModeSemantic), "Search mode (semantic|keyword)")
	mf.StringVar(&memCategory, "category", "", "Only this category")
	mf.StringSliceVar(&memTags, "tag", nil, "Only entries with all of these tags")
	mf.Float64Var(&memMin, "min-importance", 0, "Only entries at least this important (0-1)")
	mf.IntVarP(&memLimit, "limit", "n", memory.DefaultLimit, "Maximum number of entries")
	mf.BoolVar(&memStats, "stats", false, "Print aggregate statistics")
	mf.BoolVar(&memTimeline, "timeline", false, "Print entries per day")

	rootCmd.AddCommand(chatCmd, memoriesCmd)
}

// app holds the wired components shared by the subcommands
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	api      museAPI
	store    *session.Store
	facade   *memory.Facade
	db       *storage.DB
	closers  []func()
	dispatch *chatbot.Dispatcher
	ledger   *rating.Ledger
}

func setup(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(cmd.Flags(), configFile)
	if err != nil {
		return nil, err
	}

	logger, logFile, err := telemetry.InitLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func() { logFile.Close() })

	if cfg.Log.Debug {
		logger.Info("Debug mode enabled")
	}

	tracer, meter, shutdown, err := telemetry.InitTelemetry(ctx, cfg.Telemetry, cfg.Log.Dir)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.closers = append(a.closers, shutdown)

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, func() { db.Close() })

	if cfg.API.Offline {
		a.api = backend.Offline{}
	} else {
		a.api = backend.NewClient(cfg.API.BaseURL,
			backend.WithLogger(logger),
			backend.WithTracer(tracer),
			backend.WithMeter(meter),
		)
	}

	policy, _ := personality.ParsePolicy(cfg.Chat.FallbackPolicy)
	a.store = session.NewStore()
	a.dispatch = chatbot.NewDispatcher(a.api, a.store, chatbot.Options{
		SendTimeout:    cfg.Chat.SendTimeout,
		FallbackPolicy: policy,
		Logger:         logger,
		Meter:          meter,
	})

	ratingOpts := rating.Options{BaseReward: cfg.Rating.BaseReward, Logger: logger, Meter: meter}
	if cfg.Rating.Durable {
		ratingOpts.Guard = db
	}
	a.ledger = rating.NewLedger(a.api, ratingOpts)

	a.facade = memory.NewFacade(a.api, memory.Options{
		DeriveFromSession:   cfg.Memory.DeriveFromSession,
		Sessions:            a.store,
		AllowSampleBackfill: cfg.Memory.SampleMemories,
		Location:            cfg.Location(),
		Logger:              logger,
		Meter:               meter,
	})

	return a, nil
}

// close runs the closers in reverse order
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func runChat(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.Chat.AgentID == "" {
		return fmt.Errorf("an agent id is required (--agent or MUSECHAT_CHAT_AGENT_ID)")
	}

	var wg sync.WaitGroup
	if a.cfg.Feed.URL != "" {
		feed, err := verifyfeed.Dial(ctx, a.cfg.Feed.URL, a.dispatch, a.logger)
		if err != nil {
			a.logger.Warn("verification feed unavailable", "error", err)
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
					a.logger.Warn("verification feed stopped", "error", err)
				}
			}()
			defer func() {
				feed.Close()
				wg.Wait()
			}()
		}
	}

	bot := chatbot.NewChatBot(a.cfg, chatbot.Deps{
		Dispatcher: a.dispatch,
		Ledger:     a.ledger,
		Memories:   a.facade,
		Archive:    a.db,
		Logger:     a.logger,
		In:         os.Stdin,
		Out:        os.Stdout,
	})
	return bot.Run(ctx)
}

func runMemories(cmd *cobra.Command) error {
	ctx := cmd.Context()

	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	agentID := a.cfg.Chat.AgentID
	if agentID == "" {
		return fmt.Errorf("an agent id is required (--agent or MUSECHAT_CHAT_AGENT_ID)")
	}

	out := cmd.OutOrStdout()
	switch {
	case memStats:
		printStats(out, a.facade.Stats(ctx, agentID))
	case memTimeline:
		for _, day := range a.facade.Timeline(ctx, agentID, memLimit) {
			fmt.Fprintf(out, "%s  %d memories, importance %.2f  %s\n",
				day.Day.Format("2006-01-02"), day.Count, day.AverageImportance, strings.Join(day.Tags, " "))
		}
	default:
		res := a.facade.GetEnhanced(ctx, agentID, memory.Filters{
			Limit:         memLimit,
			Category:      memory.Category(memCategory),
			Tags:          memTags,
			MinImportance: memMin,
			Query:         memQuery,
			Mode:          memory.Mode(memMode),
		})
		for i, e := range res.Entries {
			fmt.Fprintf(out, "%d. [%s, %s, %.2f] %s\n", i+1, e.Category, e.RetentionPriority, e.Importance, e.Content)
			if e.AIResponse != "" {
				fmt.Fprintf(out, "   > %s\n", e.AIResponse)
			}
		}
		fmt.Fprintf(out, "%d entries (source: %s", len(res.Entries), res.Source)
		if res.HasMore {
			fmt.Fprint(out, ", more available")
		}
		fmt.Fprintln(out, ")")
	}
	return nil
}

func printStats(out io.Writer, s memory.Stats) {
	fmt.Fprintf(out, "Total: %d\nAverage importance: %.2f\n", s.Total, s.AverageImportance)
	fmt.Fprintln(out, "Categories:")
	for cat, n := range s.CategoryBreakdown {
		fmt.Fprintf(out, "  %-16s %d\n", cat, n)
	}
	fmt.Fprintln(out, "Retention:")
	for r, n := range s.RetentionBreakdown {
		fmt.Fprintf(out, "  %-16s %d\n", r, n)
	}
	fmt.Fprintln(out, "Tags:")
	for _, tc := range s.SortedTags() {
		fmt.Fprintf(out, "  #%s (%d)\n", tc.Tag, tc.Count)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
