package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"lorekeeper/internal/config"
	"lorekeeper/internal/consolidation"
	"lorekeeper/internal/embedding"
	"lorekeeper/internal/logging"
	"lorekeeper/internal/session"
	"lorekeeper/internal/store"
	"lorekeeper/internal/types"
	"lorekeeper/internal/verification"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string

	// Logger
	logger *zap.Logger

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "lorekeeper",
	Short: "lorekeeper - canonical story-state service",
	Long: `lorekeeper maintains the canonical state of a long-running story:
a provenance-tracked knowledge graph, append-only session logs, a
consolidation pipeline that turns session events into durable facts,
and tiered continuity verification over draft content.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(resolveConfigPath())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		debugMode := verbose || cfg.Logging.DebugMode
		return logging.Initialize(workspace, debugMode, cfg.Logging.Level, cfg.Logging.Categories, cfg.Logging.JSONFormat)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return filepath.Join(workspace, ".lore", "config.yaml")
}

func openStore() (*store.GraphStore, error) {
	path := cfg.Store.DatabasePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, path)
	}
	return store.NewGraphStore(path, cfg.Store.HotRadius, cfg.Store.HotCapacity)
}

func openSessions() (*session.Manager, error) {
	path := cfg.Session.DatabasePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, path)
	}
	return session.NewManager(path,
		session.WithIdleTimeout(cfg.Session.IdleTimeout),
		session.WithCompactionThresholds(cfg.Session.CompactAfterEvents, cfg.Session.WindowSize, cfg.Session.TokenBudget),
	)
}

// newEmbedder returns the configured embedding backend, or nil when
// embedding is disabled and recall should fall back to exact names.
func newEmbedder() consolidation.Embedder {
	if c := embedding.NewOllamaClient(cfg.Consolidation.Embedding); c != nil {
		return c
	}
	return nil
}

// statsCmd reports graph store statistics
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show graph store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		gs, err := openStore()
		if err != nil {
			return err
		}
		defer gs.Close()

		stats, err := gs.GetStats()
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(stats))
		for k := range stats {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%-24s %d\n", k, stats[k])
		}
		return nil
	},
}

// snapshotCmd takes or lists snapshots
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Take a snapshot of the current graph state",
	RunE: func(cmd *cobra.Command, args []string) error {
		gs, err := openStore()
		if err != nil {
			return err
		}
		defer gs.Close()

		snap, err := gs.Snapshot()
		if err != nil {
			return err
		}
		logger.Info("snapshot taken",
			zap.Int64("checkpoint", snap.Checkpoint),
			zap.Int("nodes", snap.NodeCount),
			zap.Int("edges", snap.EdgeCount))
		fmt.Printf("checkpoint %d: %d nodes, %d edges\n", snap.Checkpoint, snap.NodeCount, snap.EdgeCount)
		return nil
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List existing snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		gs, err := openStore()
		if err != nil {
			return err
		}
		defer gs.Close()

		snaps, err := gs.ListSnapshots()
		if err != nil {
			return err
		}
		for _, s := range snaps {
			fmt.Printf("checkpoint %-6d %s  nodes=%d edges=%d\n",
				s.Checkpoint, s.CreatedAt.Format(time.RFC3339), s.NodeCount, s.EdgeCount)
		}
		return nil
	},
}

// diffCmd compares two snapshots
var diffCmd = &cobra.Command{
	Use:   "diff [from] [to]",
	Short: "Show the delta between two snapshots",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid checkpoint %q", args[0])
		}
		to, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid checkpoint %q", args[1])
		}

		gs, err := openStore()
		if err != nil {
			return err
		}
		defer gs.Close()

		out, err := gs.ExportDiff(from, to)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

// exportCmd dumps a snapshot's full contents as JSON
var exportCmd = &cobra.Command{
	Use:   "export [checkpoint]",
	Short: "Export a snapshot's nodes and edges as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		checkpoint, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid checkpoint %q", args[0])
		}

		gs, err := openStore()
		if err != nil {
			return err
		}
		defer gs.Close()

		out, err := gs.ExportSnapshot(checkpoint)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

// consolidateCmd runs one consolidation batch for a session
var consolidateCmd = &cobra.Command{
	Use:   "consolidate [session-id]",
	Short: "Consolidate a session's uncommitted events into the graph",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gs, err := openStore()
		if err != nil {
			return err
		}
		defer gs.Close()

		sm, err := openSessions()
		if err != nil {
			return err
		}
		defer sm.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		pipeline := consolidation.NewPipeline(gs, sm, nil, newEmbedder(), cfg.Consolidation)
		report, err := pipeline.Consolidate(ctx, args[0])
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

// serveCmd runs the background consolidation service
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the consolidation service",
	Long: `Runs the supervised consolidation queue in the foreground: idle
sessions are swept and consolidated, and the logging section of the config
file is hot-reloaded on change. Stops on SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		gs, err := openStore()
		if err != nil {
			return err
		}
		defer gs.Close()

		sm, err := openSessions()
		if err != nil {
			return err
		}
		defer sm.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		pipeline := consolidation.NewPipeline(gs, sm, nil, newEmbedder(), cfg.Consolidation)
		queue := consolidation.NewQueue(pipeline)

		go func() {
			if err := config.Watch(ctx, resolveConfigPath()); err != nil && ctx.Err() == nil {
				logger.Warn("config watch stopped", zap.Error(err))
			}
		}()

		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					idle, err := sm.SweepIdle(time.Now())
					if err != nil {
						logger.Warn("idle sweep failed", zap.Error(err))
						continue
					}
					for _, id := range idle {
						queue.Enqueue(id)
						// Idle sessions also get their committed backlog
						// compacted; uncommitted events are untouched until
						// the queued batch consolidates them.
						if _, err := sm.Compact(ctx, id, session.StrategySlidingWindow, nil); err != nil {
							logger.Warn("idle compaction failed", zap.String("session", id), zap.Error(err))
						}
					}
				}
			}
		}()

		logger.Info("consolidation service running")
		return queue.Run(ctx)
	},
}

// verifyCmd runs one verification tier over content from a file or stdin
var verifyCmd = &cobra.Command{
	Use:   "verify [fast|medium|slow] [file]",
	Short: "Run a verification tier over draft content",
	Long: `Runs one verification tier over the given file (or stdin when the
file is "-"). FAST blocks on critical findings; MEDIUM files its findings
as notifications; SLOW requires a configured analyzer.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tier, err := parseTier(args[0])
		if err != nil {
			return err
		}

		content, err := readContent(args[1])
		if err != nil {
			return err
		}

		gs, err := openStore()
		if err != nil {
			return err
		}
		defer gs.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		v := verification.NewVerifier(gs, nil, cfg.Verification)
		result, err := v.Run(ctx, tier, content, nil)
		if err != nil {
			return err
		}
		if tier == types.TierMedium {
			v.Wait()
			for _, n := range v.Notifications().Pending() {
				fmt.Printf("[%s] %s: %s\n", n.Severity, n.CheckName, n.Message)
			}
			return nil
		}

		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		if !result.Passed {
			os.Exit(1)
		}
		return nil
	},
}

// conflictsCmd lists conflicts awaiting manual resolution
var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List conflicts awaiting manual resolution",
	RunE: func(cmd *cobra.Command, args []string) error {
		gs, err := openStore()
		if err != nil {
			return err
		}
		defer gs.Close()

		pending, err := gs.PendingConflicts()
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("no pending conflicts")
			return nil
		}
		for _, c := range pending {
			fmt.Printf("%s  node=%s property=%s incumbent=%q candidate=%q\n",
				c.ID, c.NodeID, c.Property, c.Incumbent, c.Candidate)
		}
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve [conflict-id]",
	Short: "Mark a pending conflict as manually resolved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gs, err := openStore()
		if err != nil {
			return err
		}
		defer gs.Close()
		return gs.ResolveConflict(args[0])
	},
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage session event logs",
}

var sessionNewCmd = &cobra.Command{
	Use:   "new [scope]",
	Short: "Create a session and print its id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sm, err := openSessions()
		if err != nil {
			return err
		}
		defer sm.Close()

		id, err := sm.CreateSession(args[0])
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var sessionAppendCmd = &cobra.Command{
	Use:   "append [session-id] [role] [file]",
	Short: "Append an event from a file or stdin",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := readContent(args[2])
		if err != nil {
			return err
		}

		sm, err := openSessions()
		if err != nil {
			return err
		}
		defer sm.Close()

		seq, err := sm.AppendEvent(args[0], types.Event{
			Role:    types.EventRole(args[1]),
			Content: content,
		})
		if err != nil {
			return err
		}

		if result, err := sm.MaybeCompact(args[0]); err != nil {
			logger.Warn("compaction failed", zap.Error(err))
		} else if result != nil && result.Removed > 0 {
			logger.Info("compacted session",
				zap.String("session", args[0]),
				zap.Int("removed", result.Removed))
		}

		fmt.Println(seq)
		return nil
	},
}

var historyLimit int

var sessionHistoryCmd = &cobra.Command{
	Use:   "history [session-id]",
	Short: "Print session events in insertion order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sm, err := openSessions()
		if err != nil {
			return err
		}
		defer sm.Close()

		events, err := sm.GetHistory(args[0], historyLimit)
		if err != nil {
			return err
		}
		for _, ev := range events {
			fmt.Printf("%d\t%s\t%s\n", ev.Seq, ev.Role, ev.Content)
		}
		return nil
	},
}

var sessionCloseCmd = &cobra.Command{
	Use:   "close [session-id]",
	Short: "Close a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sm, err := openSessions()
		if err != nil {
			return err
		}
		defer sm.Close()
		return sm.CloseSession(args[0])
	},
}

var sessionCompactCmd = &cobra.Command{
	Use:   "compact [session-id] [sliding_window|truncate]",
	Short: "Compact a session's event log",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy := session.Strategy(args[1])
		switch strategy {
		case session.StrategySlidingWindow, session.StrategyTruncate:
		case session.StrategySummarize:
			return fmt.Errorf("summarize compaction needs a configured summarizer")
		default:
			return fmt.Errorf("unknown compaction strategy %q", args[1])
		}

		sm, err := openSessions()
		if err != nil {
			return err
		}
		defer sm.Close()

		result, err := sm.Compact(cmd.Context(), args[0], strategy, nil)
		if err != nil {
			return err
		}
		fmt.Printf("removed=%d subsumed=%d\n", result.Removed, result.Subsumed)
		return nil
	},
}

var (
	cleanupKeepSnapshots int
	cleanupPurgeDays     int
	cleanupVacuum        bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune old snapshot row sets and resolved conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		gs, err := openStore()
		if err != nil {
			return err
		}
		defer gs.Close()

		result, err := gs.MaintenanceCleanup(store.MaintenanceConfig{
			KeepSnapshots:              cleanupKeepSnapshots,
			PurgeResolvedConflictsDays: cleanupPurgeDays,
			VacuumDatabase:             cleanupVacuum,
		})
		if err != nil {
			return err
		}

		keys := make([]string, 0, len(result))
		for k := range result {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s: %d\n", k, result[k])
		}
		return nil
	},
}

func parseTier(s string) (types.Tier, error) {
	switch strings.ToUpper(s) {
	case "FAST":
		return types.TierFast, nil
	case "MEDIUM":
		return types.TierMedium, nil
	case "SLOW":
		return types.TierSlow, nil
	}
	return "", fmt.Errorf("unknown tier %q (want fast, medium, or slow)", s)
}

func readContent(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "Workspace directory")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default .lore/config.yaml)")

	snapshotCmd.AddCommand(snapshotListCmd)

	sessionHistoryCmd.Flags().IntVar(&historyLimit, "limit", 0, "Only the newest N events (0 for all)")
	sessionCmd.AddCommand(sessionNewCmd)
	sessionCmd.AddCommand(sessionAppendCmd)
	sessionCmd.AddCommand(sessionHistoryCmd)
	sessionCmd.AddCommand(sessionCloseCmd)
	sessionCmd.AddCommand(sessionCompactCmd)

	cleanupCmd.Flags().IntVar(&cleanupKeepSnapshots, "keep-snapshots", 0, "Retain only the newest N snapshot row sets (0 keeps all)")
	cleanupCmd.Flags().IntVar(&cleanupPurgeDays, "purge-resolved-days", 0, "Delete resolved conflicts older than N days (0 keeps all)")
	cleanupCmd.Flags().BoolVar(&cleanupVacuum, "vacuum", false, "Reclaim disk space afterwards")

	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(consolidateCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(cleanupCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
