package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/arbiter/pkg/approval"
	"github.com/Mindburn-Labs/arbiter/pkg/archive"
	"github.com/Mindburn-Labs/arbiter/pkg/config"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
	"github.com/Mindburn-Labs/arbiter/pkg/decision"
	"github.com/Mindburn-Labs/arbiter/pkg/enforce"
	"github.com/Mindburn-Labs/arbiter/pkg/escalation"
	"github.com/Mindburn-Labs/arbiter/pkg/observability"
	"github.com/Mindburn-Labs/arbiter/pkg/policy"
	"github.com/Mindburn-Labs/arbiter/pkg/policy/conflict"
	"github.com/Mindburn-Labs/arbiter/pkg/sandbox"
	"github.com/Mindburn-Labs/arbiter/pkg/scheduler"
	"github.com/Mindburn-Labs/arbiter/pkg/store"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver (lite mode)
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runService(stderr)
	}

	switch args[1] {
	case "run", "serve":
		return runService(stderr)
	case "evaluate":
		return runEvaluateCmd(args[2:], stdout, stderr)
	case "lint":
		return runLintCmd(args[2:], stdout, stderr)
	case "conflicts":
		return runConflictsCmd(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "arbiter %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: arbiter <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run          Run the decision pipeline service (default)")
	fmt.Fprintln(w, "  evaluate     Evaluate a decision file against a policy directory")
	fmt.Fprintln(w, "  lint         Validate policy documents")
	fmt.Fprintln(w, "  conflicts    Detect and report policy conflicts")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w, "  help         Show this help")
}

func runService(stderr io.Writer) int {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "arbiter",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEnabled,
		Insecure:       true,
	})
	if err != nil {
		fmt.Fprintf(stderr, "observability: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	repo, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "store: %v\n", err)
		return 1
	}
	defer cleanup()
	log.Printf("[arbiter] store: %s", cfg.Store)

	registry := policy.NewRegistry()
	if celEval, err := policy.NewCELEvaluator(); err == nil {
		registry.Register(celEval)
	} else {
		logger.Warn("cel evaluator unavailable", "error", err)
	}
	if wasmEval, err := sandbox.NewEvaluator(ctx, nil, sandbox.DefaultConfig()); err == nil {
		registry.Register(wasmEval)
	} else {
		logger.Warn("wasm evaluator unavailable", "error", err)
	}

	if cfg.PolicyDir != "" {
		defs, err := loadPolicies(cfg.PolicyDir, registry)
		if err != nil {
			fmt.Fprintf(stderr, "policies: %v\n", err)
			return 1
		}
		// Snapshot the loaded definitions so the active policy set is
		// inspectable through the store alongside the decisions it governed.
		for i := range defs {
			raw, err := json.Marshal(&defs[i])
			if err != nil {
				fmt.Fprintf(stderr, "policies: %v\n", err)
				return 1
			}
			if _, err := repo.Create(ctx, store.KindPolicy, defs[i].ID, raw); err != nil && !errors.Is(err, store.ErrExists) {
				fmt.Fprintf(stderr, "policies: %v\n", err)
				return 1
			}
		}
		log.Printf("[arbiter] policies: %d loaded from %s", len(defs), cfg.PolicyDir)
	}

	decisions := decision.NewService(repo, logger).WithTracker(obs)
	queue := approval.NewQueue(repo, logger)
	manager := escalation.NewManager(queue, repo, logger)

	sched := scheduler.New(manager, cfg.TimeoutDefaultAction, logger)

	if cfg.ArchiveBucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "aws config: %v\n", err)
			return 1
		}
		archiver := archive.NewArchiver(s3.NewFromConfig(awsCfg), cfg.ArchiveBucket, cfg.ArchivePrefix, logger)
		builder := archive.NewBuilder(decisions, queue, manager)
		if err := sched.AddJob("@every 5m", "archive-concluded", archiveJob(decisions, builder, archiver)); err != nil {
			fmt.Fprintf(stderr, "scheduler: %v\n", err)
			return 1
		}
		log.Printf("[arbiter] archive: s3://%s/%s", cfg.ArchiveBucket, cfg.ArchivePrefix)
	}

	if err := sched.Start(cfg.TimeoutSweepSpec); err != nil {
		fmt.Fprintf(stderr, "scheduler: %v\n", err)
		return 1
	}
	defer sched.Stop()

	log.Println("[arbiter] ready")
	log.Println("[arbiter] press ctrl+c to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[arbiter] shutting down")
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func openStore(ctx context.Context, cfg *config.Config) (store.Repository, func(), error) {
	switch cfg.Store {
	case "memory":
		return store.NewMemory(), func() {}, nil
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, err
			}
		}
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		repo := store.NewSQL(db)
		if err := repo.Init(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return repo, func() { db.Close() }, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		repo := store.NewSQL(db)
		if err := repo.Init(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return repo, func() { db.Close() }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, err
		}
		return store.NewRedis(client, "arbiter"), func() { client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store)
}

// loadPolicies parses and validates every policy document under dir. A bad
// document fails the whole load; the service refuses to start on a broken
// policy set.
func loadPolicies(dir string, registry *policy.Registry) ([]contracts.PolicyDefinition, error) {
	loader, err := policy.NewLoader(registry)
	if err != nil {
		return nil, err
	}

	var defs []contracts.PolicyDefinition
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var def *contracts.PolicyDefinition
		if ext == ".json" {
			def, err = loader.LoadJSON(raw)
		} else {
			def, err = loader.LoadYAML(raw)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		defs = append(defs, *def)
		return nil
	})
	return defs, err
}

// archiveJob exports every newly concluded decision to the audit bucket.
// Already-exported ids are tracked for the process lifetime; re-exporting
// after a restart is harmless because the object key and body are
// deterministic.
func archiveJob(decisions *decision.Service, builder *archive.Builder, archiver *archive.Archiver) func(context.Context) error {
	archived := make(map[string]bool)
	states := []contracts.DecisionState{
		contracts.DecisionCommitted,
		contracts.DecisionRejected,
		contracts.DecisionCancelled,
	}
	return func(ctx context.Context) error {
		for _, state := range states {
			concluded, err := decisions.ByState(ctx, state)
			if err != nil {
				return err
			}
			for _, dec := range concluded {
				if archived[dec.ID] {
					continue
				}
				rec, err := builder.Build(ctx, dec.ID)
				if err != nil {
					return err
				}
				if _, err := archiver.Archive(ctx, rec); err != nil {
					return err
				}
				archived[dec.ID] = true
			}
		}
		return nil
	}
}

func runEvaluateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		policyDir    string
		decisionPath string
		actorID      string
	)
	cmd.StringVar(&policyDir, "policies", "", "Directory of policy documents (REQUIRED)")
	cmd.StringVar(&decisionPath, "decision", "", "Path to the decision JSON (REQUIRED)")
	cmd.StringVar(&actorID, "actor", "", "Acting principal ID")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if policyDir == "" || decisionPath == "" {
		fmt.Fprintln(stderr, "Error: --policies and --decision are required")
		cmd.Usage()
		return 2
	}

	registry := policy.NewRegistry()
	if celEval, err := policy.NewCELEvaluator(); err == nil {
		registry.Register(celEval)
	}

	defs, err := loadPolicies(policyDir, registry)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading policies: %v\n", err)
		return 1
	}

	raw, err := os.ReadFile(decisionPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading decision: %v\n", err)
		return 1
	}
	var decisionDoc map[string]any
	if err := json.Unmarshal(raw, &decisionDoc); err != nil {
		fmt.Fprintf(stderr, "Error parsing decision: %v\n", err)
		return 1
	}

	ec := &policy.EvalContext{
		Decision:  decisionDoc,
		Actor:     map[string]any{"id": actorID},
		Timestamp: time.Now(),
	}

	engine := policy.NewEngine(registry, slog.Default())
	verdict, err := engine.EvaluateAll(context.Background(), defs, ec)
	if err != nil {
		fmt.Fprintf(stderr, "Error evaluating: %v\n", err)
		return 1
	}
	action := enforce.NewInterpreter(0).Interpret(verdict)
	shadowed := enforce.NewShadowRecorder(slog.Default(), 10, 20).Record(decisionPath, verdict)

	out, _ := json.MarshalIndent(map[string]any{
		"verdict":             verdict,
		"action":              action,
		"shadow_observations": shadowed,
	}, "", "  ")
	fmt.Fprintln(stdout, string(out))
	if verdict.Result == contracts.VerdictDeny {
		return 1
	}
	return 0
}

func runLintCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("lint", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var policyDir string
	cmd.StringVar(&policyDir, "policies", ".", "Directory of policy documents")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	registry := policy.NewRegistry()
	if celEval, err := policy.NewCELEvaluator(); err == nil {
		registry.Register(celEval)
	}

	defs, err := loadPolicies(policyDir, registry)
	if err != nil {
		fmt.Fprintf(stderr, "Lint failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "OK: %d policy document(s) valid\n", len(defs))
	return 0
}

func runConflictsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("conflicts", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		policyDir  string
		jsonOutput bool
	)
	cmd.StringVar(&policyDir, "policies", ".", "Directory of policy documents")
	cmd.BoolVar(&jsonOutput, "json", false, "Output conflicts as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	registry := policy.NewRegistry()
	if celEval, err := policy.NewCELEvaluator(); err == nil {
		registry.Register(celEval)
	}

	defs, err := loadPolicies(policyDir, registry)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading policies: %v\n", err)
		return 1
	}

	detector := conflict.NewDetector()
	for _, def := range defs {
		detector.Register(def)
	}
	conflicts := detector.DetectConflicts(nil)

	if jsonOutput {
		out, _ := json.MarshalIndent(conflicts, "", "  ")
		fmt.Fprintln(stdout, string(out))
	} else if len(conflicts) == 0 {
		fmt.Fprintln(stdout, "No conflicts detected")
	} else {
		for _, c := range conflicts {
			fmt.Fprintf(stdout, "%s [%s] policies=%v scope=%s\n", c.Type, c.Severity, c.PolicyIDs, c.OverlappingScope)
		}
	}

	if len(conflicts) > 0 {
		return 1
	}
	return 0
}
