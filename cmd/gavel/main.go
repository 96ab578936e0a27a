// Package main is the CLI entry point for gavel, a deterministic
// governance kernel that audits proposed actions before they run.
//
// gavel evaluates a proposal for risk (gate), checks it against a
// declarative policy contract (enforce), synthesizes a human-readable
// decision (verdict), and can later cryptographically re-verify that any
// recorded decision was produced honestly (replay). Every evaluation is
// written to a tamper-evident, hash-chained trace log; gavel never
// executes the actions it judges.
//
// CLI commands (cobra):
//
//	gavel gate      - Risk-assess a proposal and open a trace
//	gavel enforce   - Check actions against a policy contract
//	gavel verdict   - Synthesize the final decision for a trace
//	gavel replay    - Re-verify a recorded trace's integrity
//	gavel trace     - List, show, verify, export traces
//	gavel contract  - Validate and list policy contracts
//	gavel config    - View or initialize the configuration
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gavelhq/gavel/internal/config"
	"github.com/gavelhq/gavel/internal/contract"
	"github.com/gavelhq/gavel/internal/decision"
	"github.com/gavelhq/gavel/internal/enforce"
	"github.com/gavelhq/gavel/internal/gate"
	"github.com/gavelhq/gavel/internal/kernel"
	"github.com/gavelhq/gavel/internal/schema"
	"github.com/gavelhq/gavel/internal/trace"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-08-29"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns the path to ~/.gavel/ where all runtime state
// lives: config.yaml, the contracts/ directory, and the traces/ directory.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gavel"
	}
	return filepath.Join(home, ".gavel")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configDir is the global flag for the gavel config/state directory.
var configDir string

var rootCmd = &cobra.Command{
	Use:   "gavel",
	Short: "gavel - deterministic governance kernel for proposed actions",
	Long: `gavel audits proposed actions before they run: it evaluates a proposal
for risk (gate), checks it against a declarative policy contract
(enforce), synthesizes a human-readable decision (verdict), and can
later re-verify any recorded decision cryptographically (replay).

Every evaluation is appended to a tamper-evident, hash-chained trace.
gavel decides whether actions may proceed; it never executes them.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Directory for gavel config, contracts, and traces",
	)

	rootCmd.AddCommand(gateCmd)
	rootCmd.AddCommand(enforceCmd)
	rootCmd.AddCommand(verdictCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(traceCmd)
	rootCmd.AddCommand(contractCmd)
	rootCmd.AddCommand(configCmd)
}

// ============================================================================
// Shared setup
// ============================================================================

// runtimeEnv bundles everything a command needs: config, schema registry,
// optional sqlite index, and the kernel.
type runtimeEnv struct {
	cfg    *config.Config
	reg    *schema.Registry
	index  *trace.Index
	kernel *kernel.Kernel
}

// openEnv loads config and constructs the kernel. Callers must invoke
// close() when done (closes the sqlite index, if open).
func openEnv() (*runtimeEnv, func(), error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, nil, err
	}
	reg, err := schema.New()
	if err != nil {
		return nil, nil, err
	}

	var idx *trace.Index
	if cfg.Traces.Index {
		if err := os.MkdirAll(cfg.Traces.Dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating traces directory: %w", err)
		}
		idx, err = trace.OpenIndex(filepath.Join(cfg.Traces.Dir, "index.db"))
		if err != nil {
			return nil, nil, err
		}
	}

	k, err := kernel.New(cfg.Traces.Dir, reg, idx)
	if err != nil {
		if idx != nil {
			idx.Close()
		}
		return nil, nil, err
	}

	cleanup := func() {
		if idx != nil {
			idx.Close()
		}
	}
	return &runtimeEnv{cfg: cfg, reg: reg, index: idx, kernel: k}, cleanup, nil
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// fail prints a structured {error, trace_id} object and returns an error
// so the process exits non-zero. Governance results are never reported
// through this path, only system errors.
func fail(kerr *kernel.Error) error {
	_ = printJSON(kerr)
	return errors.New(kerr.Message)
}

// loadActions reads a JSON file containing either a bare action array or
// an object with a "proposed_actions"/"actions" field.
func loadActions(path string) ([]decision.Action, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading actions %s: %w", path, err)
	}

	var direct []decision.Action
	if err := json.Unmarshal(data, &direct); err == nil {
		return direct, nil
	}

	var wrapped struct {
		ProposedActions []decision.Action `json:"proposed_actions"`
		Actions         []decision.Action `json:"actions"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parsing actions %s: %w", path, err)
	}
	if wrapped.ProposedActions != nil {
		return wrapped.ProposedActions, nil
	}
	return wrapped.Actions, nil
}

// resolveContract loads a contract from a file path, or by scope name
// from the contracts directory when the argument is not a file.
func resolveContract(env *runtimeEnv, ref string) (*contract.Contract, error) {
	if _, err := os.Stat(ref); err == nil {
		return contract.Load(ref)
	}
	registry, err := contract.NewRegistry(env.cfg.Contracts.Dir, env.reg)
	if err != nil {
		return nil, err
	}
	defer registry.Close()
	if c, ok := registry.Get(ref); ok {
		return c, nil
	}
	return nil, fmt.Errorf("contract %q: not a file and not a loaded scope (have: %s)",
		ref, strings.Join(registry.Names(), ", "))
}

// ============================================================================
// gate
// ============================================================================

var (
	gateTask    string
	gateActions string
	gateContext string
	gateTraceID string
)

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Risk-assess a proposal and open a trace",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, cleanup, err := openEnv()
		if err != nil {
			return err
		}
		defer cleanup()

		actions, err := loadActions(gateActions)
		if err != nil {
			return err
		}

		var evalCtx map[string]any
		if gateContext != "" {
			data, err := os.ReadFile(gateContext)
			if err != nil {
				return fmt.Errorf("reading context %s: %w", gateContext, err)
			}
			if err := json.Unmarshal(data, &evalCtx); err != nil {
				return fmt.Errorf("parsing context %s: %w", gateContext, err)
			}
		}

		report, kerr := env.kernel.Gate(kernel.GateRequest{
			Task:            gateTask,
			Context:         evalCtx,
			ProposedActions: actions,
			TraceID:         gateTraceID,
		})
		if kerr != nil {
			return fail(kerr)
		}
		return printJSON(report)
	},
}

func init() {
	gateCmd.Flags().StringVar(&gateTask, "task", "", "Task description being evaluated")
	gateCmd.Flags().StringVar(&gateActions, "actions", "", "JSON file of proposed actions")
	gateCmd.Flags().StringVar(&gateContext, "context", "", "Optional JSON file of evaluation context")
	gateCmd.Flags().StringVar(&gateTraceID, "trace-id", "", "Existing trace id to extend (default: new trace)")
	_ = gateCmd.MarkFlagRequired("actions")
}

// ============================================================================
// enforce
// ============================================================================

var (
	enforceContract string
	enforceActions  string
	enforceEvidence []string
	enforceTraceID  string
)

var enforceCmd = &cobra.Command{
	Use:   "enforce",
	Short: "Check actions against a policy contract",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, cleanup, err := openEnv()
		if err != nil {
			return err
		}
		defer cleanup()

		c, err := resolveContract(env, enforceContract)
		if err != nil {
			return err
		}
		actions, err := loadActions(enforceActions)
		if err != nil {
			return err
		}

		result, kerr := env.kernel.Enforce(kernel.EnforceRequest{
			Contract: c,
			Actions:  actions,
			Context:  enforce.Context{EvidenceProvided: enforceEvidence},
			TraceID:  enforceTraceID,
		})
		if kerr != nil {
			return fail(kerr)
		}
		return printJSON(result)
	},
}

func init() {
	enforceCmd.Flags().StringVar(&enforceContract, "contract", "", "Contract file or scope name")
	enforceCmd.Flags().StringVar(&enforceActions, "actions", "", "JSON file of actions")
	enforceCmd.Flags().StringSliceVar(&enforceEvidence, "evidence", nil, "Evidence items provided (for REQUIRE_EVIDENCE rules)")
	enforceCmd.Flags().StringVar(&enforceTraceID, "trace-id", "", "Existing trace id to extend (default: new trace)")
	_ = enforceCmd.MarkFlagRequired("contract")
	_ = enforceCmd.MarkFlagRequired("actions")
}

// ============================================================================
// verdict
// ============================================================================

var (
	verdictGateFile    string
	verdictEnforceFile string
	verdictTraceID     string
	verdictExecuted    []string
)

var verdictCmd = &cobra.Command{
	Use:   "verdict",
	Short: "Synthesize the final decision for a trace",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, cleanup, err := openEnv()
		if err != nil {
			return err
		}
		defer cleanup()

		var gateReport gate.Report
		data, err := os.ReadFile(verdictGateFile)
		if err != nil {
			return fmt.Errorf("reading gate report %s: %w", verdictGateFile, err)
		}
		if err := json.Unmarshal(data, &gateReport); err != nil {
			return fmt.Errorf("parsing gate report %s: %w", verdictGateFile, err)
		}

		var enforceResult *enforce.Result
		if verdictEnforceFile != "" {
			data, err := os.ReadFile(verdictEnforceFile)
			if err != nil {
				return fmt.Errorf("reading enforce result %s: %w", verdictEnforceFile, err)
			}
			enforceResult = &enforce.Result{}
			if err := json.Unmarshal(data, enforceResult); err != nil {
				return fmt.Errorf("parsing enforce result %s: %w", verdictEnforceFile, err)
			}
		}

		v, kerr := env.kernel.Verdict(kernel.VerdictRequest{
			GateReport:      gateReport,
			EnforceResult:   enforceResult,
			TraceID:         verdictTraceID,
			ExecutedActions: verdictExecuted,
		})
		if kerr != nil {
			return fail(kerr)
		}
		return printJSON(v)
	},
}

func init() {
	verdictCmd.Flags().StringVar(&verdictGateFile, "gate", "", "JSON file holding the gate report")
	verdictCmd.Flags().StringVar(&verdictEnforceFile, "enforce", "", "Optional JSON file holding the enforce result")
	verdictCmd.Flags().StringVar(&verdictTraceID, "trace-id", "", "Trace id (default: taken from the gate report)")
	verdictCmd.Flags().StringSliceVar(&verdictExecuted, "executed", nil, "Actions the caller actually executed")
	_ = verdictCmd.MarkFlagRequired("gate")
}

// ============================================================================
// replay
// ============================================================================

var replayCmd = &cobra.Command{
	Use:   "replay <trace-id>",
	Short: "Re-verify a recorded trace's integrity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, cleanup, err := openEnv()
		if err != nil {
			return err
		}
		defer cleanup()

		result, kerr := env.kernel.Replay(args[0])
		if kerr != nil {
			return fail(kerr)
		}
		if err := printJSON(result); err != nil {
			return err
		}
		if result.Status != "PASS" {
			return fmt.Errorf("replay failed for trace %s", args[0])
		}
		return nil
	},
}

// ============================================================================
// trace
// ============================================================================

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "List, show, verify, and export traces",
}

var traceListLimit int

var traceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded traces (most recent first)",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, cleanup, err := openEnv()
		if err != nil {
			return err
		}
		defer cleanup()

		if env.index == nil {
			return fmt.Errorf("trace index is disabled (set traces.index: true in config.yaml)")
		}
		summaries, err := env.index.ListTraces(traceListLimit)
		if err != nil {
			return err
		}
		return printJSON(summaries)
	},
}

var traceShowArtifact string

var traceShowCmd = &cobra.Command{
	Use:   "show <trace-id>",
	Short: "Print a trace's full event sequence or a stored artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, cleanup, err := openEnv()
		if err != nil {
			return err
		}
		defer cleanup()

		if traceShowArtifact != "" {
			data, err := trace.ReadArtifact(env.cfg.Traces.Dir, args[0], traceShowArtifact)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		}

		events, err := trace.Read(env.cfg.Traces.Dir, args[0])
		if err != nil {
			return err
		}
		return printJSON(events)
	},
}

var traceVerifyCmd = &cobra.Command{
	Use:   "verify <trace-id>",
	Short: "Verify a trace's hash chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, cleanup, err := openEnv()
		if err != nil {
			return err
		}
		defer cleanup()

		events, err := trace.Read(env.cfg.Traces.Dir, args[0])
		if err != nil {
			return err
		}
		result := trace.VerifyChain(events)
		if err := printJSON(result); err != nil {
			return err
		}
		if !result.Valid {
			return fmt.Errorf("hash chain broken at event %d", result.BrokenAt)
		}
		return nil
	},
}

var (
	queryTraceID  string
	queryType     string
	queryDecision string
	querySince    string
	queryLimit    int
)

var traceQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query indexed events across traces",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, cleanup, err := openEnv()
		if err != nil {
			return err
		}
		defer cleanup()

		if env.index == nil {
			return fmt.Errorf("trace index is disabled (set traces.index: true in config.yaml)")
		}
		events, err := env.index.Query(trace.QueryParams{
			TraceID:  queryTraceID,
			Type:     queryType,
			Decision: queryDecision,
			Since:    querySince,
			Limit:    queryLimit,
		})
		if err != nil {
			return err
		}
		return printJSON(events)
	},
}

var traceReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the sqlite index from the ndjson logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, cleanup, err := openEnv()
		if err != nil {
			return err
		}
		defer cleanup()

		if env.index == nil {
			return fmt.Errorf("trace index is disabled (set traces.index: true in config.yaml)")
		}
		entries, err := os.ReadDir(env.cfg.Traces.Dir)
		if err != nil {
			return fmt.Errorf("reading traces directory: %w", err)
		}
		count := 0
		for _, entry := range entries {
			if !entry.IsDir() || !trace.Exists(env.cfg.Traces.Dir, entry.Name()) {
				continue
			}
			events, err := trace.Read(env.cfg.Traces.Dir, entry.Name())
			if err != nil {
				return err
			}
			env.index.Reindex(entry.Name(), events)
			count++
		}
		fmt.Printf("reindexed %d traces\n", count)
		return nil
	},
}

var traceExportFormat string

var traceExportCmd = &cobra.Command{
	Use:   "export <trace-id>",
	Short: "Export a trace's events as json or jsonl",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, cleanup, err := openEnv()
		if err != nil {
			return err
		}
		defer cleanup()

		events, err := trace.Read(env.cfg.Traces.Dir, args[0])
		if err != nil {
			return err
		}
		switch traceExportFormat {
		case "json":
			return printJSON(events)
		case "jsonl", "":
			enc := json.NewEncoder(os.Stdout)
			for _, e := range events {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		default:
			return fmt.Errorf("unsupported export format: %s (use json or jsonl)", traceExportFormat)
		}
	},
}

func init() {
	traceListCmd.Flags().IntVar(&traceListLimit, "limit", 20, "Maximum traces to list (0 = all)")
	traceShowCmd.Flags().StringVar(&traceShowArtifact, "artifact", "", "Print a stored artifact (verdict.json, verdict.md, replay.json, diff.json) instead of events")
	traceExportCmd.Flags().StringVar(&traceExportFormat, "format", "jsonl", "Export format: json or jsonl")
	traceQueryCmd.Flags().StringVar(&queryTraceID, "trace-id", "", "Filter by trace id")
	traceQueryCmd.Flags().StringVar(&queryType, "type", "", "Filter by event type (e.g. gate.end)")
	traceQueryCmd.Flags().StringVar(&queryDecision, "decision", "", "Filter by recorded decision (ALLOW, BLOCK, DEGRADE, UNKNOWN)")
	traceQueryCmd.Flags().StringVar(&querySince, "since", "", "RFC 3339 timestamp lower bound")
	traceQueryCmd.Flags().IntVar(&queryLimit, "limit", 100, "Maximum events to return (0 = all)")
	traceCmd.AddCommand(traceListCmd)
	traceCmd.AddCommand(traceShowCmd)
	traceCmd.AddCommand(traceVerifyCmd)
	traceCmd.AddCommand(traceQueryCmd)
	traceCmd.AddCommand(traceReindexCmd)
	traceCmd.AddCommand(traceExportCmd)
}

// ============================================================================
// contract
// ============================================================================

var contractCmd = &cobra.Command{
	Use:   "contract",
	Short: "Validate and list policy contracts",
}

var contractValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a contract file's shape and version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := schema.New()
		if err != nil {
			return err
		}
		c, err := contract.Load(args[0])
		if err != nil {
			return err
		}
		if err := contract.Validate(c, reg); err != nil {
			return err
		}
		fmt.Printf("contract %s is valid (%d rules)\n", c.ID(), len(c.Rules))
		return nil
	},
}

var contractListCmd = &cobra.Command{
	Use:   "list",
	Short: "List contracts loaded from the contracts directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, cleanup, err := openEnv()
		if err != nil {
			return err
		}
		defer cleanup()

		registry, err := contract.NewRegistry(env.cfg.Contracts.Dir, env.reg)
		if err != nil {
			return err
		}
		defer registry.Close()

		for _, name := range registry.Names() {
			c, _ := registry.Get(name)
			fmt.Printf("%-30s %-10s %d rules\n", name, c.Version, len(c.Rules))
		}
		return nil
	},
}

var contractWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the contracts directory and hot-reload on changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, cleanup, err := openEnv()
		if err != nil {
			return err
		}
		defer cleanup()

		if !env.cfg.Contracts.Watch {
			return fmt.Errorf("contract watching is disabled (set contracts.watch: true in config.yaml)")
		}
		registry, err := contract.NewRegistry(env.cfg.Contracts.Dir, env.reg)
		if err != nil {
			return err
		}
		defer registry.Close()

		if err := registry.Watch(); err != nil {
			return err
		}
		fmt.Printf("watching %s (ctrl-c to stop)\n", env.cfg.Contracts.Dir)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}

func init() {
	contractCmd.AddCommand(contractValidateCmd)
	contractCmd.AddCommand(contractListCmd)
	contractCmd.AddCommand(contractWatchCmd)
}

// ============================================================================
// config
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or initialize the configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteDefault(configDir); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", filepath.Join(configDir, "config.yaml"))
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configDir)
		if err != nil {
			return err
		}
		return printJSON(cfg)
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}
