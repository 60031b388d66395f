// ============================================================================
// Moly CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra framework
//
// Command Structure:
//   moly                           # Root command
//   ├── run                        # Start a research session
//   │   ├── --participant, -p     # Participant identifier
//   │   └── --recover             # Crash recovery mode: ask, resume, restart
//   ├── sessions                   # List recorded sessions and their status
//   ├── status                     # Show configuration and pending recovery
//   ├── --config, -c               # Specify config file (persistent)
//   ├── --version                  # Display version information
//   └── --help                     # Display help information
//
// Configuration Management:
//   Uses YAML format config file (default: configs/default.yaml)
//   Configuration items include:
//   - logs: root directory for per-participant session logs
//   - session: developer mode, focus mode, line logging, task selection
//   - countdown: per-stage countdown durations in minutes
//   - prompts: descriptive writing task prompts
//   - metrics: Prometheus monitoring configuration
//
// run Command:
//   Starts a complete session, including:
//   1. Load config file
//   2. Scan for incomplete sessions (crash recovery)
//   3. Create and start the flow controller
//   4. Start Metrics HTTP server (if enabled)
//   5. Drive the session from stdin commands
//   6. Listen for system signals (SIGINT, SIGTERM)
//
//   Examples:
//     ./moly run -p P042
//     ./moly run --recover=resume
//
// Signal Handling:
//   run command treats SIGINT and SIGTERM as an interruption: logs are
//   closed but the session descriptor is deliberately NOT finalized, so
//   the next startup detects the session as crashed and offers recovery.
//
// ============================================================================

package cli

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/moly-session/internal/flow"
	"github.com/ChuLiYu/moly-session/internal/metrics"
	"github.com/ChuLiYu/moly-session/internal/recovery"
	"github.com/ChuLiYu/moly-session/internal/session"
	"github.com/ChuLiYu/moly-session/pkg/types"
)

// Config represents the complete application configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Logs struct {
		Root string `yaml:"root"`
	} `yaml:"logs"`

	Session struct {
		DeveloperMode          bool   `yaml:"developer_mode"`
		FocusMode              bool   `yaml:"focus_mode"`
		DescriptiveLineLogging bool   `yaml:"descriptive_line_logging"`
		TaskSelectionMode      string `yaml:"task_selection_mode"`
	} `yaml:"session"`

	Countdown struct {
		Enabled            bool    `yaml:"enabled"`
		DescriptiveMinutes float64 `yaml:"descriptive_minutes"`
		StroopMinutes      float64 `yaml:"stroop_minutes"`
		MathMinutes        float64 `yaml:"math_minutes"`
		RelaxationMinutes  float64 `yaml:"relaxation_minutes"`
	} `yaml:"countdown"`

	Prompts []string `yaml:"prompts"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// snapshot converts the YAML config into the descriptor config snapshot
func (c *Config) snapshot() types.ConfigSnapshot {
	return types.ConfigSnapshot{
		DeveloperMode:               c.Session.DeveloperMode,
		FocusMode:                   c.Session.FocusMode,
		DescriptiveLineLogging:      c.Session.DescriptiveLineLogging,
		CountdownEnabled:            c.Countdown.Enabled,
		DescriptiveCountdownMinutes: c.Countdown.DescriptiveMinutes,
		StroopCountdownMinutes:      c.Countdown.StroopMinutes,
		MathCountdownMinutes:        c.Countdown.MathMinutes,
		RelaxationCountdownMinutes:  c.Countdown.RelaxationMinutes,
		TaskSelectionMode:           c.Session.TaskSelectionMode,
	}
}

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "moly",
		Short: "Moly: a crash-recoverable research session runner",
		Long: `Moly runs multi-stage timed research sessions with:
- Append-only action ledger (JSON Lines)
- Wall-clock anchored stage countdowns
- Crash detection and session resume
- Prometheus metrics`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSessionsCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var participant string
	var recoverMode string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a research session",
		Long:  "Start a session, offering crash recovery when an incomplete session is found",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(participant, recoverMode)
		},
	}

	cmd.Flags().StringVarP(&participant, "participant", "p", "", "Participant identifier")
	cmd.Flags().StringVar(&recoverMode, "recover", "ask", "Recovery mode when an incomplete session exists: ask, resume, restart")

	return cmd
}

func runSession(participant, recoverMode string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		go func() {
			log.Printf("Starting metrics server on :%d\n", cfg.Metrics.Port)
			if err := collector.StartServer(cfg.Metrics.Port); err != nil {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	// Crash recovery scan runs exactly once, before any session is created
	analyzer := recovery.NewAnalyzer(cfg.Logs.Root, nil)
	if collector != nil {
		analyzer.SetObserver(collector)
	}
	scanStart := time.Now()
	decision, err := analyzer.Scan()
	if err != nil {
		return fmt.Errorf("recovery scan failed: %w", err)
	}
	if collector != nil {
		collector.SetRecoveryTime(time.Since(scanStart).Seconds())
	}

	ctrl := flow.NewController(flow.Config{
		LogsRoot:         cfg.Logs.Root,
		Snapshot:         cfg.snapshot(),
		ManualNavigation: cfg.Session.DeveloperMode,
		Prompts:          cfg.Prompts,
		Collector:        collector,
	})
	ctrl.Start()

	reader := bufio.NewReader(os.Stdin)

	if decision != nil {
		resume, err := resolveRecovery(reader, decision, recoverMode)
		if err != nil {
			ctrl.Stop()
			return err
		}
		if err := ctrl.ApplyDecision(decision, resume); err != nil {
			ctrl.Stop()
			return fmt.Errorf("failed to resume session: %w", err)
		}
	} else {
		if participant == "" {
			fmt.Print("Participant ID: ")
			line, err := reader.ReadString('\n')
			if err != nil {
				ctrl.Stop()
				return fmt.Errorf("failed to read participant id: %w", err)
			}
			participant = strings.TrimSpace(line)
		}
		if participant == "" {
			ctrl.Stop()
			return fmt.Errorf("participant id is required")
		}
		if err := ctrl.BeginSession(participant); err != nil {
			ctrl.Stop()
			return fmt.Errorf("failed to begin session: %w", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() {
		done <- commandLoop(reader, ctrl)
	}()

	select {
	case <-sigChan:
		log.Println("\nReceived interrupt, closing logs without finalizing session...")
		ctrl.RequestShutdown()
		return nil
	case err := <-done:
		return err
	}
}

// resolveRecovery decides between resume and restart for a detected crash
func resolveRecovery(reader *bufio.Reader, decision *types.RecoveryDecision, mode string) (bool, error) {
	switch mode {
	case "resume":
		return true, nil
	case "restart":
		return false, nil
	case "ask":
		fmt.Printf("Incomplete session found for participant %s (interrupted on %s).\n",
			decision.ParticipantID, decision.LastScreen)
		fmt.Print("Resume where it left off? [Y/n]: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return false, fmt.Errorf("failed to read recovery choice: %w", err)
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "" || answer == "y" || answer == "yes", nil
	}
	return false, fmt.Errorf("unknown recovery mode %q (want ask, resume, or restart)", mode)
}

// commandLoop drives the session from stdin until quit or EOF
//
// Commands:
//   next         advance to the next screen (blocked while a countdown runs)
//   key <k>      record a key press
//   text <t>     record a partial writing draft
//   done <t>     complete the current writing prompt with response t
//   screen       print the current screen
//   quit         finalize the session and exit
func commandLoop(reader *bufio.Reader, ctrl *flow.Controller) error {
	for {
		fmt.Printf("[%s] > ", ctrl.CurrentScreen())
		line, err := reader.ReadString('\n')
		if err != nil {
			// stdin closed: treat like an interrupt, leave the session resumable
			ctrl.RequestShutdown()
			return nil
		}
		cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")

		switch cmd {
		case "":
		case "next":
			if !ctrl.Advance() {
				fmt.Println("Blocked: wait for the countdown to finish")
			}
		case "key":
			ctrl.RecordKeyPress(arg)
		case "text":
			ctrl.RecordPartialText(arg)
		case "done":
			ctrl.CompleteResponse(arg)
		case "screen":
			fmt.Println(ctrl.CurrentScreen())
		case "quit":
			return ctrl.Quit()
		default:
			fmt.Printf("Unknown command %q\n", cmd)
		}

		if ctrl.CurrentScreen() == types.ScreenDone {
			fmt.Println("Session flow complete.")
			return ctrl.Quit()
		}
	}
}

func buildSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions",
		Long:  "Display every session found under the logs root with its completion status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showSessions()
		},
	}
	return cmd
}

func showSessions() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	entries, err := os.ReadDir(cfg.Logs.Root)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Printf("No sessions recorded yet (logs root %s does not exist)\n", cfg.Logs.Root)
			return nil
		}
		return fmt.Errorf("failed to read logs root: %w", err)
	}

	total, incomplete := 0, 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		matches, _ := filepath.Glob(filepath.Join(cfg.Logs.Root, entry.Name(), "session_info_*.json"))
		for _, path := range matches {
			descriptor, err := session.Load(path)
			if err != nil {
				fmt.Printf("  %-12s %s  ⚠️  unreadable descriptor\n", entry.Name(), filepath.Base(path))
				continue
			}
			total++
			status := "✅ complete"
			if !descriptor.IsComplete() {
				status = "❌ incomplete"
				incomplete++
			}
			fmt.Printf("  %-12s started %-25s %s\n",
				descriptor.ParticipantID, descriptor.SessionStartTime.Local, status)
		}
	}

	fmt.Printf("\n%d session(s), %d incomplete\n", total, incomplete)
	return nil
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration and pending recovery",
		Long:  "Display the active configuration and whether an incomplete session awaits recovery",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
	return cmd
}

func showStatus() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println("\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║                  Moly Session Status                      ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	fmt.Println("📋 Configuration:")
	fmt.Printf("  └─ Config File:      %s\n", configFile)
	fmt.Printf("  └─ Logs Root:        %s\n", cfg.Logs.Root)
	fmt.Printf("  └─ Developer Mode:   %v\n", cfg.Session.DeveloperMode)
	fmt.Printf("  └─ Countdown:        enabled=%v descriptive=%.1fm stroop=%.1fm math=%.1fm relax=%.1fm\n",
		cfg.Countdown.Enabled, cfg.Countdown.DescriptiveMinutes, cfg.Countdown.StroopMinutes,
		cfg.Countdown.MathMinutes, cfg.Countdown.RelaxationMinutes)
	fmt.Println()

	fmt.Println("🔎 Recovery:")
	analyzer := recovery.NewAnalyzer(cfg.Logs.Root, nil)
	decision, err := analyzer.Scan()
	if err != nil {
		fmt.Printf("  └─ Scan failed: %v\n", err)
	} else if decision == nil {
		fmt.Println("  └─ No incomplete session")
	} else {
		fmt.Printf("  ├─ Participant:   %s\n", decision.ParticipantID)
		fmt.Printf("  ├─ Last Screen:   %s\n", decision.LastScreen)
		fmt.Printf("  └─ Session Dir:   %s\n", decision.SessionDir)
	}
	fmt.Println()

	fmt.Println("📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Printf("  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Println("  └─ Status: ⚠️  Disabled")
	}
	fmt.Println()

	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if cfg.Logs.Root == "" {
		cfg.Logs.Root = "logs"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}

	return &cfg, nil
}
