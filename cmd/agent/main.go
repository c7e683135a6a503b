package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agentmesh/agent-core/internal/config"
	"github.com/agentmesh/agent-core/internal/metrics"
	"github.com/agentmesh/agent-core/internal/statusserver"
	"github.com/agentmesh/agent-core/internal/supervisor"
)

// Version is set at build time with -ldflags.
var Version = "dev"

const defaultConfigRoot = "/etc/agent-core"

var (
	configRoot string
	statusAddr string
	logLevel   string

	controllerHost       string
	controllerPort       int
	controllerIdentifier string
	pinnedPublicKey      string
	checkIntervalMS      int
	processMonInterval   time.Duration
)

var rootCmd = &cobra.Command{
	Use:     "agent",
	Short:   "Endpoint agent core: process policy enforcement and telemetry",
	Version: Version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

func init() {
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&configRoot, "config-root", getenvDefault("AGENT_CONFIG_ROOT", defaultConfigRoot), "Config directory root")
	rootCmd.PersistentFlags().StringVar(&statusAddr, "status-addr", getenvDefault("AGENT_STATUS_ADDR", statusserver.DefaultAddr), "Local status server bind address (loopback only)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", getenvDefault("AGENT_LOG_LEVEL", "info"), "Log level")

	runCmd.Flags().StringVar(&controllerHost, "controller-host", os.Getenv("AGENT_CONTROLLER_HOST"), "Controller host (first-run bootstrap only)")
	runCmd.Flags().IntVar(&controllerPort, "controller-port", defaultIntEnv("AGENT_CONTROLLER_PORT", 443), "Controller port (first-run bootstrap only)")
	runCmd.Flags().StringVar(&controllerIdentifier, "controller-identifier", os.Getenv("AGENT_CONTROLLER_IDENTIFIER"), "Controller discovery identifier (first-run bootstrap only)")
	runCmd.Flags().StringVar(&pinnedPublicKey, "pinned-public-key", os.Getenv("AGENT_PINNED_PUBLIC_KEY"), "PEM-encoded controller public key (first-run bootstrap only)")
	runCmd.Flags().IntVar(&checkIntervalMS, "check-interval-ms", defaultIntEnv("AGENT_CHECK_INTERVAL_MS", config.MinCheckIntervalMS), "Sync interval while ONLINE, in milliseconds (first-run bootstrap only)")
	runCmd.Flags().DurationVar(&processMonInterval, "process-monitor-interval", 0, "Process monitor poll interval override (0 uses the configured check interval)")

	rootCmd.AddCommand(runCmd, versionCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd.SetContext(ctx)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runAgent(ctx context.Context) error {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(logLevel)))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	metricsReg := metrics.New(Version)
	logger := zerolog.New(os.Stdout).Level(level).Hook(metrics.NewLogHook(metricsReg)).
		With().Timestamp().Str("component", "agent").Logger()

	logger.Info().Str("version", Version).Str("config_root", configRoot).Msg("starting agent")

	sup, err := supervisor.New(supervisor.Options{
		ConfigRoot:                    configRoot,
		StatusAddr:                    statusAddr,
		Version:                       Version,
		Platform:                      platformName(),
		ProcessMonInt:                 processMonInterval,
		Logger:                        logger,
		Metrics:                       metricsReg,
		BootstrapControllerHost:       controllerHost,
		BootstrapControllerPort:       controllerPort,
		BootstrapControllerIdentifier: controllerIdentifier,
		BootstrapPinnedPublicKey:      pinnedPublicKey,
		BootstrapCheckIntervalMS:      checkIntervalMS,
	})
	if err != nil {
		return fmt.Errorf("initialize agent: %w", err)
	}

	if err := sup.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("agent terminated with error")
		return err
	}

	logger.Info().Msg("agent stopped")
	return nil
}

func platformName() string {
	return runtime.GOOS
}

func getenvDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func defaultIntEnv(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}
