// diskwarden is the per-principal storage quota accounting daemon.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/diskwarden/diskwarden/internal/config"
	"github.com/diskwarden/diskwarden/internal/control"
	"github.com/diskwarden/diskwarden/internal/daemon"
	"github.com/diskwarden/diskwarden/internal/logging/loki"
	"github.com/diskwarden/diskwarden/internal/report"
	"github.com/diskwarden/diskwarden/internal/svc"
	"github.com/diskwarden/diskwarden/pkg/bytesize"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile    string
	logLevel   string
	socketPath string

	refreshTenant uint32

	// Service mode flag (hidden, used when running as a service)
	serviceRun bool
)

func main() {
	// Check if running as a service (invoked by service manager)
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	rootCmd := &cobra.Command{
		Use:   "diskwarden",
		Short: "Diskwarden - per-principal storage quota accounting",
		Long: `Diskwarden watches a storage engine's data directory, maintains
per-principal usage totals, and answers admission checks against
configured quotas.

QUICK START:

  # Write a config file:
  mkdir -p /etc/diskwarden
  cat > /etc/diskwarden/diskwarden.yaml <<EOF
  data_dir: /srv/engine/data
  tenants: [5]
  EOF

  # Declare quotas in <data_dir>/quotas.yaml:
  cat > /srv/engine/data/quotas.yaml <<EOF
  quotas:
    - principal: 10
      tenant: 5
      limit: 500MB
  EOF

  # Run the daemon:
  diskwarden serve

  # Inspect usage and the admission gate:
  diskwarden status
  diskwarden check 10 5

  # Install as system service (optional):
  diskwarden service install

For more help on any command, use: diskwarden <command> --help`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	// Hidden service mode flag (used when running as a service)
	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "Run as a service (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	// Serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the accounting daemon",
		Long: `Run the accounting daemon in the foreground.

The daemon scans the configured data directory on a refresh interval,
maintains per-principal usage totals, serves admission checks over the
HTTP API and the control socket, and applies quota assignments from the
quota file. SIGHUP re-reads the refresh interval; SIGTERM and SIGINT
shut down cleanly.`,
		RunE: runServe,
	}
	rootCmd.AddCommand(serveCmd)

	// Status command
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status and accounted usage",
		RunE:  runStatus,
	}
	statusCmd.Flags().StringVar(&socketPath, "socket", "", "control socket path")
	rootCmd.AddCommand(statusCmd)

	// Check command
	checkCmd := &cobra.Command{
		Use:   "check <principal> <tenant>",
		Short: "Ask the admission gate about a principal",
		Args:  cobra.ExactArgs(2),
		RunE:  runCheck,
	}
	checkCmd.Flags().StringVar(&socketPath, "socket", "", "control socket path")
	rootCmd.AddCommand(checkCmd)

	// Refresh command
	refreshCmd := &cobra.Command{
		Use:   "refresh",
		Short: "Run a refresh cycle now",
		RunE:  runRefresh,
	}
	refreshCmd.Flags().StringVar(&socketPath, "socket", "", "control socket path")
	refreshCmd.Flags().Uint32Var(&refreshTenant, "tenant", 0, "wake only this tenant's scheduler")
	rootCmd.AddCommand(refreshCmd)

	// Report command
	reportCmd := &cobra.Command{
		Use:   "report [output-file]",
		Short: "Export accounted usage as line-delimited JSON",
		Long: `Export the current usage table, one JSON object per line.

Writes to stdout when no output file is given. A path ending in .zst is
zstd-compressed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runReport,
	}
	reportCmd.Flags().StringVar(&socketPath, "socket", "", "control socket path")
	rootCmd.AddCommand(reportCmd)

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("diskwarden %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	// Service command - manage system service
	rootCmd.AddCommand(newServiceCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// nolint:revive // args required by cobra.Command RunE signature
func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()
	logStartupBanner()

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Apply configured log level
	if config.ApplyLogLevel(cfg.LogLevel) {
		log.Info().Str("level", cfg.LogLevel).Msg("log level configured")
	}

	// Ship logs to Loki if configured
	if cfg.Loki.Enabled && cfg.Loki.URL != "" {
		flushInterval, err := time.ParseDuration(cfg.Loki.FlushInterval)
		if err != nil {
			flushInterval = 5 * time.Second
		}

		hostname, _ := os.Hostname()
		lokiWriter := loki.NewWriter(loki.Config{
			URL:           cfg.Loki.URL,
			BatchSize:     cfg.Loki.BatchSize,
			FlushInterval: flushInterval,
			Labels: map[string]string{
				"host":    hostname,
				"version": Version,
			},
		})
		lokiWriter.Start()
		defer lokiWriter.Stop()

		log.Logger = log.Output(zerolog.MultiLevelWriter(
			zerolog.ConsoleWriter{Out: os.Stderr},
			lokiWriter,
		))
		log.Info().Str("url", cfg.Loki.URL).Msg("Loki log shipping enabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("shutting down...")
		cancel()
	}()

	return serve(ctx, cfg, configPath)
}

// serve runs the daemon until ctx is canceled. SIGHUP re-reads the
// config file and applies the reloadable tunables.
func serve(ctx context.Context, cfg *config.Config, configPath string) error {
	d, err := daemon.New(cfg, Version)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	hupChan := make(chan os.Signal, 1)
	signal.Notify(hupChan, syscall.SIGHUP)
	defer signal.Stop(hupChan)

	go func() {
		for range hupChan {
			log.Info().Str("config", configPath).Msg("reload signal received")
			next, err := config.Load(configPath)
			if err != nil {
				log.Warn().Err(err).Msg("config reload failed")
				continue
			}
			if err := next.Validate(); err != nil {
				log.Warn().Err(err).Msg("reloaded config invalid")
				continue
			}
			d.Reload(next)
		}
	}()

	<-ctx.Done()
	d.Stop()
	return nil
}

func runAsService() {
	// Set up logging directly to a file since launchd/kardianos-service
	// may not properly redirect stderr
	setupServiceLogging()
	logStartupBanner()

	// Parse the service-specific flags manually
	var configPath string
	for i, arg := range os.Args {
		if (arg == "--config" || arg == "-c") && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		}
	}
	if configPath == "" {
		configPath = svc.DefaultConfigPath()
	}

	log.Info().Str("config", configPath).Msg("starting as service")

	cfg := &svc.ServiceConfig{
		Name:        svc.DefaultServiceName(),
		DisplayName: svc.DefaultDisplayName(),
		Description: svc.DefaultDescription(),
		ConfigPath:  configPath,
	}

	prg := &svc.Program{
		ConfigPath: configPath,
		RunServe:   runServeFromService,
	}

	if err := svc.Run(prg, cfg); err != nil {
		log.Fatal().Err(err).Msg("service error")
	}
}

// runServeFromService runs the daemon from within a service.
func runServeFromService(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Apply configured log level
	if config.ApplyLogLevel(cfg.LogLevel) {
		log.Info().Str("level", cfg.LogLevel).Msg("log level configured")
	}

	return serve(ctx, cfg, configPath)
}

// nolint:revive // args required by cobra.Command RunE signature
func runStatus(cmd *cobra.Command, args []string) error {
	setupLogging()

	socket := clientSocket()
	client := control.NewClient(socket)
	status, err := client.Status()
	if err != nil {
		fmt.Println("Status: Not running")
		fmt.Printf("  Socket: %s\n", socket)
		fmt.Printf("  Error:  %v\n", err)
		return nil
	}

	fmt.Println("Diskwarden Status")
	fmt.Println("=================")
	fmt.Println()

	fmt.Println("Daemon:")
	fmt.Printf("  Version:     %s\n", status.Version)
	fmt.Printf("  Uptime:      %s\n", time.Duration(status.UptimeSecs)*time.Second)
	fmt.Printf("  Ledger Rows: %d / %d\n", status.LedgerRows, status.LedgerMax)
	if status.DroppedUpdates > 0 {
		fmt.Printf("  Dropped:     %d updates (table full)\n", status.DroppedUpdates)
	}

	fmt.Println()
	fmt.Println("Schedulers:")
	if len(status.Schedulers) == 0 {
		fmt.Println("  (none)")
	} else {
		fmt.Printf("  %-8s %-12s %-8s %-8s %-10s %-8s %s\n",
			"TENANT", "STATE", "CYCLES", "FILES", "RELATIONS", "PENDING", "LAST CYCLE")
		for _, s := range status.Schedulers {
			last := "-"
			if s.LastCycleID != "" {
				last = fmt.Sprintf("%s (%dms)", s.LastCycleID, s.LastCycleMS)
			}
			fmt.Printf("  %-8d %-12s %-8d %-8d %-10d %-8d %s\n",
				s.Tenant, s.State, s.Cycles, s.Files, s.Relations, s.Pending, last)
			if s.LastError != "" {
				fmt.Printf("           error: %s\n", s.LastError)
			}
		}
	}

	fmt.Println()
	fmt.Println("Usage:")
	if len(status.Usage) == 0 {
		fmt.Println("  (no accounted usage)")
	} else {
		fmt.Printf("  %-10s %-8s %-12s %-12s %s\n", "PRINCIPAL", "TENANT", "TOTAL", "QUOTA", "GATE")
		for _, row := range status.Usage {
			quota := "-"
			gate := "open"
			if row.Quota != nil {
				quota = bytesize.Format(*row.Quota)
				if row.Total > *row.Quota {
					gate = "over quota"
				}
			}
			fmt.Printf("  %-10d %-8d %-12s %-12s %s\n",
				row.Principal, row.Tenant, bytesize.Format(row.Total), quota, gate)
		}
	}

	if len(status.Volumes) > 0 {
		fmt.Println()
		fmt.Println("Volumes:")
		for _, v := range status.Volumes {
			fmt.Printf("  %s: %s used / %s total (%s free)\n",
				v.Path,
				bytesize.Format(int64(v.UsedBytes)),
				bytesize.Format(int64(v.TotalBytes)),
				bytesize.Format(int64(v.FreeBytes)))
		}
	}

	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	setupLogging()

	principal, err := parseID(args[0])
	if err != nil {
		return fmt.Errorf("invalid principal %q", args[0])
	}
	tenant, err := parseID(args[1])
	if err != nil {
		return fmt.Errorf("invalid tenant %q", args[1])
	}

	client := control.NewClient(clientSocket())
	resp, err := client.Check(principal, tenant)
	if err != nil {
		return fmt.Errorf("check: %w", err)
	}

	fmt.Printf("Principal: %d\n", principal)
	fmt.Printf("Tenant:    %d\n", tenant)
	fmt.Printf("Total:     %s\n", bytesize.Format(resp.Total))
	if resp.Quota != nil {
		fmt.Printf("Quota:     %s\n", bytesize.Format(*resp.Quota))
	} else {
		fmt.Println("Quota:     (none)")
	}
	if resp.Admitted {
		fmt.Println("Admitted:  yes")
	} else {
		fmt.Println("Admitted:  no (over quota)")
	}

	return nil
}

func runRefresh(cmd *cobra.Command, args []string) error {
	setupLogging()

	var tenant *uint32
	if cmd.Flags().Changed("tenant") {
		tenant = &refreshTenant
	}

	client := control.NewClient(clientSocket())
	resp, err := client.Refresh(tenant)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	if resp.Woken == 0 {
		fmt.Println("No matching scheduler")
		return nil
	}
	fmt.Printf("Woke %d scheduler(s)\n", resp.Woken)
	return nil
}

func runReport(cmd *cobra.Command, args []string) error {
	setupLogging()

	client := control.NewClient(clientSocket())
	status, err := client.Status()
	if err != nil {
		return fmt.Errorf("fetch usage: %w", err)
	}

	if len(args) == 0 || args[0] == "-" {
		return report.Write(os.Stdout, status.Usage)
	}

	if err := report.WriteFile(args[0], status.Usage); err != nil {
		return err
	}
	fmt.Printf("Wrote %d rows to %s\n", len(status.Usage), args[0])
	return nil
}

func parseID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}

func loadConfig() (*config.Config, string, error) {
	// If explicit --config flag is provided, use it
	if cfgFile != "" {
		cfg, err := config.Load(cfgFile)
		return cfg, cfgFile, err
	}

	candidates := []string{
		svc.DefaultConfigPath(),
		"diskwarden.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			cfg, err := config.Load(path)
			return cfg, path, err
		}
	}
	return nil, "", fmt.Errorf("no config file found (tried %s); use --config", strings.Join(candidates, ", "))
}

// clientSocket picks the control socket for client commands: the
// --socket flag, then the config file, then the default path.
func clientSocket() string {
	if socketPath != "" {
		return socketPath
	}
	if cfg, _, err := loadConfig(); err == nil {
		return cfg.Socket
	}
	return control.DefaultSocketPath()
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// setupServiceLogging configures logging for service mode.
// This writes directly to a file because launchd/kardianos-service
// may not properly redirect stderr.
// Default level is Info; can be overridden by config after loading.
func setupServiceLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logPath := "/var/log/diskwarden-service.log"
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		// Fall back to stderr if we can't open the log file
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return
	}

	// Write to both file and stderr
	multi := io.MultiWriter(logFile, os.Stderr)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: multi, TimeFormat: time.RFC3339})
}

// logStartupBanner logs version information at startup.
func logStartupBanner() {
	fmt.Fprintf(os.Stderr, "diskwarden %s\n", Version)
	fmt.Fprintf(os.Stderr, "  Commit:     %s\n", Commit)
	fmt.Fprintf(os.Stderr, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(os.Stderr, "  Go:         %s\n", runtime.Version())
	fmt.Fprintf(os.Stderr, "  OS/Arch:    %s/%s\n\n", runtime.GOOS, runtime.GOARCH)
}
