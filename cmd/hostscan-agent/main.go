// Hostscan Agent - Host Security Scan Pipeline
//
// This agent supports multiple run modes:
//
//  1. ONE-SHOT MODE (scheduled task / cron):
//     hostscan-agent -profile daily_security_scan -once
//
//  2. DAEMON MODE (continuous):
//     hostscan-agent -profile daily_security_scan -interval 24h -listen :8080
//
//  3. OPERATOR MODE:
//     hostscan-agent -check-tools
//     hostscan-agent -provision all
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/sentriva/hostscan/pkg/audit"
	"github.com/sentriva/hostscan/pkg/core"
	"github.com/sentriva/hostscan/pkg/his"
	"github.com/sentriva/hostscan/pkg/metrics"
	"github.com/sentriva/hostscan/pkg/pipeline"
	"github.com/sentriva/hostscan/pkg/policy"
	"github.com/sentriva/hostscan/pkg/remote"
	"github.com/sentriva/hostscan/pkg/security"
	"github.com/sentriva/hostscan/pkg/store"
)

const (
	appName    = "hostscan-agent"
	appVersion = "1.0.0"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Path to policy config file (YAML)")
	profile := flag.String("profile", pipeline.ProfileDailySecurityScan, "Profile to run")
	once := flag.Bool("once", false, "Run the profile once and exit")
	interval := flag.Duration("interval", 0, "Run the profile repeatedly at this interval")
	checkTools := flag.Bool("check-tools", false, "Check detection tool availability and exit")
	provision := flag.String("provision", "", "Provision tools (comma-separated names, or 'all') and exit")
	listProfiles := flag.Bool("list-profiles", false, "List available profiles and exit")
	sysmonCmd := flag.String("sysmon", "", "Manage the Sysmon telemetry service (status|install|update|uninstall) and exit")
	sysmonConfig := flag.String("sysmon-config", "", "Sysmon XML config path for -sysmon install/update")
	listen := flag.String("listen", "", "Monitor listen address (e.g. :8080); empty disables")
	dbPath := flag.String("db", "", "Result store path (default ~/.hostscan data dir)")
	noStore := flag.Bool("no-store", false, "Disable the result store")
	auditLog := flag.String("audit-log", "", "Audit log path (default ~/.hostscan/audit.log)")
	remoteAddr := flag.String("remote", "", "Fleet backend address host:port (API key via HOSTSCAN_API_KEY)")
	remoteInsecure := flag.Bool("remote-insecure", false, "Disable TLS for the fleet backend connection")
	dryRun := flag.Bool("dry-run", false, "Build and validate commands without executing")
	outputJSON := flag.Bool("json", false, "Output the run result as JSON")
	verbose := flag.Bool("verbose", false, "Verbose output")
	showVersion := flag.Bool("version", false, "Show version")

	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, appVersion)
		os.Exit(0)
	}

	// Setup context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	// Load policy
	pol := policy.Default()
	if *configPath != "" {
		loaded, err := policy.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		pol = loaded
	}
	if err := pol.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid policy: %v\n", err)
		os.Exit(1)
	}

	logLevel := core.LogLevelWarn
	if *verbose {
		logLevel = core.LogLevelDebug
	}
	logger := core.NewDefaultLogger(appName, logLevel)

	// Prometheus-backed collector; also serves /metrics when -listen is set
	collector := metrics.NewPrometheusCollector(&metrics.PrometheusConfig{
		Namespace:              "hostscan",
		Subsystem:              "agent",
		RegisterDefaultMetrics: true,
	})

	opts := []security.Option{
		security.WithLogger(logger),
		security.WithMetrics(collector),
	}

	// Audit trail
	auditor, err := audit.NewLogger(&audit.LoggerConfig{
		AgentID: agentID(),
		LogFile: *auditLog,
		Verbose: *verbose,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening audit log: %v\n", err)
		os.Exit(1)
	}
	auditor.Start()
	defer auditor.Stop()
	opts = append(opts, security.WithAudit(auditor))

	// Result store
	var st *store.Store
	if !*noStore {
		storeCfg := store.DefaultConfig()
		if *dbPath != "" {
			storeCfg.DatabasePath = *dbPath
		}
		st, err = store.New(storeCfg, store.WithLogger(logger), store.WithMetrics(collector))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()
		opts = append(opts, security.WithStore(st))
	}

	// Fleet transport
	if *remoteAddr != "" {
		remoteCfg := remote.DefaultConfig()
		remoteCfg.Address = *remoteAddr
		remoteCfg.APIKey = os.Getenv("HOSTSCAN_API_KEY")
		remoteCfg.AgentID = agentID()
		remoteCfg.UseTLS = !*remoteInsecure
		remoteCfg.Verbose = *verbose

		transport := remote.NewTransport(remoteCfg)
		if err := transport.Connect(ctx); err != nil {
			fmt.Printf("Warning: could not connect to fleet backend: %v\n", err)
		} else if *verbose {
			fmt.Printf("Connected to fleet backend at %s\n", *remoteAddr)
		}
		defer transport.Close()
		opts = append(opts, security.WithRemote(transport))
	}

	if *dryRun {
		opts = append(opts, security.WithPipelineOptions(pipeline.WithDryRun(true)))
	}
	if *sysmonConfig != "" {
		opts = append(opts, security.WithSysmonConfig(*sysmonConfig))
	}

	facade := security.New(pol, opts...)

	// Operator modes
	if *listProfiles {
		fmt.Println("Available profiles:")
		for _, name := range facade.Profiles() {
			fmt.Printf("  %s\n", name)
		}
		os.Exit(0)
	}

	if *checkTools {
		printToolStatus(facade.CheckTools(ctx))
		os.Exit(0)
	}

	if *provision != "" {
		os.Exit(runProvision(ctx, facade, *provision))
	}

	if *sysmonCmd != "" {
		os.Exit(runSysmon(ctx, facade, *sysmonCmd, *sysmonConfig))
	}

	// Monitor surface
	if *listen != "" {
		mon := newMonitor(facade, st, collector, pol)
		go func() {
			fmt.Printf("Monitor listening on %s\n", *listen)
			if err := mon.serve(ctx, *listen); err != nil {
				fmt.Fprintf(os.Stderr, "Monitor error: %v\n", err)
			}
		}()
	}

	// Run modes
	if *interval > 0 {
		runScheduled(ctx, facade, *profile, *interval, *outputJSON)
		return
	}

	if !*once && *listen != "" {
		// Monitor-only mode: serve until interrupted.
		<-ctx.Done()
		return
	}

	if code := runOnce(ctx, facade, *profile, *outputJSON); code != 0 {
		os.Exit(code)
	}
}

func agentID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%s", appName, hostname)
}

// runOnce runs one profile pass. Exit code 0 on a clean run, 1 on a fatal
// error, 2 when the run surfaced critical findings.
func runOnce(ctx context.Context, facade *security.Facade, profile string, outputJSON bool) int {
	fmt.Printf("Running profile %s...\n", profile)
	start := time.Now()

	result, err := facade.RunProfile(ctx, profile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
		return 1
	}

	if outputJSON {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
	} else {
		printRunSummary(result, time.Since(start))
	}

	if facade.HasCriticalFindings() {
		return 2
	}
	return 0
}

func runScheduled(ctx context.Context, facade *security.Facade, profile string, interval time.Duration, outputJSON bool) {
	fmt.Printf("%s started\n", appName)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  Profile:  %s\n", profile)
	fmt.Printf("  Interval: %s\n", interval)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("\nPress Ctrl+C to stop.")

	runOnce(ctx, facade, profile, outputJSON)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("Agent stopped.")
			return
		case <-ticker.C:
			runOnce(ctx, facade, profile, outputJSON)
		}
	}
}

func runProvision(ctx context.Context, facade *security.Facade, spec string) int {
	if spec == "all" {
		results := facade.ProvisionAll(ctx)
		names := make([]string, 0, len(results))
		for name := range results {
			names = append(names, name)
		}
		sort.Strings(names)

		failed := 0
		for _, name := range names {
			if err := results[name]; err != nil {
				fmt.Printf("  ✗ %-16s %v\n", name, err)
				failed++
			} else {
				fmt.Printf("  ✓ %-16s provisioned\n", name)
			}
		}
		if failed > 0 {
			return 1
		}
		return 0
	}

	code := 0
	for _, name := range strings.Split(spec, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if err := facade.ProvisionTool(ctx, name); err != nil {
			fmt.Printf("  ✗ %-16s %v\n", name, err)
			code = 1
		} else {
			fmt.Printf("  ✓ %-16s provisioned\n", name)
		}
	}
	return code
}

func runSysmon(ctx context.Context, facade *security.Facade, action, configPath string) int {
	sm := facade.Sysmon()
	switch action {
	case "status":
		status := sm.GetStatus(ctx)
		state := "not installed"
		if status.Installed {
			state = "running"
		}
		fmt.Printf("Sysmon service:  %s (%s)\n", status.ServiceName, state)
		fmt.Printf("Config file:     %s", status.ConfigFile)
		if !status.ConfigExists {
			fmt.Printf(" (missing)")
		}
		fmt.Println()
		return 0
	case "install":
		if err := sm.Install(ctx, configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error installing Sysmon: %v\n", err)
			return 1
		}
		fmt.Println("  ✓ Sysmon installed")
		return 0
	case "update":
		if err := sm.UpdateConfig(ctx, configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error updating Sysmon config: %v\n", err)
			return 1
		}
		fmt.Println("  ✓ Sysmon config updated")
		return 0
	case "uninstall":
		if err := sm.Uninstall(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error uninstalling Sysmon: %v\n", err)
			return 1
		}
		fmt.Println("  ✓ Sysmon removed")
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown -sysmon action %q (status|install|update|uninstall)\n", action)
		return 1
	}
}

func printToolStatus(infos map[string]*his.ToolInfo) {
	names := make([]string, 0, len(infos))
	for name := range infos {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("Detection tools:")
	available := 0
	for _, name := range names {
		info := infos[name]
		if info.Installed {
			available++
			version := info.Version
			if version == "" {
				version = "version unknown"
			}
			fmt.Printf("  ✓ %-16s %s (%s)\n", name, info.Path, version)
		} else {
			fmt.Printf("  ✗ %-16s NOT INSTALLED\n", name)
		}
	}
	fmt.Printf("\n%d/%d tools available.\n", available, len(names))
}

func printRunSummary(result *his.PipelineResult, elapsed time.Duration) {
	fmt.Printf("\nRun %s finished: %s (%s)\n", result.RunID, result.Status, elapsed.Round(time.Millisecond))

	for _, scan := range result.Results {
		switch scan.Status {
		case his.StatusCompleted:
			fmt.Printf("  ✓ %-16s %d findings (%s)\n", scan.Tool, len(scan.Findings), scan.Duration.Round(time.Millisecond))
		case his.StatusSkipped:
			fmt.Printf("  - %-16s skipped: %s\n", scan.Tool, scan.Error)
		default:
			fmt.Printf("  ✗ %-16s %s: %s\n", scan.Tool, scan.Status, scan.Error)
		}
	}

	if result.Summary.Total > 0 {
		fmt.Println("\n  Severity breakdown:")
		for _, row := range []struct {
			name  string
			count int
		}{
			{"critical", result.Summary.Critical},
			{"high", result.Summary.High},
			{"medium", result.Summary.Medium},
			{"low", result.Summary.Low},
			{"info", result.Summary.Info},
			{"unknown", result.Summary.Unknown},
		} {
			if row.count > 0 {
				fmt.Printf("    %-10s: %d\n", row.name, row.count)
			}
		}
	} else {
		fmt.Println("\n  No findings.")
	}
}
