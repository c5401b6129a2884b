// Softwatch is a monitoring bridge for BWT water softeners.
//
// It polls the vendor's MonService web portal on a fixed cadence,
// parses the device dashboard into a typed snapshot, and republishes
// the result over a local HTTP API and (optionally) MQTT with Home
// Assistant discovery. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	softwatch serve          Start the bridge (poller, API, MQTT)
//	softwatch check          Fetch one snapshot and print it
//	softwatch version        Print version and build information
//	softwatch -o json check  Output the snapshot as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/softwatch/internal/api"
	"github.com/nugget/softwatch/internal/buildinfo"
	"github.com/nugget/softwatch/internal/config"
	"github.com/nugget/softwatch/internal/events"
	"github.com/nugget/softwatch/internal/history"
	"github.com/nugget/softwatch/internal/mqtt"
	"github.com/nugget/softwatch/internal/poll"
	"github.com/nugget/softwatch/internal/portal"
)

// historyRetention is how long recorded snapshots are kept before the
// hourly prune pass removes them.
const historyRetention = 90 * 24 * time.Hour

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the full
// startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the softwatch command. All OS-level
// dependencies are injected as parameters. Arguments are parsed by
// hand: the flag package relies on package-level globals, which makes
// it impossible to call run() concurrently from tests, and our
// argument surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "check":
		return runCheck(ctx, stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Softwatch - BWT water softener monitoring bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: softwatch [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the bridge (poller, HTTP API, MQTT)")
	fmt.Fprintln(w, "  check        Fetch one snapshot from the portal and print it")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./softwatch.yaml, ~/.config/softwatch/config.yaml, /etc/softwatch/config.yaml")
	return nil
}

// runCheck performs a single portal fetch and prints the snapshot.
// Useful for validating credentials and portal reachability without
// starting the full bridge.
func runCheck(ctx context.Context, stdout io.Writer, configPath string, outputFmt string) error {
	logger := newLogger(stdout, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	session := portal.NewSession(
		cfg.Portal.BaseURL,
		cfg.Portal.Email,
		cfg.Portal.Password,
		time.Duration(cfg.Portal.RequestTimeoutSeconds)*time.Second,
		logger,
	)
	fetcher := portal.NewFetcher(session, logger)
	coordinator := poll.New(session, fetcher, nil,
		time.Duration(cfg.Portal.PollIntervalMinutes)*time.Minute, logger)

	snap, err := coordinator.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("check: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	fmt.Fprintf(stdout, "Serial number:       %s\n", snap.SerialNumber)
	fmt.Fprintf(stdout, "In service since:    %s\n", snap.InstallDate.Format("2006-01-02"))
	fmt.Fprintf(stdout, "Water today:         %.1f L\n", snap.WaterConsumptionTodayL)
	fmt.Fprintf(stdout, "Regenerations today: %d\n", snap.RegenerationsToday)
	fmt.Fprintf(stdout, "Hardness in/out:     %.1f / %.1f °f\n", snap.HardnessInDeg, snap.HardnessOutDeg)
	fmt.Fprintf(stdout, "Network pressure:    %.1f bar\n", snap.NetworkPressureBar)
	fmt.Fprintf(stdout, "WiFi signal:         %d dBm\n", snap.WiFiSignalDBm)
	fmt.Fprintf(stdout, "Last connection:     %s\n", snap.LastConnectionAt.Format(time.RFC3339))
	fmt.Fprintf(stdout, "Salt type:           %s\n", snap.SaltType)
	fmt.Fprintf(stdout, "Regeneration at:     %s\n", snap.ScheduledRegenTime)
	fmt.Fprintf(stdout, "Holiday mode:        %t\n", snap.HolidayModeActive)
	fmt.Fprintf(stdout, "Salt alarm:          %t\n", snap.SaltAlarmLow)
	return nil
}

// runServe starts the full bridge: the poll loop, the history
// recorder, the HTTP status API, and (when configured) the MQTT
// publisher. It blocks until the context is cancelled by SIGINT or
// SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	logger := newLogger(stdout, level, cfg.LogFormat)
	logger.Info("softwatch starting", "version", buildinfo.String(), "config", cfgPath)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	bus := events.New()

	// --- Portal and poll loop ---
	session := portal.NewSession(
		cfg.Portal.BaseURL,
		cfg.Portal.Email,
		cfg.Portal.Password,
		time.Duration(cfg.Portal.RequestTimeoutSeconds)*time.Second,
		logger,
	)
	session.SetEventBus(bus)
	fetcher := portal.NewFetcher(session, logger)
	coordinator := poll.New(session, fetcher, bus,
		time.Duration(cfg.Portal.PollIntervalMinutes)*time.Minute, logger)

	// --- History store ---
	store, err := history.NewStore(filepath.Join(cfg.DataDir, "history.db"))
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer store.Close()

	// --- Signal handling ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Record every completed cycle, and prune old rows hourly.
	go recordHistory(ctx, bus, coordinator, store, logger)

	// --- MQTT publisher (optional) ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load instance id: %w", err)
		}

		mqttPub = mqtt.New(cfg.MQTT, instanceID, coordinator, bus, logger)
		// Start blocks for the life of the connection; run it alongside
		// the poll loop. Connection failures are retried internally.
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Poll loop ---
	go coordinator.Run(ctx)

	// --- HTTP status API ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, coordinator, store, bus, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		_ = server.Shutdown(context.Background())
	}()

	// Blocks until the server is shut down via context cancellation or
	// fatal error.
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("softwatch stopped")
	return nil
}

// recordHistory persists the latest snapshot after each completed poll
// cycle and prunes rows past the retention window once an hour.
func recordHistory(ctx context.Context, bus *events.Bus, coordinator *poll.Coordinator, store *history.Store, logger *slog.Logger) {
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	pruneTicker := time.NewTicker(time.Hour)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Kind != events.KindRefreshComplete {
				continue
			}
			snap, _ := coordinator.Latest()
			if snap == nil {
				continue
			}
			if err := store.Record(snap); err != nil {
				logger.Error("failed to record snapshot", "error", err)
			}
		case <-pruneTicker.C:
			removed, err := store.Prune(historyRetention)
			if err != nil {
				logger.Error("history prune failed", "error", err)
			} else if removed > 0 {
				logger.Debug("pruned history rows", "removed", removed)
			}
		}
	}
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
