// Command sidecar runs the host-side agent: it discovers developer-tool
// instances on this machine, maintains their detail cache, connects to a
// relay over WebSocket, and executes mobile-originated control commands
// against the local tool set.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/yourconnector/yc/internal/sidecarclient"
	"github.com/yourconnector/yc/internal/sidecarexec"
	"github.com/yourconnector/yc/internal/sidecarpolicy"
	"github.com/yourconnector/yc/internal/toolcore"
	"github.com/yourconnector/yc/internal/toolcore/cache"
	"github.com/yourconnector/yc/internal/wire"
)

var (
	version = "dev"
	commit  = "none"
)

var rootCmd = &cobra.Command{
	Use:   "sidecar",
	Short: "Host agent that discovers and connects local developer tools to a relay",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the relay and start discovery/scheduling loops",
	RunE:  runSidecar,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sidecar %s (%s)\n", version, commit)
	},
}

func main() {
	rootCmd.AddCommand(runCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func sidecarConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".config", "yourconnector", "sidecar")
}

// loadOrGeneratePersisted resolves a persisted identity value: an explicit
// override wins, else the value is read from its sidecar config file, else
// the caller must generate and persist one.
func loadOrGeneratePersisted(name, envOverride string) string {
	if envOverride != "" {
		return envOverride
	}
	path := filepath.Join(sidecarConfigDir(), name+".txt")
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

func persistValue(name, value string) error {
	dir := sidecarConfigDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name+".txt"), []byte(value), 0o600)
}

func envDuration(name string, defaultSec int) time.Duration {
	if raw := os.Getenv(name); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return time.Duration(defaultSec) * time.Second
}

func envInt(name string, defaultValue int) int {
	if raw := os.Getenv(name); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return defaultValue
}

func envBool(name string, defaultValue bool) bool {
	if raw := os.Getenv(name); raw != "" {
		return raw == "1" || strings.EqualFold(raw, "true")
	}
	return defaultValue
}

func runSidecar(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	systemID := loadOrGeneratePersisted("system-id", os.Getenv("SYSTEM_ID"))
	if systemID == "" {
		systemID = "sys_" + uuid.NewString()
		if err := persistValue("system-id", systemID); err != nil {
			logger.Warn("persist system id failed", "error", err)
		}
	}

	pairToken := loadOrGeneratePersisted("pair-token", os.Getenv("PAIR_TOKEN"))
	if pairToken == "" {
		pairToken = "ptk_" + uuid.NewString()
	}
	if err := persistValue("pair-token", pairToken); err != nil {
		logger.Warn("persist pair token failed", "error", err)
	}

	deviceID := os.Getenv("DEVICE_ID")
	if deviceID == "" {
		deviceID = "sidecar_" + uuid.NewString()
	}
	hostName := os.Getenv("HOST_NAME")
	if hostName == "" {
		hostName, _ = os.Hostname()
	}
	relayWSURL := os.Getenv("RELAY_WS_URL")
	if relayWSURL == "" {
		relayWSURL = "ws://127.0.0.1:18080/v1/ws"
	}

	registry := toolcore.DefaultRegistry(envBool("FALLBACK_TOOL_ENABLED", true))
	detailCache := cache.New()
	schedCfg := cache.SchedulerConfig{
		DetailInterval: envDuration("DETAILS_INTERVAL_SEC", cache.DefaultDetailsIntervalSec),
		DebounceWindow: envDuration("DETAILS_REFRESH_DEBOUNCE_SEC", cache.DefaultDetailsDebounceSec),
		CommandTimeout: time.Duration(envInt("DETAILS_COMMAND_TIMEOUT_MS", cache.DefaultDetailsCommandTimeoutMS)) * time.Millisecond,
		MaxParallel:    envInt("DETAILS_MAX_PARALLEL", cache.DefaultDetailsMaxParallel),
	}
	scheduler := cache.NewScheduler(registry, detailCache, schedCfg, logger)

	toolWL, err := sidecarpolicy.LoadToolWhitelist(sidecarpolicy.ToolWhitelistPath())
	if err != nil {
		return fmt.Errorf("load tool whitelist: %w", err)
	}

	var seedControllerIDs []string
	if raw := os.Getenv("CONTROLLER_DEVICE_IDS"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				seedControllerIDs = append(seedControllerIDs, id)
			}
		}
	}
	controllerWL, err := sidecarpolicy.LoadControllerWhitelist(
		sidecarpolicy.ControllerWhitelistPath(), seedControllerIDs,
		envBool("ALLOW_FIRST_CONTROLLER_BIND", true), relayWSURL,
	)
	if err != nil {
		return fmt.Errorf("load controller whitelist: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var executor *sidecarexec.Executor
	relayClient := sidecarclient.New(sidecarclient.Config{
		RelayWSURL: relayWSURL,
		SystemID:   systemID,
		DeviceID:   deviceID,
		PairToken:  pairToken,
		HostName:   hostName,
	}, func(env wire.Envelope) {
		if cmdEnv, ok := sidecarexec.Parse(env); ok {
			executor.Execute(ctx, cmdEnv)
		}
	}, logger)

	executor = sidecarexec.NewExecutor(systemID, registry, detailCache, scheduler, toolWL, controllerWL,
		relayClient, logger, toolcore.TakeSnapshot)

	go relayClient.Run()
	defer relayClient.Close()

	runTickers(ctx, logger, registry, detailCache, scheduler, toolWL, relayClient, systemID)
	return nil
}

// runTickers drives the heartbeat, metrics, and detail-collection cadences
// until ctx is cancelled, each with skip-on-miss semantics: a slow tick never
// queues up extra work, it simply runs late.
func runTickers(ctx context.Context, logger *slog.Logger, registry *toolcore.Registry, detailCache *cache.Cache,
	scheduler *cache.Scheduler, toolWL *sidecarpolicy.ToolWhitelist, sender *sidecarclient.Client, systemID string) {

	heartbeat := time.NewTicker(envDuration("HEARTBEAT_INTERVAL_SEC", 15))
	metrics := time.NewTicker(envDuration("METRICS_INTERVAL_SEC", 20))
	details := time.NewTicker(envDuration("DETAILS_INTERVAL_SEC", cache.DefaultDetailsIntervalSec))
	defer heartbeat.Stop()
	defer metrics.Stop()
	defer details.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			env := wire.New("sidecar_heartbeat", systemID, map[string]interface{}{"ts": wire.NowRFC3339Nanos()})
			if err := sender.Send(env); err != nil {
				logger.Warn("heartbeat send failed", "error", err)
			}
		case <-metrics.C:
			snap, err := toolcore.TakeSnapshot()
			if err != nil {
				logger.Warn("process snapshot failed", "error", err)
				continue
			}
			tools := registry.Discover(snap)
			env := wire.New("sidecar_metrics", systemID, map[string]interface{}{
				"toolCount": len(tools),
			})
			if err := sender.Send(env); err != nil {
				logger.Warn("metrics send failed", "error", err)
			}
		case <-details.C:
			snap, err := toolcore.TakeSnapshot()
			if err != nil {
				logger.Warn("process snapshot failed", "error", err)
				continue
			}
			discovered, envelopes := scheduler.RunOnce(ctx, snap, toolWL.Snapshot(), "", false)
			for _, e := range envelopes {
				payload := map[string]interface{}{
					"toolId": e.ToolID, "schema": e.Schema, "stale": e.Stale, "data": e.Data,
				}
				if err := sender.Send(wire.New("tool_details_updated", systemID, payload)); err != nil {
					logger.Warn("detail send failed", "error", err)
				}
			}
			env := wire.New("tools_snapshot", systemID, map[string]interface{}{"tools": discovered})
			if err := sender.Send(env); err != nil {
				logger.Warn("tools snapshot send failed", "error", err)
			}
		}
	}
}
