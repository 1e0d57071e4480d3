package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/clinicore/opsync/internal/devicesync"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("OPSYNC_BASE_URL", "http://127.0.0.1:8080"), "opsyncd base URL")
	facilityID := flag.String("facility", strings.TrimSpace(os.Getenv("OPSYNC_FACILITY")), "facility ID")
	deviceID := flag.String("device", strings.TrimSpace(os.Getenv("OPSYNC_DEVICE")), "device ID")
	spoolDir := flag.String("spool-dir", strings.TrimSpace(os.Getenv("OPSYNC_SPOOL_DIR")), "outgoing op spool directory")
	inboxFile := flag.String("inbox-file", strings.TrimSpace(os.Getenv("OPSYNC_INBOX_FILE")), "pulled-op inbox file (NDJSON)")
	stateFile := flag.String("state-file", strings.TrimSpace(os.Getenv("OPSYNC_STATE_FILE")), "agent state file path")
	interval := flag.Duration("interval", durationEnv("OPSYNC_AGENT_INTERVAL", 2*time.Second), "sync interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("OPSYNC_AGENT_INTERVAL_JITTER", 0.2), "sync interval jitter ratio (0.0-1.0)")
	pageSize := flag.Int("page-size", intEnv("OPSYNC_AGENT_PAGE_SIZE", 100), "pull page size")
	batchSize := flag.Int("batch-size", intEnv("OPSYNC_AGENT_BATCH_SIZE", 50), "push batch size")
	watch := flag.Bool("watch", boolEnv("OPSYNC_AGENT_WATCH", false), "subscribe to server nudges over websocket")
	once := flag.Bool("once", false, "run one sync pass and exit")
	flag.Parse()

	if strings.TrimSpace(*facilityID) == "" {
		log.Fatalf("facility is required (--facility or OPSYNC_FACILITY)")
	}
	if strings.TrimSpace(*deviceID) == "" {
		log.Fatalf("device is required (--device or OPSYNC_DEVICE)")
	}
	if strings.TrimSpace(*spoolDir) == "" {
		log.Fatalf("spool-dir is required (--spool-dir or OPSYNC_SPOOL_DIR)")
	}
	dataDir := filepath.Dir(strings.TrimRight(*spoolDir, "/"))
	if strings.TrimSpace(*inboxFile) == "" {
		*inboxFile = filepath.Join(dataDir, "inbox.ndjson")
	}
	if strings.TrimSpace(*stateFile) == "" {
		*stateFile = filepath.Join(dataDir, "agent-state.json")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	client := devicesync.NewClient(*baseURL, nil)
	opts := devicesync.AgentOptions{
		FacilityID:     *facilityID,
		DeviceID:       *deviceID,
		SpoolDir:       *spoolDir,
		InboxFile:      *inboxFile,
		StateFile:      *stateFile,
		Interval:       *interval,
		IntervalJitter: *intervalJitter,
		PageSize:       *pageSize,
		BatchSize:      *batchSize,
		Logger:         logger,
	}
	if *watch {
		opts.Watch = client.Watch
	}

	agent, err := devicesync.NewAgent(client, opts)
	if err != nil {
		log.Fatalf("failed to initialize agent: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		if pushed, err := agent.ProcessSpool(ctx); err != nil {
			log.Fatalf("push failed: %v", err)
		} else {
			log.Printf("pushed %d ops", pushed)
		}
		if pulled, err := agent.PullOnce(ctx); err != nil {
			log.Fatalf("pull failed: %v", err)
		} else {
			log.Printf("pulled %d ops", pulled)
		}
		return
	}

	log.Printf("opsync-agent syncing facility %s as device %s every %s", *facilityID, *deviceID, *interval)
	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("agent failed: %v", err)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}
