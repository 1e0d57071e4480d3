package devicesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/clinicore/opsync/internal/synclog"
)

const (
	spoolDoneDir     = "done"
	spoolRejectedDir = "rejected"
	errorSidecarExt  = ".error.json"
)

// WatchFunc subscribes to server-side nudges; fn is invoked with the head
// seq whenever new ops are committed. Wired from Client.Watch by callers
// that enable it.
type WatchFunc func(ctx context.Context, facilityID string, fn func(seq uint64)) error

type AgentOptions struct {
	FacilityID     string
	DeviceID       string
	SpoolDir       string
	InboxFile      string
	StateFile      string
	Interval       time.Duration
	IntervalJitter float64
	PageSize       int
	BatchSize      int
	Watch          WatchFunc
	Logger         *slog.Logger
}

// Agent is the device-side half of the sync protocol. The device
// application drops one JSON operation file per local change into the spool
// directory; the agent assigns missing opIds, pushes batches, and files the
// outcomes under done/ and rejected/. Pulled records are appended to an
// inbox NDJSON stream for the application to apply, with the cursor
// persisted across restarts.
type Agent struct {
	client  RemoteEngine
	opts    AgentOptions
	logger  *slog.Logger
	state   agentState
	loaded  bool
	trigger chan struct{}
}

type agentState struct {
	Cursor     *string `json:"cursor"`
	LastSyncAt string  `json:"lastSyncAt,omitempty"`
}

func NewAgent(client RemoteEngine, opts AgentOptions) (*Agent, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if strings.TrimSpace(opts.FacilityID) == "" {
		return nil, fmt.Errorf("facility id is required")
	}
	if strings.TrimSpace(opts.DeviceID) == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if strings.TrimSpace(opts.SpoolDir) == "" {
		return nil, fmt.Errorf("spool dir is required")
	}
	if strings.TrimSpace(opts.InboxFile) == "" {
		return nil, fmt.Errorf("inbox file is required")
	}
	if strings.TrimSpace(opts.StateFile) == "" {
		return nil, fmt.Errorf("state file is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.IntervalJitter < 0 || opts.IntervalJitter > 1 {
		opts.IntervalJitter = 0.2
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	for _, dir := range []string{opts.SpoolDir, filepath.Join(opts.SpoolDir, spoolDoneDir), filepath.Join(opts.SpoolDir, spoolRejectedDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &Agent{
		client:  client,
		opts:    opts,
		logger:  opts.Logger,
		trigger: make(chan struct{}, 1),
	}, nil
}

// Run loops until ctx is cancelled: a jittered interval, spool filesystem
// events and optional server nudges all trigger a sync pass. Errors are
// logged and retried on the next pass; the protocol's idempotence makes
// blind retry safe.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.loadState(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(a.opts.SpoolDir); err != nil {
		return err
	}
	go a.forwardSpoolEvents(ctx, watcher)

	if a.opts.Watch != nil {
		go a.watchLoop(ctx)
	}

	for {
		a.syncOnce(ctx)
		timer := time.NewTimer(a.jitteredInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case <-a.trigger:
			timer.Stop()
		}
	}
}

func (a *Agent) syncOnce(ctx context.Context) {
	if pushed, err := a.ProcessSpool(ctx); err != nil {
		a.logger.Error("spool push failed", "error", err)
	} else if pushed > 0 {
		a.logger.Info("pushed spooled ops", "count", pushed)
	}
	if pulled, err := a.PullOnce(ctx); err != nil {
		a.logger.Error("pull failed", "error", err)
	} else if pulled > 0 {
		a.logger.Info("pulled ops", "count", pulled)
	}
}

// ProcessSpool pushes every operation file currently in the spool, in file
// name order, and files the outcomes. Returns the number of newly ingested
// ops. Files whose op is rejected stay out of the push path afterwards, in
// rejected/ with an error sidecar for the operator.
func (a *Agent) ProcessSpool(ctx context.Context) (int, error) {
	files, err := a.spoolFiles()
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, nil
	}

	ingested := 0
	for start := 0; start < len(files); start += a.opts.BatchSize {
		end := start + a.opts.BatchSize
		if end > len(files) {
			end = len(files)
		}
		n, err := a.pushBatch(ctx, files[start:end])
		ingested += n
		if err != nil {
			return ingested, err
		}
	}
	return ingested, nil
}

func (a *Agent) pushBatch(ctx context.Context, files []string) (int, error) {
	ops := make([]synclog.Op, 0, len(files))
	fileByOpID := make(map[string]string, len(files))
	for _, name := range files {
		path := filepath.Join(a.opts.SpoolDir, name)
		op, err := a.loadSpoolOp(path)
		if err != nil {
			a.logger.Warn("quarantining unreadable spool file", "file", name, "error", err)
			if moveErr := a.quarantine(name, &synclog.ErrorBody{Code: "unreadable_spool_file", Message: err.Error()}); moveErr != nil {
				return 0, moveErr
			}
			continue
		}
		ops = append(ops, op)
		fileByOpID[op.OpID] = name
	}
	if len(ops) == 0 {
		return 0, nil
	}

	resp, err := a.client.Push(ctx, synclog.PushRequest{
		FacilityID: a.opts.FacilityID,
		DeviceID:   a.opts.DeviceID,
		Ops:        ops,
	})
	if err != nil {
		return 0, err
	}

	ingested := 0
	for _, result := range resp.Results {
		name, ok := fileByOpID[result.OpID]
		if !ok {
			continue
		}
		switch result.Status {
		case synclog.StatusIngested:
			ingested++
			fallthrough
		case synclog.StatusDuplicate:
			if err := a.moveSpoolFile(name, spoolDoneDir); err != nil {
				return ingested, err
			}
		case synclog.StatusRejected:
			a.logger.Warn("op rejected", "file", name, "code", result.Error.Code)
			if err := a.quarantine(name, result.Error); err != nil {
				return ingested, err
			}
		}
	}
	return ingested, nil
}

// loadSpoolOp reads one op file and guarantees it carries a stable opId:
// a missing opId gets a uuid and the file is rewritten before the first
// push so a retry after a crash reuses the same idempotency key.
func (a *Agent) loadSpoolOp(path string) (synclog.Op, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return synclog.Op{}, err
	}
	var op synclog.Op
	if err := json.Unmarshal(data, &op); err != nil {
		return synclog.Op{}, err
	}
	if strings.TrimSpace(op.OpID) == "" {
		op.OpID = uuid.NewString()
		updated, err := json.Marshal(op)
		if err != nil {
			return synclog.Op{}, err
		}
		if err := writeFileAtomic(path, updated, 0o644); err != nil {
			return synclog.Op{}, err
		}
	}
	return op, nil
}

// PullOnce drains the server log from the persisted cursor, appending every
// record to the inbox stream and saving the cursor after each page. An
// invalid-cursor response restarts from the beginning of the log; the inbox
// consumer dedups by seq.
func (a *Agent) PullOnce(ctx context.Context) (int, error) {
	if err := a.loadState(); err != nil {
		return 0, err
	}
	total := 0
	restarted := false
	for {
		limit := a.opts.PageSize
		resp, err := a.client.Pull(ctx, synclog.PullRequest{
			FacilityID: a.opts.FacilityID,
			Cursor:     a.state.Cursor,
			Limit:      &limit,
		})
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && httpErr.Code == "invalid_cursor" && !restarted {
				a.logger.Warn("cursor rejected, restarting from start of log")
				a.state.Cursor = nil
				restarted = true
				continue
			}
			return total, err
		}
		if len(resp.Ops) > 0 {
			if err := a.appendInbox(resp.Ops); err != nil {
				return total, err
			}
			total += len(resp.Ops)
		}
		a.state.Cursor = resp.Cursor
		a.state.LastSyncAt = time.Now().UTC().Format(time.RFC3339)
		if err := a.saveState(); err != nil {
			return total, err
		}
		if !resp.HasMore {
			return total, nil
		}
	}
}

func (a *Agent) appendInbox(records []synclog.OpRecord) error {
	if dir := filepath.Dir(a.opts.InboxFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	var buf []byte
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	file, err := os.OpenFile(a.opts.InboxFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := file.Write(buf); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func (a *Agent) spoolFiles() ([]string, error) {
	entries, err := os.ReadDir(a.opts.SpoolDir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (a *Agent) moveSpoolFile(name, subdir string) error {
	err := os.Rename(
		filepath.Join(a.opts.SpoolDir, name),
		filepath.Join(a.opts.SpoolDir, subdir, name),
	)
	if errors.Is(err, os.ErrNotExist) {
		// Two spool files carrying the same opId resolve to one move.
		return nil
	}
	return err
}

func (a *Agent) quarantine(name string, reason *synclog.ErrorBody) error {
	if err := a.moveSpoolFile(name, spoolRejectedDir); err != nil {
		return err
	}
	if reason == nil {
		return nil
	}
	sidecar, err := json.Marshal(reason)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(a.opts.SpoolDir, spoolRejectedDir, name+errorSidecarExt), sidecar, 0o644)
}

func (a *Agent) loadState() error {
	if a.loaded {
		return nil
	}
	data, err := os.ReadFile(a.opts.StateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			a.loaded = true
			return nil
		}
		return err
	}
	if err := json.Unmarshal(data, &a.state); err != nil {
		return fmt.Errorf("parse state file %s: %w", a.opts.StateFile, err)
	}
	a.loaded = true
	return nil
}

func (a *Agent) saveState() error {
	data, err := json.Marshal(a.state)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(a.opts.StateFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return writeFileAtomic(a.opts.StateFile, data, 0o644)
}

func (a *Agent) forwardSpoolEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			a.nudge()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			a.logger.Warn("spool watcher error", "error", err)
		}
	}
}

func (a *Agent) watchLoop(ctx context.Context) {
	for {
		err := a.opts.Watch(ctx, a.opts.FacilityID, func(uint64) { a.nudge() })
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			a.logger.Warn("watch connection lost, reconnecting", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (a *Agent) nudge() {
	select {
	case a.trigger <- struct{}{}:
	default:
	}
}

func (a *Agent) jitteredInterval() time.Duration {
	interval := a.opts.Interval
	jitter := a.opts.IntervalJitter
	if jitter == 0 {
		return interval
	}
	spread := float64(interval) * jitter
	offset := (rand.Float64()*2 - 1) * spread
	return time.Duration(float64(interval) + offset)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
