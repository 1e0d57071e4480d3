package synclog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Options configures an Engine. The zero value of every field is usable:
// a nil Backend means in-memory only, page sizes fall back to defaults, and
// facilities are auto-created on first push unless
// RequireRegisteredFacilities is set.
type Options struct {
	Backend                     Backend
	MaxPageSize                 int
	DefaultPageSize             int
	RequireRegisteredFacilities bool
	Notifier                    *Notifier
	Metrics                     *Metrics
	Logger                      *slog.Logger
	Clock                       func() time.Time
}

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

// Engine is the synchronization core: one ordered, append-only, gap-free
// operation log per facility with idempotent ingestion and cursor-resumable
// retrieval. Facilities are fully isolated from each other; the engine
// never orders or exposes operations across facility boundaries.
type Engine struct {
	mu         sync.RWMutex
	facilities map[string]*facility

	backend         Backend
	maxPageSize     int
	defaultPageSize int
	requireRegister bool
	notifier        *Notifier
	metrics         *Metrics
	logger          *slog.Logger
	clock           func() time.Time
}

// facility holds the committed state for one partition. mu serializes the
// allocate-and-append critical section for pushes against this facility
// only; pulls take the read side. Invariant: log[i].Seq == i+1, so the next
// sequence number is always len(log)+1 and the log is gap-free by
// construction.
type facility struct {
	mu    sync.RWMutex
	id    string
	log   []OpRecord
	dedup map[string]uint64
}

func (f *facility) nextSeq() uint64 {
	return uint64(len(f.log)) + 1
}

// NewEngine builds an engine and replays any durable logs from the backend
// into memory, rebuilding the per-facility dedup indexes and sequence
// counters. Loaded logs are verified gap-free; a gap means the backing
// store lost committed records and the engine refuses to start.
func NewEngine(ctx context.Context, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	e := &Engine{
		facilities:      make(map[string]*facility),
		backend:         opts.Backend,
		maxPageSize:     opts.MaxPageSize,
		defaultPageSize: opts.DefaultPageSize,
		requireRegister: opts.RequireRegisteredFacilities,
		notifier:        opts.Notifier,
		metrics:         opts.Metrics,
		logger:          logger,
		clock:           clock,
	}
	if e.maxPageSize <= 0 {
		e.maxPageSize = maxPageSize
	}
	if e.defaultPageSize <= 0 {
		e.defaultPageSize = defaultPageSize
	}
	if e.defaultPageSize > e.maxPageSize {
		e.defaultPageSize = e.maxPageSize
	}
	if e.backend == nil {
		e.backend = NullBackend{}
	}

	logs, err := e.backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load: %v", ErrStorage, err)
	}
	for facilityID, records := range logs {
		f := &facility{id: facilityID, log: records, dedup: make(map[string]uint64, len(records))}
		for i, rec := range records {
			if rec.Seq != uint64(i)+1 {
				return nil, fmt.Errorf("%w: facility %s has seq %d at position %d", ErrCorruptLog, facilityID, rec.Seq, i+1)
			}
			if _, exists := f.dedup[rec.OpID]; exists {
				return nil, fmt.Errorf("%w: facility %s has duplicate opId %s", ErrCorruptLog, facilityID, rec.OpID)
			}
			f.dedup[rec.OpID] = rec.Seq
		}
		e.facilities[facilityID] = f
		logger.Info("loaded facility log", "facility", facilityID, "ops", len(records))
	}
	return e, nil
}

// Close releases the durable backend. In-flight requests are not awaited;
// callers stop the transport first.
func (e *Engine) Close() error {
	return e.backend.Close()
}

// RegisterFacility creates an empty facility ahead of its first push. It is
// idempotent and only required when the engine runs with
// RequireRegisteredFacilities.
func (e *Engine) RegisterFacility(facilityID string) error {
	facilityID = strings.TrimSpace(facilityID)
	if facilityID == "" {
		return fmt.Errorf("%w: facilityId is required", ErrInvalidInput)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.facilities[facilityID]; !ok {
		e.facilities[facilityID] = &facility{id: facilityID, dedup: make(map[string]uint64)}
	}
	return nil
}

// Push validates, deduplicates and ingests a batch of operations for one
// facility. Each op is handled independently: a rejected op never blocks its
// siblings. New records become durable and visible as one atomic step; if
// the backend append fails, nothing from this request is ingested and the
// caller may retry the identical batch (previously committed ops resolve as
// duplicates).
func (e *Engine) Push(ctx context.Context, req PushRequest) (PushResponse, error) {
	facilityID := strings.TrimSpace(req.FacilityID)
	if facilityID == "" {
		return PushResponse{}, fmt.Errorf("%w: facilityId is required", ErrInvalidInput)
	}
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		return PushResponse{}, fmt.Errorf("%w: deviceId is required", ErrInvalidInput)
	}

	f, err := e.facilityForPush(facilityID)
	if err != nil {
		return PushResponse{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	serverTime := e.clock().UTC().Format(time.RFC3339Nano)
	results := make([]PushResult, 0, len(req.Ops))
	staged := make([]OpRecord, 0, len(req.Ops))
	stagedIDs := make(map[string]struct{}, len(req.Ops))
	var ingested, duplicate, rejected int

	for _, op := range req.Ops {
		if verr := validateOp(op); verr != nil {
			results = append(results, PushResult{OpID: op.OpID, Status: StatusRejected, Error: verr})
			rejected++
			continue
		}
		if _, seen := f.dedup[op.OpID]; seen {
			results = append(results, PushResult{OpID: op.OpID, Status: StatusDuplicate})
			duplicate++
			continue
		}
		if _, seen := stagedIDs[op.OpID]; seen {
			results = append(results, PushResult{OpID: op.OpID, Status: StatusDuplicate})
			duplicate++
			continue
		}
		rec := OpRecord{
			Seq:             f.nextSeq() + uint64(len(staged)),
			OpID:            op.OpID,
			DeviceID:        deviceID,
			EntityType:      op.EntityType,
			EntityID:        op.EntityID,
			OpType:          op.OpType,
			Data:            op.Data,
			ClientCreatedAt: op.ClientCreatedAt,
			ServerCreatedAt: serverTime,
		}
		staged = append(staged, rec)
		stagedIDs[op.OpID] = struct{}{}
		results = append(results, PushResult{OpID: op.OpID, Status: StatusIngested})
		ingested++
	}

	if len(staged) > 0 {
		if err := e.backend.Append(ctx, facilityID, staged); err != nil {
			e.logger.Error("append failed", "facility", facilityID, "ops", len(staged), "error", err)
			return PushResponse{}, fmt.Errorf("%w: append: %v", ErrStorage, err)
		}
		f.log = append(f.log, staged...)
		for _, rec := range staged {
			f.dedup[rec.OpID] = rec.Seq
		}
	}

	e.metrics.observePush(ingested, duplicate, rejected)
	if len(staged) > 0 && e.notifier != nil {
		e.notifier.Publish(ctx, Notification{FacilityID: facilityID, Seq: staged[len(staged)-1].Seq})
	}
	return PushResponse{ServerTime: serverTime, Results: results}, nil
}

// Pull returns the ordered slice of records with seq strictly greater than
// the cursor position, ascending, truncated to the effective limit. It is a
// snapshot read against committed state: re-pulling with the same cursor
// returns the same page.
func (e *Engine) Pull(ctx context.Context, req PullRequest) (PullResponse, error) {
	_ = ctx
	facilityID := strings.TrimSpace(req.FacilityID)
	if facilityID == "" {
		return PullResponse{}, fmt.Errorf("%w: facilityId is required", ErrInvalidInput)
	}
	f, ok := e.lookup(facilityID)
	if !ok {
		return PullResponse{}, fmt.Errorf("%w: %s", ErrFacilityNotFound, facilityID)
	}

	limit := e.defaultPageSize
	if req.Limit != nil {
		if *req.Limit < 1 {
			return PullResponse{}, fmt.Errorf("%w: limit must be a positive integer", ErrInvalidInput)
		}
		limit = *req.Limit
	}
	if limit > e.maxPageSize {
		limit = e.maxPageSize
	}

	var position uint64
	if req.Cursor != nil && strings.TrimSpace(*req.Cursor) != "" {
		pos, err := DecodeCursor(*req.Cursor, facilityID)
		if err != nil {
			return PullResponse{}, err
		}
		position = pos
	}

	serverTime := e.clock().UTC().Format(time.RFC3339Nano)

	f.mu.RLock()
	total := uint64(len(f.log))
	start := position
	if start > total {
		start = total
	}
	end := start + uint64(limit)
	if end > total {
		end = total
	}
	ops := append([]OpRecord(nil), f.log[start:end]...)
	hasMore := end < total
	f.mu.RUnlock()

	resp := PullResponse{
		ServerTime: serverTime,
		Cursor:     req.Cursor,
		HasMore:    hasMore,
		Ops:        ops,
	}
	if resp.Ops == nil {
		resp.Ops = []OpRecord{}
	}
	if len(ops) > 0 {
		next := EncodeCursor(facilityID, ops[len(ops)-1].Seq)
		resp.Cursor = &next
	}
	e.metrics.observePull(len(ops))
	return resp, nil
}

// HeadSeq returns the last committed sequence number for a facility (zero
// for an empty log).
func (e *Engine) HeadSeq(facilityID string) (uint64, error) {
	f, ok := e.lookup(strings.TrimSpace(facilityID))
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrFacilityNotFound, facilityID)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return uint64(len(f.log)), nil
}

// FacilityStatus returns the admin view of one facility.
func (e *Engine) FacilityStatus(facilityID string) (FacilityStatus, error) {
	f, ok := e.lookup(strings.TrimSpace(facilityID))
	if !ok {
		return FacilityStatus{}, fmt.Errorf("%w: %s", ErrFacilityNotFound, facilityID)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return FacilityStatus{FacilityID: f.id, LastSeq: uint64(len(f.log)), Ops: len(f.log)}, nil
}

// Facilities lists every known facility, sorted by id.
func (e *Engine) Facilities() []FacilityStatus {
	e.mu.RLock()
	all := make([]*facility, 0, len(e.facilities))
	for _, f := range e.facilities {
		all = append(all, f)
	}
	e.mu.RUnlock()

	statuses := make([]FacilityStatus, 0, len(all))
	for _, f := range all {
		f.mu.RLock()
		statuses = append(statuses, FacilityStatus{FacilityID: f.id, LastSeq: uint64(len(f.log)), Ops: len(f.log)})
		f.mu.RUnlock()
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].FacilityID < statuses[j].FacilityID })
	return statuses
}

func (e *Engine) lookup(facilityID string) (*facility, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.facilities[facilityID]
	return f, ok
}

func (e *Engine) facilityForPush(facilityID string) (*facility, error) {
	if f, ok := e.lookup(facilityID); ok {
		return f, nil
	}
	if e.requireRegister {
		return nil, fmt.Errorf("%w: %s", ErrFacilityNotFound, facilityID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.facilities[facilityID]; ok {
		return f, nil
	}
	f := &facility{id: facilityID, dedup: make(map[string]uint64)}
	e.facilities[facilityID] = f
	return f, nil
}
