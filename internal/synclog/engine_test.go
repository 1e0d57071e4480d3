package synclog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	engine, err := NewEngine(context.Background(), opts)
	require.NoError(t, err)
	return engine
}

func upsertOp(opID, entityID string) Op {
	return Op{
		OpID:            opID,
		EntityType:      "patient",
		EntityID:        entityID,
		OpType:          OpTypeUpsert,
		Data:            json.RawMessage(`{"stage":"at_triage"}`),
		ClientCreatedAt: "2024-01-01T00:00:00Z",
	}
}

func pushOne(t *testing.T, e *Engine, facilityID, deviceID string, op Op) PushResponse {
	t.Helper()
	resp, err := e.Push(context.Background(), PushRequest{
		FacilityID: facilityID,
		DeviceID:   deviceID,
		Ops:        []Op{op},
	})
	require.NoError(t, err)
	return resp
}

func TestPushAssignsSequenceAndPullReturnsIt(t *testing.T) {
	e := newTestEngine(t, Options{})

	resp := pushOne(t, e, "f1", "d1", upsertOp("a1", "p1"))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "a1", resp.Results[0].OpID)
	assert.Equal(t, StatusIngested, resp.Results[0].Status)
	assert.NotEmpty(t, resp.ServerTime)

	limit := 10
	pull, err := e.Pull(context.Background(), PullRequest{FacilityID: "f1", Limit: &limit})
	require.NoError(t, err)
	require.Len(t, pull.Ops, 1)
	assert.Equal(t, uint64(1), pull.Ops[0].Seq)
	assert.Equal(t, "a1", pull.Ops[0].OpID)
	assert.Equal(t, "d1", pull.Ops[0].DeviceID)
	assert.Equal(t, "patient", pull.Ops[0].EntityType)
	assert.Equal(t, "p1", pull.Ops[0].EntityID)
	assert.Equal(t, OpTypeUpsert, pull.Ops[0].OpType)
	assert.JSONEq(t, `{"stage":"at_triage"}`, string(pull.Ops[0].Data))
	assert.False(t, pull.HasMore)
	require.NotNil(t, pull.Cursor)
	pos, err := DecodeCursor(*pull.Cursor, "f1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pos)
}

func TestPushIsIdempotent(t *testing.T) {
	e := newTestEngine(t, Options{})

	first := pushOne(t, e, "f1", "d1", upsertOp("a1", "p1"))
	assert.Equal(t, StatusIngested, first.Results[0].Status)

	for i := 0; i < 3; i++ {
		again := pushOne(t, e, "f1", "d1", upsertOp("a1", "p1"))
		require.Len(t, again.Results, 1)
		assert.Equal(t, StatusDuplicate, again.Results[0].Status)
	}

	head, err := e.HeadSeq("f1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head)
}

func TestPushDuplicateWithinSameBatch(t *testing.T) {
	e := newTestEngine(t, Options{})

	resp, err := e.Push(context.Background(), PushRequest{
		FacilityID: "f1",
		DeviceID:   "d1",
		Ops:        []Op{upsertOp("a1", "p1"), upsertOp("a1", "p1"), upsertOp("a2", "p2")},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, StatusIngested, resp.Results[0].Status)
	assert.Equal(t, StatusDuplicate, resp.Results[1].Status)
	assert.Equal(t, StatusIngested, resp.Results[2].Status)

	head, err := e.HeadSeq("f1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), head)
}

func TestPushValidationFailureDoesNotBlockSiblings(t *testing.T) {
	e := newTestEngine(t, Options{})

	bad := upsertOp("a2", "")
	resp, err := e.Push(context.Background(), PushRequest{
		FacilityID: "f1",
		DeviceID:   "d1",
		Ops:        []Op{upsertOp("a1", "p1"), bad, upsertOp("a3", "p3")},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)

	assert.Equal(t, StatusIngested, resp.Results[0].Status)
	assert.Equal(t, StatusRejected, resp.Results[1].Status)
	require.NotNil(t, resp.Results[1].Error)
	assert.Equal(t, "missing_entity_id", resp.Results[1].Error.Code)
	assert.Equal(t, StatusIngested, resp.Results[2].Status)

	pull, err := e.Pull(context.Background(), PullRequest{FacilityID: "f1"})
	require.NoError(t, err)
	require.Len(t, pull.Ops, 2)
	assert.Equal(t, uint64(1), pull.Ops[0].Seq)
	assert.Equal(t, "a1", pull.Ops[0].OpID)
	assert.Equal(t, uint64(2), pull.Ops[1].Seq)
	assert.Equal(t, "a3", pull.Ops[1].OpID)
}

func TestPushValidationCases(t *testing.T) {
	cases := []struct {
		name string
		op   Op
		code string
	}{
		{"missing opId", Op{EntityType: "patient", EntityID: "p1", OpType: OpTypeUpsert, Data: json.RawMessage(`{}`)}, "missing_op_id"},
		{"missing entityType", Op{OpID: "x1", EntityID: "p1", OpType: OpTypeUpsert, Data: json.RawMessage(`{}`)}, "missing_entity_type"},
		{"missing entityId", Op{OpID: "x2", EntityType: "patient", OpType: OpTypeUpsert, Data: json.RawMessage(`{}`)}, "missing_entity_id"},
		{"unknown opType", Op{OpID: "x3", EntityType: "patient", EntityID: "p1", OpType: "merge", Data: json.RawMessage(`{}`)}, "invalid_op_type"},
		{"upsert without data", Op{OpID: "x4", EntityType: "patient", EntityID: "p1", OpType: OpTypeUpsert}, "missing_data"},
		{"upsert with null data", Op{OpID: "x5", EntityType: "patient", EntityID: "p1", OpType: OpTypeUpsert, Data: json.RawMessage(`null`)}, "missing_data"},
	}
	e := newTestEngine(t, Options{})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := pushOne(t, e, "f1", "d1", tc.op)
			require.Len(t, resp.Results, 1)
			assert.Equal(t, StatusRejected, resp.Results[0].Status)
			require.NotNil(t, resp.Results[0].Error)
			assert.Equal(t, tc.code, resp.Results[0].Error.Code)
		})
	}
}

func TestDeleteWithoutDataIsValid(t *testing.T) {
	e := newTestEngine(t, Options{})
	resp := pushOne(t, e, "f1", "d1", Op{
		OpID:       "del1",
		EntityType: "patient",
		EntityID:   "p1",
		OpType:     OpTypeDelete,
	})
	assert.Equal(t, StatusIngested, resp.Results[0].Status)
}

func TestSequencesAreGapFreePerFacility(t *testing.T) {
	e := newTestEngine(t, Options{})
	for i := 0; i < 25; i++ {
		pushOne(t, e, "f1", "d1", upsertOp(fmt.Sprintf("op-%d", i), "p1"))
	}
	pull, err := e.Pull(context.Background(), PullRequest{FacilityID: "f1"})
	require.NoError(t, err)
	require.Len(t, pull.Ops, 25)
	for i, rec := range pull.Ops {
		assert.Equal(t, uint64(i)+1, rec.Seq)
	}
}

func TestPullPaginationYieldsEveryRecordExactlyOnce(t *testing.T) {
	e := newTestEngine(t, Options{})
	const total = 23
	for i := 0; i < total; i++ {
		pushOne(t, e, "f1", "d1", upsertOp(fmt.Sprintf("op-%02d", i), "p1"))
	}

	limit := 5
	var cursor *string
	var seen []uint64
	for {
		resp, err := e.Pull(context.Background(), PullRequest{FacilityID: "f1", Cursor: cursor, Limit: &limit})
		require.NoError(t, err)
		for _, rec := range resp.Ops {
			seen = append(seen, rec.Seq)
		}
		cursor = resp.Cursor
		if !resp.HasMore {
			break
		}
	}
	require.Len(t, seen, total)
	for i, seq := range seen {
		assert.Equal(t, uint64(i)+1, seq)
	}
}

func TestPullRetryIsStable(t *testing.T) {
	e := newTestEngine(t, Options{Clock: func() time.Time { return time.Unix(1700000000, 0) }})
	for i := 0; i < 8; i++ {
		pushOne(t, e, "f1", "d1", upsertOp(fmt.Sprintf("op-%d", i), "p1"))
	}
	limit := 3
	cursor := EncodeCursor("f1", 2)
	req := PullRequest{FacilityID: "f1", Cursor: &cursor, Limit: &limit}

	first, err := e.Pull(context.Background(), req)
	require.NoError(t, err)
	second, err := e.Pull(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	require.Len(t, first.Ops, 3)
	assert.Equal(t, uint64(3), first.Ops[0].Seq)
	assert.True(t, first.HasMore)
}

func TestPullEmptyPageLeavesCursorUnchanged(t *testing.T) {
	e := newTestEngine(t, Options{})
	pushOne(t, e, "f1", "d1", upsertOp("a1", "p1"))

	cursor := EncodeCursor("f1", 1)
	resp, err := e.Pull(context.Background(), PullRequest{FacilityID: "f1", Cursor: &cursor})
	require.NoError(t, err)
	assert.Empty(t, resp.Ops)
	assert.False(t, resp.HasMore)
	require.NotNil(t, resp.Cursor)
	assert.Equal(t, cursor, *resp.Cursor)
}

func TestPullAbsentCursorOnEmptyFacility(t *testing.T) {
	e := newTestEngine(t, Options{})
	require.NoError(t, e.RegisterFacility("f1"))

	resp, err := e.Pull(context.Background(), PullRequest{FacilityID: "f1"})
	require.NoError(t, err)
	assert.Empty(t, resp.Ops)
	assert.False(t, resp.HasMore)
	assert.Nil(t, resp.Cursor)
}

func TestPullLegacyNumericCursor(t *testing.T) {
	e := newTestEngine(t, Options{})
	for i := 0; i < 3; i++ {
		pushOne(t, e, "f1", "d1", upsertOp(fmt.Sprintf("op-%d", i), "p1"))
	}
	cursor := "1"
	resp, err := e.Pull(context.Background(), PullRequest{FacilityID: "f1", Cursor: &cursor})
	require.NoError(t, err)
	require.Len(t, resp.Ops, 2)
	assert.Equal(t, uint64(2), resp.Ops[0].Seq)
}

func TestPullRejectsForeignFacilityCursor(t *testing.T) {
	e := newTestEngine(t, Options{})
	pushOne(t, e, "f1", "d1", upsertOp("a1", "p1"))
	pushOne(t, e, "f2", "d2", upsertOp("b1", "p1"))

	cursor := EncodeCursor("f1", 1)
	_, err := e.Pull(context.Background(), PullRequest{FacilityID: "f2", Cursor: &cursor})
	assert.ErrorIs(t, err, ErrCursorFacilityMismatch)
}

func TestPullUnknownFacility(t *testing.T) {
	e := newTestEngine(t, Options{})
	_, err := e.Pull(context.Background(), PullRequest{FacilityID: "ghost"})
	assert.ErrorIs(t, err, ErrFacilityNotFound)
}

func TestPullLimitValidationAndClamp(t *testing.T) {
	e := newTestEngine(t, Options{MaxPageSize: 4})
	for i := 0; i < 10; i++ {
		pushOne(t, e, "f1", "d1", upsertOp(fmt.Sprintf("op-%d", i), "p1"))
	}

	zero := 0
	_, err := e.Pull(context.Background(), PullRequest{FacilityID: "f1", Limit: &zero})
	assert.ErrorIs(t, err, ErrInvalidInput)

	huge := 1000
	resp, err := e.Pull(context.Background(), PullRequest{FacilityID: "f1", Limit: &huge})
	require.NoError(t, err)
	assert.Len(t, resp.Ops, 4)
	assert.True(t, resp.HasMore)
}

func TestFacilityIsolation(t *testing.T) {
	e := newTestEngine(t, Options{})
	pushOne(t, e, "f1", "d1", upsertOp("a1", "p1"))
	pushOne(t, e, "f2", "d2", upsertOp("b1", "q1"))
	pushOne(t, e, "f2", "d2", upsertOp("b2", "q2"))

	f1, err := e.Pull(context.Background(), PullRequest{FacilityID: "f1"})
	require.NoError(t, err)
	require.Len(t, f1.Ops, 1)
	assert.Equal(t, "a1", f1.Ops[0].OpID)
	assert.Equal(t, uint64(1), f1.Ops[0].Seq)

	f2, err := e.Pull(context.Background(), PullRequest{FacilityID: "f2"})
	require.NoError(t, err)
	require.Len(t, f2.Ops, 2)
	assert.Equal(t, "b1", f2.Ops[0].OpID)
	assert.Equal(t, uint64(1), f2.Ops[0].Seq)
	assert.Equal(t, uint64(2), f2.Ops[1].Seq)

	// Same opId under a different facility is a distinct operation.
	resp := pushOne(t, e, "f2", "d2", upsertOp("a1", "p1"))
	assert.Equal(t, StatusIngested, resp.Results[0].Status)
}

func TestPushRequestLevelValidation(t *testing.T) {
	e := newTestEngine(t, Options{})

	_, err := e.Push(context.Background(), PushRequest{DeviceID: "d1"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = e.Push(context.Background(), PushRequest{FacilityID: "f1"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRequireRegisteredFacilities(t *testing.T) {
	e := newTestEngine(t, Options{RequireRegisteredFacilities: true})

	_, err := e.Push(context.Background(), PushRequest{
		FacilityID: "f1", DeviceID: "d1", Ops: []Op{upsertOp("a1", "p1")},
	})
	assert.ErrorIs(t, err, ErrFacilityNotFound)

	require.NoError(t, e.RegisterFacility("f1"))
	resp := pushOne(t, e, "f1", "d1", upsertOp("a1", "p1"))
	assert.Equal(t, StatusIngested, resp.Results[0].Status)
}

type failingBackend struct {
	NullBackend
	mu    sync.Mutex
	fail  bool
	calls int
}

func (b *failingBackend) Append(ctx context.Context, facilityID string, records []OpRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.fail {
		return errors.New("disk full")
	}
	return nil
}

func (b *failingBackend) setFail(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = fail
}

func TestStorageFailureIsAllOrNothingAndRetrySafe(t *testing.T) {
	backend := &failingBackend{fail: true}
	e := newTestEngine(t, Options{Backend: backend})

	req := PushRequest{
		FacilityID: "f1",
		DeviceID:   "d1",
		Ops:        []Op{upsertOp("a1", "p1"), upsertOp("a2", "p2")},
	}
	_, err := e.Push(context.Background(), req)
	assert.ErrorIs(t, err, ErrStorage)

	// Nothing was ingested: the facility log is still empty.
	head, err := e.HeadSeq("f1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), head)

	// The identical retry succeeds and assigns fresh, gap-free seqs.
	backend.setFail(false)
	resp, err := e.Push(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusIngested, resp.Results[0].Status)
	assert.Equal(t, StatusIngested, resp.Results[1].Status)

	pull, err := e.Pull(context.Background(), PullRequest{FacilityID: "f1"})
	require.NoError(t, err)
	require.Len(t, pull.Ops, 2)
	assert.Equal(t, uint64(1), pull.Ops[0].Seq)
	assert.Equal(t, uint64(2), pull.Ops[1].Seq)
}

func TestConcurrentPushesStaySequentialPerFacility(t *testing.T) {
	e := newTestEngine(t, Options{})
	const workers = 8
	const perWorker = 20

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			facility := fmt.Sprintf("f%d", worker%2)
			for i := 0; i < perWorker; i++ {
				opID := fmt.Sprintf("w%d-op%d", worker, i)
				_, err := e.Push(context.Background(), PushRequest{
					FacilityID: facility,
					DeviceID:   fmt.Sprintf("d%d", worker),
					Ops:        []Op{upsertOp(opID, "p1")},
				})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	for _, facility := range []string{"f0", "f1"} {
		pull, err := e.Pull(context.Background(), PullRequest{FacilityID: facility})
		require.NoError(t, err)
		require.Len(t, pull.Ops, workers/2*perWorker)
		seenOps := make(map[string]bool)
		for i, rec := range pull.Ops {
			assert.Equal(t, uint64(i)+1, rec.Seq)
			assert.False(t, seenOps[rec.OpID], "opId %s appeared twice", rec.OpID)
			seenOps[rec.OpID] = true
		}
	}
}

func TestEngineRestartRebuildsDedupAndSequences(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir, nil)
	require.NoError(t, err)
	e := newTestEngine(t, Options{Backend: backend})
	pushOne(t, e, "f1", "d1", upsertOp("a1", "p1"))
	pushOne(t, e, "f1", "d1", upsertOp("a2", "p2"))
	require.NoError(t, e.Close())

	backend2, err := NewFileBackend(dir, nil)
	require.NoError(t, err)
	restarted := newTestEngine(t, Options{Backend: backend2})

	// Dedup survives the restart.
	resp := pushOne(t, restarted, "f1", "d1", upsertOp("a1", "p1"))
	assert.Equal(t, StatusDuplicate, resp.Results[0].Status)

	// Sequencing resumes without gaps.
	resp = pushOne(t, restarted, "f1", "d1", upsertOp("a3", "p3"))
	assert.Equal(t, StatusIngested, resp.Results[0].Status)
	pull, err := restarted.Pull(context.Background(), PullRequest{FacilityID: "f1"})
	require.NoError(t, err)
	require.Len(t, pull.Ops, 3)
	assert.Equal(t, uint64(3), pull.Ops[2].Seq)
}

func TestFacilitiesListing(t *testing.T) {
	e := newTestEngine(t, Options{})
	pushOne(t, e, "fb", "d1", upsertOp("b1", "p1"))
	pushOne(t, e, "fa", "d1", upsertOp("a1", "p1"))
	pushOne(t, e, "fa", "d1", upsertOp("a2", "p2"))

	statuses := e.Facilities()
	require.Len(t, statuses, 2)
	assert.Equal(t, "fa", statuses[0].FacilityID)
	assert.Equal(t, uint64(2), statuses[0].LastSeq)
	assert.Equal(t, "fb", statuses[1].FacilityID)
	assert.Equal(t, uint64(1), statuses[1].LastSeq)
}
