package synclog

import (
	"encoding/json"
	"errors"
)

var (
	ErrFacilityNotFound       = errors.New("facility not found")
	ErrInvalidInput           = errors.New("invalid input")
	ErrInvalidCursor          = errors.New("invalid cursor")
	ErrCursorFacilityMismatch = errors.New("cursor facility mismatch")
	ErrStorage                = errors.New("storage failure")
	ErrCorruptLog             = errors.New("corrupt operation log")
)

const (
	OpTypeUpsert = "upsert"
	OpTypeDelete = "delete"
)

const (
	StatusIngested  = "ingested"
	StatusDuplicate = "duplicate"
	StatusRejected  = "rejected"
)

// Op is a candidate operation as submitted by a device. The engine treats
// entityType, entityId and data as opaque; opType is checked against the
// known set but never interpreted.
type Op struct {
	OpID            string          `json:"opId"`
	EntityType      string          `json:"entityType"`
	EntityID        string          `json:"entityId"`
	OpType          string          `json:"opType"`
	Data            json.RawMessage `json:"data,omitempty"`
	ClientCreatedAt string          `json:"clientCreatedAt"`
}

// OpRecord is an ingested operation. Seq is assigned exactly once at
// ingestion and records are immutable thereafter.
type OpRecord struct {
	Seq             uint64          `json:"seq"`
	OpID            string          `json:"opId"`
	DeviceID        string          `json:"deviceId"`
	EntityType      string          `json:"entityType"`
	EntityID        string          `json:"entityId"`
	OpType          string          `json:"opType"`
	Data            json.RawMessage `json:"data"`
	ClientCreatedAt string          `json:"clientCreatedAt"`
	ServerCreatedAt string          `json:"serverCreatedAt"`
}

type PushRequest struct {
	FacilityID string `json:"facilityId"`
	DeviceID   string `json:"deviceId"`
	Ops        []Op   `json:"ops"`
}

// PushResult reports the outcome for a single submitted op. Error is set
// only for rejected entries.
type PushResult struct {
	OpID   string     `json:"opId"`
	Status string     `json:"status"`
	Error  *ErrorBody `json:"error,omitempty"`
}

type PushResponse struct {
	ServerTime string       `json:"serverTime"`
	Results    []PushResult `json:"results"`
}

type PullRequest struct {
	FacilityID string  `json:"facilityId"`
	Cursor     *string `json:"cursor,omitempty"`
	Limit      *int    `json:"limit,omitempty"`
}

type PullResponse struct {
	ServerTime string     `json:"serverTime"`
	Cursor     *string    `json:"cursor"`
	HasMore    bool       `json:"hasMore"`
	Ops        []OpRecord `json:"ops"`
}

// ErrorBody is the wire shape for request-level failures and for inline
// per-op rejections.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FacilityStatus is the admin view of one facility's log.
type FacilityStatus struct {
	FacilityID string `json:"facilityId"`
	LastSeq    uint64 `json:"lastSeq"`
	Ops        int    `json:"ops"`
}

// Notification is the nudge published after a committed push. Origin
// identifies the producing engine instance so cross-instance fanout can
// drop echoes of its own messages.
type Notification struct {
	FacilityID string `json:"facilityId"`
	Seq        uint64 `json:"seq"`
	Origin     string `json:"origin,omitempty"`
}
