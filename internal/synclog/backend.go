package synclog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Backend is the durable half of the operation log. Append must be atomic
// per call for transactional stores; the file backend approximates this
// with a single write plus torn-tail recovery on load. Load returns every
// facility's records in ascending seq order.
type Backend interface {
	Load(ctx context.Context) (map[string][]OpRecord, error)
	Append(ctx context.Context, facilityID string, records []OpRecord) error
	Close() error
}

// NullBackend keeps nothing. Used for tests and ephemeral deployments.
type NullBackend struct{}

func (NullBackend) Load(context.Context) (map[string][]OpRecord, error) { return nil, nil }

func (NullBackend) Append(context.Context, string, []OpRecord) error { return nil }

func (NullBackend) Close() error { return nil }

const fileBackendSuffix = ".ndjson"

// FileBackend stores one append-only NDJSON file per facility under a
// directory. Each committed record is one line; a torn trailing line (crash
// mid-write) is truncated away on load. Records whose seq is at or below
// the already-loaded position are skipped: they are re-appends from a batch
// whose success response was lost, and the retry contract makes them exact
// copies of what preceded them.
type FileBackend struct {
	dir    string
	logger *slog.Logger
}

func NewFileBackend(dir string, logger *slog.Logger) (*FileBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("%w: directory is required", ErrInvalidInput)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileBackend{dir: dir, logger: logger}, nil
}

func (b *FileBackend) Load(ctx context.Context) (map[string][]OpRecord, error) {
	_ = ctx
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	logs := make(map[string][]OpRecord)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileBackendSuffix) {
			continue
		}
		facilityID, err := url.PathUnescape(strings.TrimSuffix(name, fileBackendSuffix))
		if err != nil || facilityID == "" {
			b.logger.Warn("skipping unrecognized log file", "file", name)
			continue
		}
		records, err := b.loadFacilityFile(filepath.Join(b.dir, name), facilityID)
		if err != nil {
			return nil, err
		}
		logs[facilityID] = records
	}
	return logs, nil
}

func (b *FileBackend) loadFacilityFile(path, facilityID string) ([]OpRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var (
		records    []OpRecord
		goodOffset int64
		offset     int64
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		offset += int64(len(line)) + 1
		if len(line) == 0 {
			goodOffset = offset
			continue
		}
		var rec OpRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// Torn tail from a crash mid-append: drop it and everything after.
			b.logger.Warn("truncating torn tail", "facility", facilityID, "offset", goodOffset)
			return records, truncateAt(path, goodOffset)
		}
		expected := uint64(len(records)) + 1
		switch {
		case rec.Seq == expected:
			records = append(records, rec)
		case rec.Seq < expected:
			// Re-appended batch after a lost success response; already have it.
		default:
			return nil, fmt.Errorf("%w: facility %s jumps from seq %d to %d", ErrCorruptLog, facilityID, expected-1, rec.Seq)
		}
		goodOffset = offset
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (b *FileBackend) Append(ctx context.Context, facilityID string, records []OpRecord) error {
	_ = ctx
	if len(records) == 0 {
		return nil
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
	file, err := os.OpenFile(b.facilityPath(facilityID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := file.Write(buf); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func (b *FileBackend) Close() error { return nil }

func (b *FileBackend) facilityPath(facilityID string) string {
	return filepath.Join(b.dir, url.PathEscape(facilityID)+fileBackendSuffix)
}

func truncateAt(path string, offset int64) error {
	return os.Truncate(path, offset)
}

// BuildBackendFromDSN selects a backend from a DSN-style string:
// memory://, file://<dir>, sqlite://<path> or a postgres:// connection
// string. A bare path is treated as a directory for the file backend.
func BuildBackendFromDSN(dsn string, logger *slog.Logger) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: backend dsn is required", ErrInvalidInput)
	}
	scheme := ""
	if idx := strings.Index(dsn, "://"); idx >= 0 {
		scheme = strings.ToLower(dsn[:idx])
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NullBackend{}, nil
	case "", "file":
		return NewFileBackend(strings.TrimPrefix(dsn, "file://"), logger)
	case "sqlite", "sqlite3":
		path := strings.TrimPrefix(strings.TrimPrefix(dsn, scheme), "://")
		return NewSQLiteBackend(path)
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme %q", ErrInvalidInput, scheme)
	}
}
