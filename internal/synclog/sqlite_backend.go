package synclog

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var sqliteSchemaSQL string

// SQLiteBackend is the embedded single-node store: one database file, WAL
// mode for concurrent reads during appends, a single writer connection to
// avoid SQLITE_BUSY churn. Suited to an on-premise facility server.
type SQLiteBackend struct {
	db *sql.DB
}

func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", ErrInvalidInput)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect sqlite database: %w", err)
	}
	// SQLite supports one writer at a time; keep a single connection ready.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Load(ctx context.Context) (map[string][]OpRecord, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT facility_id, seq, op_id, device_id, entity_type, entity_id,
		       op_type, data, client_created_at, server_created_at
		FROM sync_ops
		ORDER BY facility_id, seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make(map[string][]OpRecord)
	for rows.Next() {
		var (
			facilityID string
			rec        OpRecord
			data       sql.NullString
		)
		if err := rows.Scan(&facilityID, &rec.Seq, &rec.OpID, &rec.DeviceID, &rec.EntityType,
			&rec.EntityID, &rec.OpType, &data, &rec.ClientCreatedAt, &rec.ServerCreatedAt); err != nil {
			return nil, err
		}
		if data.Valid {
			rec.Data = json.RawMessage(data.String)
		}
		logs[facilityID] = append(logs[facilityID], rec)
	}
	return logs, rows.Err()
}

func (b *SQLiteBackend) Append(ctx context.Context, facilityID string, records []OpRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, rec := range records {
		var data any
		if hasData(rec.Data) {
			data = string(rec.Data)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_ops
			(facility_id, seq, op_id, device_id, entity_type, entity_id,
			 op_type, data, client_created_at, server_created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			facilityID, rec.Seq, rec.OpID, rec.DeviceID, rec.EntityType,
			rec.EntityID, rec.OpType, data, rec.ClientCreatedAt, rec.ServerCreatedAt,
		); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
