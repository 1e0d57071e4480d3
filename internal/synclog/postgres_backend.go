package synclog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresOpsTableName     = "sync_ops"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores the operation log in a shared Postgres, one row
// per record. The per-facility critical section lives in the engine, so
// appends only need a plain transaction; the composite primary key and the
// unique (facility_id, op_id) index back up the in-memory invariants.
type PostgresBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres dsn is required", ErrInvalidInput)
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: postgresOpsTableName,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresBackend) Load(ctx context.Context) (map[string][]OpRecord, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT facility_id, seq, op_id, device_id, entity_type, entity_id,
		       op_type, data, client_created_at, server_created_at
		FROM %s
		ORDER BY facility_id, seq`, postgresQuoteIdentifier(b.tableName))
	rows, err := b.db.QueryContext(ctx, query)
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

func (b *PostgresBackend) Append(ctx context.Context, facilityID string, records []OpRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

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

	insert := fmt.Sprintf(`
		INSERT INTO %s
		(facility_id, seq, op_id, device_id, entity_type, entity_id,
		 op_type, data, client_created_at, server_created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, postgresQuoteIdentifier(b.tableName))
	for _, rec := range records {
		var data any
		if hasData(rec.Data) {
			data = string(rec.Data)
		}
		if _, err := tx.ExecContext(ctx, insert,
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

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		table := postgresQuoteIdentifier(b.tableName)
		createTable := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				facility_id       TEXT   NOT NULL,
				seq               BIGINT NOT NULL,
				op_id             TEXT   NOT NULL,
				device_id         TEXT   NOT NULL,
				entity_type       TEXT   NOT NULL,
				entity_id         TEXT   NOT NULL,
				op_type           TEXT   NOT NULL,
				data              TEXT,
				client_created_at TEXT   NOT NULL DEFAULT '',
				server_created_at TEXT   NOT NULL,
				PRIMARY KEY (facility_id, seq)
			)`, table)
		if _, err := db.ExecContext(ctx, createTable); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		createIndex := fmt.Sprintf(
			"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (facility_id, op_id)",
			postgresQuoteIdentifier(b.tableName+"_facility_op_id_idx"),
			table,
		)
		if _, err := db.ExecContext(ctx, createIndex); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
