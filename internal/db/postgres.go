package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists engine snapshots at session boundaries. The
// engine core never touches I/O mid-step; the server calls Save/Load
// explicitly on the session save/restore endpoints.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("Successfully connected to PostgreSQL for snapshot persistence")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema creates the snapshot table if it does not exist.
func (s *PostgresStore) InitSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS engine_snapshots (
			name       TEXT PRIMARY KEY,
			version    INT NOT NULL,
			step       BIGINT NOT NULL,
			payload    JSONB NOT NULL,
			saved_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_engine_snapshots_saved_at
			ON engine_snapshots (saved_at DESC);
	`
	if _, err := s.pool.Exec(context.Background(), schema); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}

	log.Println("Engine snapshot schema initialized")
	return nil
}

// SaveSnapshot upserts a named snapshot payload.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, name string, version int, step int64, payload []byte) error {
	sql := `
		INSERT INTO engine_snapshots (name, version, step, payload, saved_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (name) DO UPDATE
		SET version = EXCLUDED.version, step = EXCLUDED.step,
		    payload = EXCLUDED.payload, saved_at = NOW();
	`
	if _, err := s.pool.Exec(ctx, sql, name, version, step, payload); err != nil {
		return fmt.Errorf("failed to save snapshot %q: %v", name, err)
	}
	return nil
}

// LoadSnapshot fetches a named snapshot payload.
func (s *PostgresStore) LoadSnapshot(ctx context.Context, name string) ([]byte, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM engine_snapshots WHERE name = $1`, name).Scan(&payload)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %q: %v", name, err)
	}
	return payload, nil
}

// SnapshotInfo describes one saved snapshot.
type SnapshotInfo struct {
	Name    string    `json:"name"`
	Version int       `json:"version"`
	Step    int64     `json:"step"`
	SavedAt time.Time `json:"savedAt"`
}

// ListSnapshots returns saved snapshots, newest first.
func (s *PostgresStore) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, version, step, saved_at
		FROM engine_snapshots
		ORDER BY saved_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshots := []SnapshotInfo{}
	for rows.Next() {
		var info SnapshotInfo
		if err := rows.Scan(&info.Name, &info.Version, &info.Step, &info.SavedAt); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, info)
	}
	return snapshots, rows.Err()
}

// VersionOf reports the format version a payload claims, without a full
// restore. Useful as a pre-flight check before loading.
func VersionOf(payload []byte) int {
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return 0
	}
	return probe.Version
}

// GetPool exposes the connection pool for auxiliary subsystems.
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}
