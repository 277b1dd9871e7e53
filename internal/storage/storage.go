// Package storage provides SQLite-backed persistence for segments, trained
// fold ensembles and candidates. Numeric arrays are stored as
// zstd-compressed little-endian blobs.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"
)

// ErrNotFound reports a missing run.
var ErrNotFound = errors.New("not found")

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Run holds the global attributes of one trained ensemble. Config is the
// JSON encoding of the pipeline configuration that produced it.
type Run struct {
	ID            string
	CreatedAt     time.Time
	HalfWidth     int
	Seed          uint64
	Normalization string
	// Segments fingerprints the eligible segments the run was trained on.
	Segments string
	Config   json.RawMessage
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/peerless/peerless.db.
func New(dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "peerless", "peerless.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithZeroFrames(true))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s := &Storage{db: db, enc: enc, dec: dec}
	if err := s.createTables(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Use opens the database at dbPath, runs fn and always closes it.
func Use(dbPath string, fn func(*Storage) error) (err error) {
	s, err := New(dbPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close database: %w", cerr)
		}
	}()
	return fn(s)
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	s.dec.Close()
	if err := s.enc.Close(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id            TEXT PRIMARY KEY,
			created_at    INTEGER NOT NULL,
			half_width    INTEGER NOT NULL,
			seed          INTEGER NOT NULL,
			normalization TEXT NOT NULL,
			segments      TEXT NOT NULL DEFAULT '',
			config        TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS folds (
			run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			split      INTEGER NOT NULL,
			classifier BLOB NOT NULL,
			PRIMARY KEY (run_id, split)
		)`,
		`CREATE TABLE IF NOT EXISTS validations (
			run_id      TEXT NOT NULL,
			split       INTEGER NOT NULL,
			fold        INTEGER NOT NULL,
			threshold   REAL NOT NULL,
			prec_req    REAL NOT NULL,
			auc         REAL NOT NULL,
			curve       BLOB NOT NULL,
			predictions BLOB NOT NULL,
			labels      BLOB NOT NULL,
			PRIMARY KEY (run_id, split, fold),
			FOREIGN KEY (run_id, split) REFERENCES folds(run_id, split) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS tests (
			run_id   TEXT NOT NULL,
			split    INTEGER NOT NULL,
			fold     INTEGER NOT NULL,
			sect_ids BLOB NOT NULL,
			times    BLOB NOT NULL,
			probs    BLOB NOT NULL,
			PRIMARY KEY (run_id, split, fold),
			FOREIGN KEY (run_id, split) REFERENCES folds(run_id, split) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS segments (
			id       INTEGER PRIMARY KEY,
			channel  INTEGER NOT NULL,
			skygroup INTEGER NOT NULL,
			module   INTEGER NOT NULL,
			output   INTEGER NOT NULL,
			quarter  INTEGER NOT NULL,
			season   INTEGER NOT NULL,
			flux_err REAL NOT NULL,
			texp     REAL NOT NULL,
			time     BLOB NOT NULL,
			flux     BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS candidates (
			id              TEXT PRIMARY KEY,
			run_id          TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			time            REAL NOT NULL,
			num_points      INTEGER NOT NULL,
			sect_id         INTEGER NOT NULL,
			mean_factor     REAL NOT NULL,
			factors         BLOB NOT NULL,
			meta            TEXT NOT NULL,
			nn_sect_id      INTEGER NOT NULL,
			nn_ntt          INTEGER NOT NULL,
			nn_transit_time REAL,
			nn_q1           REAL,
			nn_q2           REAL,
			nn_period       REAL,
			nn_t0           REAL,
			nn_rp           REAL,
			nn_b            REAL,
			nn_e            REAL,
			nn_pomega       REAL,
			nn_meta         TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_candidates_run_time ON candidates(run_id, time)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return s.addRunSegments()
}

// addRunSegments adds runs.segments to databases created before it existed.
// Such runs keep an empty fingerprint and cannot be restored.
func (s *Storage) addRunSegments() error {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('runs') WHERE name = 'segments'`).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to inspect runs table: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.db.Exec(`ALTER TABLE runs ADD COLUMN segments TEXT NOT NULL DEFAULT ''`); err != nil {
		return fmt.Errorf("failed to add runs.segments: %w", err)
	}
	return nil
}
