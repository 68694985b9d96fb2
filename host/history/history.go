// Package history keeps a SQLite record of operations and the positions
// they finished at.
package history

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"stringdriver/host/operation"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the history database
type Store struct {
	db *sql.DB
}

// Sample is the position of one axis when an operation ended
type Sample struct {
	OperationID uuid.UUID
	Axis        int
	Position    int32
	Recorded    time.Time
}

// Open opens or creates the database at path and brings its schema up to
// date. ":memory:" gives a private in-memory store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps an in-memory database alive and serialises writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: that would close the shared *sql.DB
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Version returns the applied schema version
func (s *Store) Version() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	return m, nil
}

// migrateLogger implements migrate.Logger
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// Record upserts an operation. A terminal operation also stores its last
// positions as samples.
func (s *Store) Record(op operation.Operation) error {
	axes, err := json.Marshal(nonNil(op.Axes))
	if err != nil {
		return err
	}
	channels, err := json.Marshal(nonNil(op.Channels))
	if err != nil {
		return err
	}
	var finished sql.NullInt64
	if !op.Finished.IsZero() {
		finished = sql.NullInt64{Int64: op.Finished.UnixNano(), Valid: true}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO operations (id, kind, axes, channels, state, iterations, budget, reason, started_ns, finished_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			iterations = excluded.iterations,
			reason = excluded.reason,
			finished_ns = excluded.finished_ns`,
		op.ID.String(), string(op.Kind), string(axes), string(channels), string(op.State),
		op.Iterations, op.Budget, op.Reason, op.Started.UnixNano(), finished)
	if err != nil {
		return fmt.Errorf("failed to record operation %s: %w", op.ID, err)
	}

	if op.Terminal() {
		for axis, pos := range op.LastPositions {
			_, err := tx.Exec(`
				INSERT OR REPLACE INTO position_samples (operation_id, axis, position, recorded_ns)
				VALUES (?, ?, ?, ?)`,
				op.ID.String(), axis, pos, op.Finished.UnixNano())
			if err != nil {
				return fmt.Errorf("failed to record positions of %s: %w", op.ID, err)
			}
		}
	}
	return tx.Commit()
}

func nonNil(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}

// List returns the most recent operations, newest first. limit <= 0 returns
// all of them.
func (s *Store) List(limit int) ([]operation.Operation, error) {
	query := `
		SELECT id, kind, axes, channels, state, iterations, budget, reason, started_ns, finished_ns
		FROM operations ORDER BY started_ns DESC, rowid DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(query+" LIMIT ?", limit)
	} else {
		rows, err = s.db.Query(query)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []operation.Operation
	for rows.Next() {
		var (
			op              operation.Operation
			id, kind, state string
			axes, channels  string
			started         int64
			finished        sql.NullInt64
		)
		if err := rows.Scan(&id, &kind, &axes, &channels, &state, &op.Iterations, &op.Budget, &op.Reason, &started, &finished); err != nil {
			return nil, err
		}
		if op.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("bad operation id %q: %w", id, err)
		}
		if err := json.Unmarshal([]byte(axes), &op.Axes); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(channels), &op.Channels); err != nil {
			return nil, err
		}
		op.Kind = operation.Kind(kind)
		op.State = operation.State(state)
		op.Started = time.Unix(0, started)
		if finished.Valid {
			op.Finished = time.Unix(0, finished.Int64)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range ops {
		samples, err := s.Samples(ops[i].ID)
		if err != nil {
			return nil, err
		}
		if len(samples) > 0 {
			ops[i].LastPositions = make([]int32, len(samples))
			for _, sm := range samples {
				if sm.Axis < len(samples) {
					ops[i].LastPositions[sm.Axis] = sm.Position
				}
			}
		}
	}
	return ops, nil
}

// Samples returns the positions stored for an operation in axis order
func (s *Store) Samples(id uuid.UUID) ([]Sample, error) {
	rows, err := s.db.Query(`
		SELECT axis, position, recorded_ns FROM position_samples
		WHERE operation_id = ? ORDER BY axis`, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		sm := Sample{OperationID: id}
		var recorded int64
		if err := rows.Scan(&sm.Axis, &sm.Position, &recorded); err != nil {
			return nil, err
		}
		sm.Recorded = time.Unix(0, recorded)
		out = append(out, sm)
	}
	return out, rows.Err()
}
