// Package jobstore records viewpoint-pair jobs and their state transitions in
// a SQLite ledger so an operator can see what failed and re-run one stage.
package jobstore

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"slscan/internal/models"
)

// ErrNotFound is returned when no job has the requested ID.
var ErrNotFound = errors.New("job not found")

// ErrBadTransition is returned when a state change breaks the job state machine.
var ErrBadTransition = errors.New("invalid job transition")

// schema.sql holds the job and job event tables.
//
//go:embed schema.sql
var schemaSQL string

// Store is the job ledger.
type Store struct {
	*sql.DB
}

// Job is one viewpoint-pair job as recorded in the ledger.
type Job struct {
	ID        string
	Pair      models.PairKey
	State     models.State
	Cause     string // why the job failed
	Detail    string // summary written by the last successful stage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Event is one recorded state change.
type Event struct {
	From, To  models.State
	Message   string
	Timestamp time.Time
}

// Open creates or opens the ledger at path. ":memory:" gives a private
// in-memory ledger.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Batch workers share one connection; SQLite serialises writers anyway.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialise job schema: %w", err)
	}
	return &Store{db}, nil
}

// Create records a new pending job for pair.
func (s *Store) Create(pair models.PairKey) (*Job, error) {
	id := uuid.NewString()
	_, err := s.Exec(`
		INSERT INTO jobs (id, projector, left_position, right_position, state)
		VALUES (?, ?, ?, ?, ?)
	`, id, pair.Projector, pair.Left, pair.Right, string(models.Pending))
	if err != nil {
		return nil, fmt.Errorf("failed to create job for %s: %w", pair, err)
	}
	return s.Get(id)
}

// Transition moves job id to state to and stores detail as the stage summary.
func (s *Store) Transition(id string, to models.State, detail string) error {
	return s.change(id, to, "", detail)
}

// Fail moves job id to Failed with cause.
func (s *Store) Fail(id string, cause error) error {
	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}
	return s.change(id, models.Failed, msg, "")
}

func (s *Store) change(id string, to models.State, cause, detail string) error {
	tx, err := s.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var from string
	err = tx.QueryRow(`SELECT state FROM jobs WHERE id = ?`, id).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read job %s: %w", id, err)
	}
	allowed := models.CanTransition(models.State(from), to)
	if models.State(from) == models.Failed && to != models.Failed {
		progress, err := lastReached(tx, id)
		if err != nil {
			return err
		}
		if allowed = models.Resume(progress, to); !allowed {
			return fmt.Errorf("%w: job %s failed after %s and cannot resume at %s", ErrBadTransition, id, progress, to)
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s for job %s", ErrBadTransition, from, to, id)
	}

	message := detail
	if to == models.Failed {
		message = cause
		_, err = tx.Exec(`
			UPDATE jobs SET state = ?, cause = ?, updated_at = UNIXEPOCH('subsec')
			WHERE id = ?
		`, string(to), cause, id)
	} else {
		_, err = tx.Exec(`
			UPDATE jobs SET state = ?, cause = '', detail = ?, updated_at = UNIXEPOCH('subsec')
			WHERE id = ?
		`, string(to), detail, id)
	}
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", id, err)
	}

	if _, err := tx.Exec(`
		INSERT INTO job_events (job_id, from_state, to_state, message)
		VALUES (?, ?, ?, ?)
	`, id, from, string(to), message); err != nil {
		return fmt.Errorf("failed to record event for job %s: %w", id, err)
	}
	return tx.Commit()
}

type queryRower interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

// lastReached returns the last successful state job id recorded, Pending when
// it never completed a stage.
func lastReached(q queryRower, id string) (models.State, error) {
	var state string
	err := q.QueryRow(`
		SELECT to_state FROM job_events
		WHERE job_id = ? AND to_state != ?
		ORDER BY id DESC
		LIMIT 1
	`, id, string(models.Failed)).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Pending, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read progress of job %s: %w", id, err)
	}
	return models.State(state), nil
}

// Progress returns the last state job id completed successfully. For a
// failed job this is where it stood when it failed.
func (s *Store) Progress(id string) (models.State, error) {
	if _, err := s.Get(id); err != nil {
		return "", err
	}
	return lastReached(s.DB, id)
}

const jobColumns = `id, projector, left_position, right_position, state, cause, detail, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*Job, error) {
	var j Job
	var state string
	var created, updated float64
	if err := row.Scan(&j.ID, &j.Pair.Projector, &j.Pair.Left, &j.Pair.Right,
		&state, &j.Cause, &j.Detail, &created, &updated); err != nil {
		return nil, err
	}
	j.State = models.State(state)
	j.CreatedAt = unixTime(created)
	j.UpdatedAt = unixTime(updated)
	return &j, nil
}

func unixTime(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9))
}

// Get returns job id.
func (s *Store) Get(id string) (*Job, error) {
	j, err := scanJob(s.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", id, err)
	}
	return j, nil
}

// Latest returns the most recently created job for pair.
func (s *Store) Latest(pair models.PairKey) (*Job, error) {
	j, err := scanJob(s.QueryRow(`
		SELECT `+jobColumns+` FROM jobs
		WHERE projector = ? AND left_position = ? AND right_position = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, pair.Projector, pair.Left, pair.Right))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, pair)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job for %s: %w", pair, err)
	}
	return j, nil
}

// List returns every job in creation order.
func (s *Store) List() ([]*Job, error) {
	rows, err := s.Query(`SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Events returns the state changes of job id, oldest first.
func (s *Store) Events(id string) ([]Event, error) {
	rows, err := s.Query(`
		SELECT from_state, to_state, message, timestamp FROM job_events
		WHERE job_id = ? ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for job %s: %w", id, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var from, to string
		var ts float64
		if err := rows.Scan(&from, &to, &e.Message, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.From, e.To = models.State(from), models.State(to)
		e.Timestamp = unixTime(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}
