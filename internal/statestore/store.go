// Package statestore persists ExecutionState as one JSON document per
// task. Writes are atomic (write-temp-then-rename), so a concurrent
// reader sees either the old record or the new one, never a torn
// document. The executor is the sole writer; Create enforces that by
// refusing to create over a non-terminal record.
package statestore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/foundermode/drover/internal/models"
	"github.com/foundermode/drover/internal/workspace"
)

var (
	// ErrDuplicateActiveTask means a non-terminal record already exists
	// for the id. Surfaced to the caller, never auto-resolved.
	ErrDuplicateActiveTask = errors.New("task already has an active execution")
	// ErrNotFound means no state record exists for the id.
	ErrNotFound = errors.New("task state not found")
	// ErrStateCorrupt means a state file exists but is not parseable.
	ErrStateCorrupt = errors.New("task state file is corrupt")
)

// CreateConfig carries the loop settings fixed at task creation.
type CreateConfig struct {
	MaxIterations    int
	CompletionMarker string
}

type Store struct {
	ws  *workspace.Workspace
	now func() time.Time
}

func New(ws *workspace.Workspace) *Store {
	return &Store{ws: ws, now: time.Now}
}

// Create makes a fresh running record for id. It fails with
// ErrDuplicateActiveTask if a non-terminal record exists, and with
// ErrStateCorrupt if an unreadable one does (caller must intervene
// rather than clobber unknown state). When no record exists the file is
// claimed with O_EXCL, so exactly one of two concurrent Create calls
// succeeds.
func (s *Store) Create(id string, cfg CreateConfig) (*models.ExecutionState, error) {
	if cfg.MaxIterations <= 0 {
		return nil, fmt.Errorf("max iterations must be positive, got %d", cfg.MaxIterations)
	}

	existing, err := s.Load(id)
	switch {
	case err == nil:
		if !existing.Status.Terminal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrDuplicateActiveTask, id, existing.Status)
		}
	case errors.Is(err, ErrNotFound):
		// First execution of this task.
	default:
		return nil, err
	}

	state := &models.ExecutionState{
		ID:               id,
		Status:           models.StatusRunning,
		Iteration:        0,
		MaxIterations:    cfg.MaxIterations,
		CompletionMarker: cfg.CompletionMarker,
		History:          []models.IterationRecord{},
		LastUpdatedAt:    s.now().UTC(),
	}

	if err := s.ws.EnsureTask(id); err != nil {
		return nil, err
	}

	if existing != nil {
		// Re-running a finished task replaces the terminal record, which
		// is the one write allowed to leave a terminal status.
		if err := s.write(state); err != nil {
			return nil, err
		}
		return state, nil
	}

	data, err := marshalState(state)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(s.ws.StatePath(id), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateActiveTask, id)
		}
		return nil, fmt.Errorf("failed to create state file: %w", err)
	}

	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil {
		return nil, fmt.Errorf("failed to write state file: %w", werr)
	}
	if cerr != nil {
		return nil, fmt.Errorf("failed to write state file: %w", cerr)
	}

	return state, nil
}

// Load reads the state record for id.
func (s *Store) Load(id string) (*models.ExecutionState, error) {
	data, err := os.ReadFile(s.ws.StatePath(id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	// A zero-length file is a create still writing its first record,
	// not corruption.
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var state models.ExecutionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStateCorrupt, id, err)
	}
	if state.ID == "" {
		return nil, fmt.Errorf("%w: %s: missing id", ErrStateCorrupt, id)
	}

	return &state, nil
}

// Save writes the full record atomically and stamps LastUpdatedAt. A
// status change must be a legal transition from the persisted record;
// in particular terminal statuses admit no further change.
func (s *Store) Save(state *models.ExecutionState) error {
	existing, err := s.Load(state.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil && existing.Status != state.Status && !existing.Status.CanTransition(state.Status) {
		return fmt.Errorf("illegal status transition for task %s: %s to %s",
			state.ID, existing.Status, state.Status)
	}

	return s.write(state)
}

func (s *Store) write(state *models.ExecutionState) error {
	state.LastUpdatedAt = s.now().UTC()

	data, err := marshalState(state)
	if err != nil {
		return err
	}

	path := s.ws.StatePath(state.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	return nil
}

// AppendIteration records one completed iteration: the history grows by
// one record and the iteration counter advances with it, keeping
// len(history) == iteration on every observable save.
func (s *Store) AppendIteration(id string, rec models.IterationRecord) (*models.ExecutionState, error) {
	state, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	if state.Status.Terminal() {
		return nil, fmt.Errorf("cannot append iteration to %s task %s", state.Status, id)
	}

	state.Iteration++
	rec.Iteration = state.Iteration
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now().UTC()
	}
	state.History = append(state.History, rec)

	if err := s.Save(state); err != nil {
		return nil, err
	}
	return state, nil
}

func marshalState(state *models.ExecutionState) ([]byte, error) {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return append(data, '\n'), nil
}
