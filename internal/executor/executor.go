// Package executor runs a task to completion or exhaustion: it invokes
// the backend once per iteration, appends all output to the task log,
// and persists progress through the state store after every iteration.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foundermode/drover/internal/history"
	"github.com/foundermode/drover/internal/models"
	"github.com/foundermode/drover/internal/statestore"
	"github.com/foundermode/drover/internal/workspace"
)

// ErrTaskFinished means Resume was asked to continue a task whose state
// is already terminal.
var ErrTaskFinished = errors.New("task already finished")

// Task is the externally supplied execution request. Nothing here is
// read from ambient state inside the loop.
type Task struct {
	ID               string
	Prompt           string
	WorkDir          string
	MaxIterations    int
	CompletionMarker string
}

type Executor struct {
	store   *statestore.Store
	ws      *workspace.Workspace
	hist    *history.Store // optional
	backend Backend
	now     func() time.Time
}

// New wires an executor. hist may be nil when no history index is kept.
func New(store *statestore.Store, ws *workspace.Workspace, hist *history.Store, backend Backend) *Executor {
	return &Executor{
		store:   store,
		ws:      ws,
		hist:    hist,
		backend: backend,
		now:     time.Now,
	}
}

// Start creates a fresh state record for the task and runs the
// iteration loop. It fails with statestore.ErrDuplicateActiveTask if
// the task is already in flight.
func (e *Executor) Start(ctx context.Context, task Task) (*models.ExecutionState, error) {
	state, err := e.store.Create(task.ID, statestore.CreateConfig{
		MaxIterations:    task.MaxIterations,
		CompletionMarker: task.CompletionMarker,
	})
	if err != nil {
		return nil, err
	}

	return e.runLoop(ctx, task, state)
}

// Resume continues a previously interrupted task from its recorded
// iteration. Terminal tasks are refused; corrupt state is fatal and
// requires caller intervention.
func (e *Executor) Resume(ctx context.Context, task Task) (*models.ExecutionState, error) {
	state, err := e.store.Load(task.ID)
	if err != nil {
		return nil, err
	}
	if state.Status.Terminal() {
		return state, fmt.Errorf("%w: %s is %s", ErrTaskFinished, task.ID, state.Status)
	}

	if state.Status == models.StatusPending {
		state.Status = models.StatusRunning
	}

	// The loop settings recorded at creation are authoritative on resume.
	task.MaxIterations = state.MaxIterations
	task.CompletionMarker = state.CompletionMarker

	return e.runLoop(ctx, task, state)
}

func (e *Executor) runLoop(ctx context.Context, task Task, state *models.ExecutionState) (*models.ExecutionState, error) {
	logPath := e.ws.LogPath(task.ID)

	// Append across resumes; never truncate.
	logFile, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return state, fmt.Errorf("failed to open task log: %w", err)
	}
	defer logFile.Close()

	inv := &models.Invocation{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		Status:    models.StatusRunning,
		WorkDir:   task.WorkDir,
		LogPath:   logPath,
		StartedAt: e.now().UTC(),
	}

	for !state.Status.Terminal() {
		// Cancellation is honored only between iterations; the state is
		// left running so a later Resume can pick up where we stopped.
		select {
		case <-ctx.Done():
			inv.Iterations = state.Iteration
			return state, ctx.Err()
		default:
		}

		offset, err := logSize(logPath)
		if err != nil {
			return state, err
		}

		result, runErr := e.backend.Run(ctx, Request{
			Prompt:  task.Prompt,
			WorkDir: task.WorkDir,
			Log:     logFile,
		})
		if runErr != nil {
			fmt.Fprintf(logFile, "drover: %v\n", runErr)
			state.Status = models.StatusFailed
			state.FailureReason = models.RetryReasonLaunchError
			if err := e.store.Save(state); err != nil {
				return state, err
			}
			e.record(inv, state)
			return state, runErr
		}

		appended, err := readFrom(logPath, offset)
		if err != nil {
			return state, err
		}

		e.advance(state, result, appended)

		if err := e.store.Save(state); err != nil {
			return state, err
		}
	}

	e.record(inv, state)
	return state, nil
}

// advance applies one finished iteration to the in-memory state:
// history, counter, next steps, and any terminal transition. The caller
// saves exactly once afterwards, so each iteration is one state write.
func (e *Executor) advance(state *models.ExecutionState, result Result, appended string) {
	markerFound := state.CompletionMarker != "" && strings.Contains(appended, state.CompletionMarker)

	state.Iteration++
	rec := models.IterationRecord{
		Iteration: state.Iteration,
		ExitCode:  result.ExitCode,
		Timestamp: e.now().UTC(),
	}

	exhausted := state.Iteration >= state.MaxIterations

	switch {
	case markerFound:
		state.Status = models.StatusCompleted
	case result.ExitCode != 0:
		rec.RetryReason = models.RetryReasonNonzeroExit
		if exhausted {
			state.Status = models.StatusFailed
		}
	case state.CompletionMarker == "":
		// Single-shot semantics: without a marker a clean exit is done.
		state.Status = models.StatusCompleted
	case exhausted:
		state.Status = models.StatusTimeout
	}

	state.History = append(state.History, rec)
	state.SuggestedNextSteps = mergeNextSteps(state.SuggestedNextSteps, statestore.ExtractNextSteps(appended))
}

func (e *Executor) record(inv *models.Invocation, state *models.ExecutionState) {
	if e.hist == nil {
		return
	}
	finished := e.now().UTC()
	inv.Status = state.Status
	inv.Iterations = state.Iteration
	inv.FinishedAt = &finished
	// History is an index, not the authoritative record; a failure to
	// write it must not mask the task outcome.
	_ = e.hist.Record(inv)
}

func mergeNextSteps(existing, extracted []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, step := range existing {
		seen[step] = struct{}{}
	}
	for _, step := range extracted {
		if len(existing) >= models.MaxStoredNextSteps {
			break
		}
		if _, dup := seen[step]; dup {
			continue
		}
		seen[step] = struct{}{}
		existing = append(existing, step)
	}
	return existing
}

func logSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to stat task log: %w", err)
	}
	return info.Size(), nil
}

// readFrom returns log content appended after the given offset.
func readFrom(path string, offset int64) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read task log: %w", err)
	}
	if offset >= int64(len(data)) {
		return "", nil
	}
	return string(data[offset:]), nil
}
