package executor

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundermode/drover/internal/models"
	"github.com/foundermode/drover/internal/statestore"
	"github.com/foundermode/drover/internal/workspace"
)

// step scripts one backend invocation. The last step repeats if the
// executor keeps iterating.
type step struct {
	output string
	exit   int
	err    error
	after  func()
}

type fakeBackend struct {
	steps []step
	calls int
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Run(ctx context.Context, req Request) (Result, error) {
	i := f.calls
	f.calls++
	if i >= len(f.steps) {
		i = len(f.steps) - 1
	}
	st := f.steps[i]

	if st.err != nil {
		return Result{}, st.err
	}
	if _, err := io.WriteString(req.Log, st.output); err != nil {
		return Result{}, err
	}
	if st.after != nil {
		st.after()
	}
	return Result{ExitCode: st.exit}, nil
}

func newTestExecutor(t *testing.T, backend Backend) (*Executor, *statestore.Store, *workspace.Workspace) {
	t.Helper()
	ws := workspace.New(filepath.Join(t.TempDir(), "tasks"))
	store := statestore.New(ws)
	return New(store, ws, nil, backend), store, ws
}

func task(id string, cap int, marker string) Task {
	return Task{
		ID:               id,
		Prompt:           "do the thing",
		MaxIterations:    cap,
		CompletionMarker: marker,
	}
}

func TestStartCompletesOnMarker(t *testing.T) {
	backend := &fakeBackend{steps: []step{
		{output: "all done\nTASK COMPLETE\n", exit: 0},
	}}
	exec, _, _ := newTestExecutor(t, backend)

	state, err := exec.Start(context.Background(), task("t1", 5, "TASK COMPLETE"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, state.Status)
	assert.Equal(t, 1, state.Iteration)
	assert.Equal(t, 1, backend.calls)
	require.Len(t, state.History, 1)
	assert.Equal(t, 0, state.History[0].ExitCode)
}

func TestMarkerOnLaterIteration(t *testing.T) {
	backend := &fakeBackend{steps: []step{
		{output: "still working\n", exit: 0},
		{output: "TASK COMPLETE\n", exit: 0},
	}}
	exec, _, _ := newTestExecutor(t, backend)

	state, err := exec.Start(context.Background(), task("t2", 5, "TASK COMPLETE"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, state.Status)
	assert.Equal(t, 2, state.Iteration)
	assert.Len(t, state.History, 2)
}

func TestIgnoresMarkerFromEarlierRun(t *testing.T) {
	backend := &fakeBackend{steps: []step{
		{output: "no progress\n", exit: 0},
	}}
	exec, _, ws := newTestExecutor(t, backend)

	// Stale marker left in the log by a previous invocation must not
	// complete the new one; only freshly appended bytes are scanned.
	require.NoError(t, ws.EnsureTask("t3"))
	require.NoError(t, os.WriteFile(ws.LogPath("t3"), []byte("TASK COMPLETE\n"), 0644))

	state, err := exec.Start(context.Background(), task("t3", 2, "TASK COMPLETE"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusTimeout, state.Status)
	assert.Equal(t, 2, state.Iteration)
}

func TestTimeoutAtCap(t *testing.T) {
	backend := &fakeBackend{steps: []step{
		{output: "chipping away\n", exit: 0},
	}}
	exec, _, _ := newTestExecutor(t, backend)

	state, err := exec.Start(context.Background(), task("t4", 3, "NEVER PRINTED"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusTimeout, state.Status)
	assert.Equal(t, 3, state.Iteration)
	assert.Equal(t, 3, backend.calls)
	require.Len(t, state.History, 3)
	for _, rec := range state.History {
		assert.Empty(t, rec.RetryReason)
	}
}

func TestFailedOnNonzeroExitAtCap(t *testing.T) {
	backend := &fakeBackend{steps: []step{
		{output: "boom\n", exit: 1},
	}}
	exec, _, _ := newTestExecutor(t, backend)

	state, err := exec.Start(context.Background(), task("t5", 2, "TASK COMPLETE"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, state.Status)
	assert.Equal(t, 2, state.Iteration)
	require.Len(t, state.History, 2)
	assert.Equal(t, models.RetryReasonNonzeroExit, state.History[0].RetryReason)
	assert.Equal(t, models.RetryReasonNonzeroExit, state.History[1].RetryReason)
}

func TestNonzeroExitThenMarkerCompletes(t *testing.T) {
	backend := &fakeBackend{steps: []step{
		{output: "transient failure\n", exit: 1},
		{output: "TASK COMPLETE\n", exit: 0},
	}}
	exec, _, _ := newTestExecutor(t, backend)

	state, err := exec.Start(context.Background(), task("t6", 5, "TASK COMPLETE"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, state.Status)
	assert.Equal(t, 2, state.Iteration)
}

func TestSingleShotCompletesWithoutMarker(t *testing.T) {
	backend := &fakeBackend{steps: []step{
		{output: "done in one\n", exit: 0},
	}}
	exec, _, _ := newTestExecutor(t, backend)

	state, err := exec.Start(context.Background(), task("t7", 1, ""))
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, state.Status)
	assert.Equal(t, 1, state.Iteration)
}

func TestLaunchErrorFailsWithoutHistory(t *testing.T) {
	launchErr := errors.New("claude: command not found")
	backend := &fakeBackend{steps: []step{
		{err: launchErr},
	}}
	exec, store, ws := newTestExecutor(t, backend)

	state, err := exec.Start(context.Background(), task("t8", 5, "TASK COMPLETE"))
	require.ErrorIs(t, err, launchErr)

	assert.Equal(t, models.StatusFailed, state.Status)
	assert.Equal(t, models.RetryReasonLaunchError, state.FailureReason)
	assert.Equal(t, 0, state.Iteration)
	assert.Empty(t, state.History)

	// The failure and its reason are durable, not just logged.
	saved, err := store.Load("t8")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, saved.Status)
	assert.Equal(t, models.RetryReasonLaunchError, saved.FailureReason)

	raw, err := os.ReadFile(ws.StatePath("t8"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "launch_error")

	logData, err := os.ReadFile(ws.LogPath("t8"))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "drover:")
}

func TestStartRefusesActiveDuplicate(t *testing.T) {
	backend := &fakeBackend{steps: []step{{output: "x\n", exit: 0}}}
	exec, store, _ := newTestExecutor(t, backend)

	_, err := store.Create("t9", statestore.CreateConfig{MaxIterations: 5})
	require.NoError(t, err)

	_, err = exec.Start(context.Background(), task("t9", 5, ""))
	assert.ErrorIs(t, err, statestore.ErrDuplicateActiveTask)
}

func TestCancellationLeavesStateRunning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	backend := &fakeBackend{steps: []step{
		{output: "iteration one\n", exit: 0, after: cancel},
	}}
	exec, store, _ := newTestExecutor(t, backend)

	state, err := exec.Start(ctx, task("t10", 5, "TASK COMPLETE"))
	require.ErrorIs(t, err, context.Canceled)

	// The in-flight iteration finished; the task stays resumable.
	assert.Equal(t, models.StatusRunning, state.Status)
	assert.Equal(t, 1, state.Iteration)

	saved, err := store.Load("t10")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, saved.Status)
	assert.Equal(t, 1, saved.Iteration)
}

func TestResumeContinuesWhereStartStopped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	backend := &fakeBackend{steps: []step{
		{output: "iteration one\n", exit: 0, after: cancel},
		{output: "TASK COMPLETE\n", exit: 0},
	}}
	exec, _, ws := newTestExecutor(t, backend)

	_, err := exec.Start(ctx, task("t11", 5, "TASK COMPLETE"))
	require.ErrorIs(t, err, context.Canceled)

	state, err := exec.Resume(context.Background(), task("t11", 5, "TASK COMPLETE"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, state.Status)
	assert.Equal(t, 2, state.Iteration)
	assert.Len(t, state.History, 2)

	// The log accumulated across both invocations.
	logData, err := os.ReadFile(ws.LogPath("t11"))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "iteration one")
	assert.Contains(t, string(logData), "TASK COMPLETE")
}

func TestResumeRefusesFinishedTask(t *testing.T) {
	backend := &fakeBackend{steps: []step{{output: "TASK COMPLETE\n", exit: 0}}}
	exec, _, _ := newTestExecutor(t, backend)

	_, err := exec.Start(context.Background(), task("t12", 3, "TASK COMPLETE"))
	require.NoError(t, err)

	_, err = exec.Resume(context.Background(), task("t12", 3, "TASK COMPLETE"))
	assert.ErrorIs(t, err, ErrTaskFinished)
}

func TestResumeUsesRecordedLoopSettings(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	backend := &fakeBackend{steps: []step{
		{output: "one\n", exit: 0, after: cancel},
		{output: "two\n", exit: 0},
	}}
	exec, _, _ := newTestExecutor(t, backend)

	_, err := exec.Start(ctx, task("t13", 2, "NEVER"))
	require.ErrorIs(t, err, context.Canceled)

	// The resume request claims a larger cap, but the cap recorded at
	// creation wins.
	resumed := task("t13", 99, "NEVER")
	state, err := exec.Resume(context.Background(), resumed)
	require.NoError(t, err)

	assert.Equal(t, models.StatusTimeout, state.Status)
	assert.Equal(t, 2, state.Iteration)
}

func TestNextStepsCollectedAcrossIterations(t *testing.T) {
	backend := &fakeBackend{steps: []step{
		{output: "Next steps:\n- Fix bug\n- Write tests\n", exit: 0},
		{output: "Next steps:\n- Fix bug\n- Update docs\nTASK COMPLETE\n", exit: 0},
	}}
	exec, _, _ := newTestExecutor(t, backend)

	state, err := exec.Start(context.Background(), task("t14", 5, "TASK COMPLETE"))
	require.NoError(t, err)

	assert.Equal(t, []string{"Fix bug", "Write tests", "Update docs"}, state.SuggestedNextSteps)
}
