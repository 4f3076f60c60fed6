// Package monitor observes a task from the outside: it polls the task
// log and, when available, the state file, and derives human-readable
// status reports. It is strictly read-only — it never spawns a process,
// never writes a file, and has no channel back into the executor.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/foundermode/drover/internal/models"
)

// Status is the monitor's derived view. It is never authoritative: when
// a state file is readable its status wins; otherwise the monitor falls
// back to log-pattern heuristics.
type Status string

const (
	StatusRunning   Status = "running"
	StatusStalled   Status = "stalled-warning"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Stall thresholds and the escalating wording reported at each. Each
// threshold is reported at most once per session.
var (
	stallThresholds = []time.Duration{10 * time.Minute, 20 * time.Minute, 30 * time.Minute}
	stallWording    = []string{"may be stalled", "likely stalled", "stalled"}
)

// Failure words scanned in log-only mode, matched case-insensitively.
var failurePatterns = []string{"error:", "fatal", "panic:"}

// Report is one observation. Reports are emitted only when something
// changed: new log lines, a state field change, or a newly crossed
// stall threshold.
type Report struct {
	Time          time.Time
	Status        Status
	Authoritative bool // state-file derived rather than log heuristics
	Degraded      bool // state file present but unreadable
	Iteration     int
	NewLogLines   int
	StallWarning  string // set only when a new threshold was crossed
	Final         bool
}

func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", r.Time.Format("15:04:05"), r.Status)
	if r.Authoritative {
		fmt.Fprintf(&b, " (iteration %d)", r.Iteration)
	}
	if r.NewLogLines > 0 {
		fmt.Fprintf(&b, ", %d new log line(s)", r.NewLogLines)
	}
	if r.StallWarning != "" {
		fmt.Fprintf(&b, " — %s", r.StallWarning)
	}
	if r.Degraded {
		b.WriteString(" — state file unreadable, log heuristics only")
	}
	if r.Final {
		b.WriteString(" — monitoring ended")
	}
	return b.String()
}

// Config is the monitor's full input surface. LogPath is required;
// StatePath is optional and its absence degrades gracefully to log-only
// heuristics. CompletionMarker feeds those heuristics.
type Config struct {
	LogPath          string
	StatePath        string
	CompletionMarker string
	PollInterval     time.Duration
	SessionBudget    time.Duration
	Now              func() time.Time
}

type Monitor struct {
	cfg Config
	now func() time.Time

	logOffset int64

	lastStatus    Status
	lastIteration int

	stallReported int // count of thresholds already reported

	corruptReads     int
	degradedReported bool

	markerSeen  bool
	failureSeen bool
}

func New(cfg Config) (*Monitor, error) {
	if cfg.LogPath == "" {
		return nil, fmt.Errorf("log path is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.SessionBudget <= 0 {
		cfg.SessionBudget = 30 * time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Monitor{cfg: cfg, now: now}, nil
}

// Run polls until a terminal status is observed, the session budget is
// exhausted, or ctx is cancelled. Cancellation is immediate; the
// monitor holds no resources needing cleanup.
func (m *Monitor) Run(ctx context.Context, emit func(Report)) error {
	deadline := m.now().Add(m.cfg.SessionBudget)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		report, final := m.Poll()
		if report != nil {
			emit(*report)
		}
		if final {
			return nil
		}

		if !m.now().Before(deadline) {
			emit(Report{
				Time:   m.now(),
				Status: StatusTimeout,
				Final:  true,
			})
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll performs a single observation. It returns a report when
// something changed, and final=true when a terminal status was seen.
func (m *Monitor) Poll() (*Report, bool) {
	appended := m.readNewLogContent()
	newLines := countLines(appended)
	m.scanHeuristics(appended)

	state, degradedNow := m.readState()

	status := m.deriveStatus(state)
	iteration := m.lastIteration
	if state != nil {
		iteration = state.Iteration
	}

	warning := ""
	if state != nil && state.Status == models.StatusRunning {
		var stalled bool
		warning, stalled = m.checkStall(state)
		if stalled {
			status = StatusStalled
		}
	}

	final := status == StatusCompleted || status == StatusFailed || status == StatusTimeout

	changed := newLines > 0 ||
		status != m.lastStatus ||
		iteration != m.lastIteration ||
		warning != "" ||
		degradedNow

	m.lastStatus = status
	m.lastIteration = iteration

	if !changed && !final {
		return nil, false
	}

	return &Report{
		Time:          m.now(),
		Status:        status,
		Authoritative: state != nil,
		Degraded:      degradedNow || (m.degradedReported && state == nil && m.cfg.StatePath != ""),
		Iteration:     iteration,
		NewLogLines:   newLines,
		StallWarning:  warning,
		Final:         final,
	}, final
}

// readNewLogContent returns log bytes appended since the previous poll.
func (m *Monitor) readNewLogContent() string {
	data, err := os.ReadFile(m.cfg.LogPath)
	if err != nil {
		return ""
	}
	if m.logOffset >= int64(len(data)) {
		return ""
	}
	appended := string(data[m.logOffset:])
	m.logOffset = int64(len(data))
	return appended
}

// readState loads the state file if configured. A torn or corrupt read
// is treated as "no update yet"; after two consecutive corrupt reads
// the monitor reports degraded mode once and relies on log heuristics.
func (m *Monitor) readState() (*models.ExecutionState, bool) {
	if m.cfg.StatePath == "" {
		return nil, false
	}

	state, err := parseStateFile(m.cfg.StatePath)
	if err == nil && state != nil {
		m.corruptReads = 0
		return state, false
	}
	if err == nil {
		// File does not exist yet; the executor may not have started.
		return nil, false
	}

	// Possibly a mid-replace read; retry once before counting it.
	state, err = parseStateFile(m.cfg.StatePath)
	if err == nil && state != nil {
		m.corruptReads = 0
		return state, false
	}

	m.corruptReads++
	if m.corruptReads >= 2 && !m.degradedReported {
		m.degradedReported = true
		return nil, true
	}
	return nil, false
}

func parseStateFile(path string) (*models.ExecutionState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var state models.ExecutionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.ID == "" {
		return nil, fmt.Errorf("state file missing id")
	}
	return &state, nil
}

func (m *Monitor) deriveStatus(state *models.ExecutionState) Status {
	if state != nil {
		switch state.Status {
		case models.StatusCompleted:
			return StatusCompleted
		case models.StatusFailed:
			return StatusFailed
		case models.StatusTimeout:
			return StatusTimeout
		default:
			return StatusRunning
		}
	}

	// Log-only heuristics.
	switch {
	case m.markerSeen:
		return StatusCompleted
	case m.failureSeen:
		return StatusFailed
	default:
		return StatusRunning
	}
}

func (m *Monitor) scanHeuristics(appended string) {
	if appended == "" {
		return
	}
	if m.cfg.CompletionMarker != "" && strings.Contains(appended, m.cfg.CompletionMarker) {
		m.markerSeen = true
	}
	lower := strings.ToLower(appended)
	for _, pattern := range failurePatterns {
		if strings.Contains(lower, pattern) {
			m.failureSeen = true
			break
		}
	}
}

// checkStall returns escalating wording when a new stall threshold has
// been crossed, and whether any threshold is currently exceeded.
// Already-reported thresholds stay silent; a fresh state update resets
// the ladder.
func (m *Monitor) checkStall(state *models.ExecutionState) (string, bool) {
	elapsed := m.now().Sub(state.LastUpdatedAt)

	crossed := 0
	for _, threshold := range stallThresholds {
		if elapsed > threshold {
			crossed++
		}
	}

	if crossed == 0 {
		m.stallReported = 0
		return "", false
	}
	if crossed <= m.stallReported {
		return "", true
	}
	m.stallReported = crossed

	return fmt.Sprintf("no state update for %s (%s)",
		elapsed.Truncate(time.Minute), stallWording[crossed-1]), true
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
