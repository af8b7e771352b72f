// Package orchestrator runs scripted tasks against the remote agent one at a
// time, turning its event stream into step artifacts and persisted results.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"taskrunner/internal/domain/inspector"
	"taskrunner/internal/domain/queue"
	"taskrunner/internal/domain/sessionlog"
	"taskrunner/internal/domain/steps"
	"taskrunner/internal/domain/task"
	"taskrunner/internal/domain/variables"
	"taskrunner/internal/infra/observability"
	"taskrunner/internal/infra/stream"
	"taskrunner/internal/shared/async"
	"taskrunner/internal/shared/logging"
)

// Gateway is the task store as seen by the orchestrator. Every failure is
// logged and never aborts a run.
type Gateway interface {
	ListTasks(ctx context.Context) ([]task.Task, error)
	MarkRunning(ctx context.Context, id string) error
	MarkComplete(ctx context.Context, t task.Task, result any, report *task.ExecutionReport, status task.Status) error
	MarkError(ctx context.Context, id string, errMsg string, report *task.ExecutionReport) error
	UpdateFields(ctx context.Context, id string, fields map[string]any) error
	StopTask(ctx context.Context, id string) error
	CleanupBrowser(ctx context.Context) error
}

// Streamer opens an agent event stream.
type Streamer interface {
	Open(ctx context.Context, req stream.Request, handler stream.Handler) error
}

// Phase is the orchestrator's coarse state.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseRunning  Phase = "running"
	PhaseCooldown Phase = "cooldown"
	PhaseError    Phase = "error"
)

// Config tunes runs and the agent request.
type Config struct {
	SystemPrompt            string
	OnlyNMostRecentImages   int
	ToolVersion             string
	MaxTokens               int
	Thinking                bool
	ThinkingBudget          int
	TokenEfficientToolsBeta bool

	CleanupSettleDelay time.Duration
	Cooldown           time.Duration
	TaskTimeout        time.Duration
	PersistProgress    bool
}

// State is a copy of the orchestrator's observable state.
type State struct {
	Phase         Phase       `json:"phase"`
	Mode          queue.Mode  `json:"mode,omitempty"`
	CurrentTaskID string      `json:"current_task_id,omitempty"`
	TaskOrdinal   int         `json:"task_ordinal"`
	Queue         []string    `json:"queue"`
	InitialSize   int         `json:"initial_size"`
	LastTaskID    string      `json:"last_task_id,omitempty"`
	LastStatus    task.Status `json:"last_status,omitempty"`
	LastError     string      `json:"last_error,omitempty"`
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(o *Orchestrator) {
		if !logging.IsNil(logger) {
			o.logger = logger
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer sets the tracer provider used for task spans.
func WithTracer(tp *observability.TracerProvider) Option {
	return func(o *Orchestrator) {
		if tp != nil {
			o.tracer = tp
		}
	}
}

// Orchestrator owns the single execution slot.
type Orchestrator struct {
	gateway  Gateway
	streamer Streamer
	cfg      Config
	logger   logging.Logger
	metrics  *observability.Metrics
	tracer   *observability.TracerProvider
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	tracker *steps.Tracker
	session *sessionlog.Logger
	queue   *queue.Manager

	// mu guards run state. It is never held while calling into queue,
	// whose lookups take catalogMu.
	mu          sync.Mutex
	active      bool
	phase       Phase
	mode        queue.Mode
	currentID   string
	ordinal     int
	vars        variables.Values
	stopped     bool
	cancel      context.CancelFunc
	done        chan struct{}
	runErr      error
	report      *task.ExecutionReport
	finalText   string
	jsResult    *inspector.JSResult
	network     *inspector.NetworkResult
	lastTaskID  string
	lastStatus  task.Status
	lastError   string
	lastVerdict *task.Task

	catalogMu sync.RWMutex
	catalog   []task.Task
	overrides map[string]task.Task

	subsMu         sync.Mutex
	subscribers    map[uint64]chan Notification
	nextSubscriber uint64
}

// New builds an Orchestrator.
func New(gateway Gateway, streamer Streamer, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gateway:     gateway,
		streamer:    streamer,
		cfg:         cfg,
		logger:      logging.NewComponentLogger("orchestrator"),
		tracer:      observability.NoopTracerProvider(),
		now:         time.Now,
		sleep:       sleepContext,
		tracker:     steps.NewTracker(),
		session:     sessionlog.New(),
		queue:       queue.NewManager(),
		phase:       PhaseIdle,
		overrides:   map[string]task.Task{},
		subscribers: map[uint64]chan Notification{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start runs a single task and pauses afterwards for inspection.
func (o *Orchestrator) Start(ctx context.Context, taskID string, vars variables.Values) error {
	return o.Run(ctx, []string{taskID}, vars)
}

// RunAll refreshes the catalog and runs every pending task in store order.
func (o *Orchestrator) RunAll(ctx context.Context, vars variables.Values) error {
	if !o.reserve() {
		return ErrBusy
	}
	if err := o.refreshCatalog(ctx, true); err != nil {
		o.release()
		return err
	}
	var ids []string
	for _, t := range o.Tasks() {
		if t.Status == task.StatusPending {
			ids = append(ids, t.ID)
		}
	}
	if len(ids) == 0 {
		o.release()
		o.logger.Info("Run all: no pending tasks")
		return nil
	}
	return o.launch(ids, vars)
}

// Run executes ids in order. One id runs in single mode and pauses
// afterwards; more run as a batch that advances automatically. While a run
// is active Run returns ErrBusy and changes nothing.
func (o *Orchestrator) Run(ctx context.Context, ids []string, vars variables.Values) error {
	if len(ids) == 0 {
		return fmt.Errorf("no tasks to run")
	}
	if !o.reserve() {
		return ErrBusy
	}
	if err := o.refreshCatalog(ctx, true); err != nil {
		o.release()
		return err
	}
	return o.launch(ids, vars)
}

// reserve claims the execution slot for preflight.
func (o *Orchestrator) reserve() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active {
		return false
	}
	o.active = true
	o.stopped = false
	return true
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.active = false
	o.mu.Unlock()
}

// launch validates variables for every queued task and starts the run
// goroutine. The slot must already be reserved.
func (o *Orchestrator) launch(ids []string, vars variables.Values) error {
	queued := make([]task.Task, 0, len(ids))
	for _, id := range ids {
		t, ok := o.taskByID(id)
		if !ok {
			o.release()
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		queued = append(queued, t)
	}
	if err := variables.Validate(queued, vars); err != nil {
		o.release()
		return err
	}

	o.queue.EnqueueAll(ids)
	mode := o.queue.Mode()

	var first *task.Task
	if mode == queue.ModeSingle {
		// A single run executes the requested task whatever its status.
		o.queue.Advance()
		first = &queued[0]
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	o.mu.Lock()
	if o.stopped {
		o.active = false
		o.mu.Unlock()
		cancel()
		o.queue.Clear()
		o.logger.Info("Run cancelled by stop before it started")
		return ErrStopped
	}
	o.mode = mode
	o.vars = variables.Merge(vars)
	o.cancel = cancel
	o.done = done
	o.runErr = nil
	o.mu.Unlock()

	o.logger.Info("Run starting: mode=%s tasks=%d", mode, len(ids))
	async.GoWithPanicHandler(o.logger, "orchestrator.run", func() {
		o.loop(runCtx, first)
		close(done)
	}, func(err error) {
		o.finishRun(err)
		close(done)
	})
	return nil
}

// Wait blocks until the current run, if any, has finished and returns its
// terminal error (a *BillingError) or nil.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runErr
}

// Stop abandons the current run. The queue is cleared, stream consumption
// is cancelled and the store is asked, in the background, to reset the
// interrupted task and clean up the browser. Stop does not wait for either.
func (o *Orchestrator) Stop() {
	o.queue.Clear()

	o.mu.Lock()
	if !o.active {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	if o.cancel != nil {
		o.cancel()
	}
	id := o.currentID
	o.mu.Unlock()

	if id != "" {
		o.setOverrideStatus(id, task.StatusPending)
	}
	o.logger.Info("Stop requested (task=%q)", id)

	async.Go(o.logger, "orchestrator.stop", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if id != "" {
			if err := o.gateway.StopTask(ctx, id); err != nil {
				o.logger.Warn("Stop task %s failed: %v", id, err)
			}
		}
		if err := o.gateway.CleanupBrowser(ctx); err != nil {
			o.logger.Warn("Browser cleanup after stop failed: %v", err)
		}
	})
}

// State returns a snapshot of the run state.
func (o *Orchestrator) State() State {
	ids := o.queue.IDs()
	initial := o.queue.InitialSize()

	o.mu.Lock()
	defer o.mu.Unlock()
	return State{
		Phase:         o.phase,
		Mode:          o.mode,
		CurrentTaskID: o.currentID,
		TaskOrdinal:   o.ordinal,
		Queue:         ids,
		InitialSize:   initial,
		LastTaskID:    o.lastTaskID,
		LastStatus:    o.lastStatus,
		LastError:     o.lastError,
	}
}

// SessionLog returns every session log entry recorded so far.
func (o *Orchestrator) SessionLog() []sessionlog.Entry {
	return o.session.Entries()
}

// ExportSessionLog writes the session log in the given format.
func (o *Orchestrator) ExportSessionLog(w io.Writer, format sessionlog.Format) error {
	return o.session.Export(w, format)
}

// ClearSessionLog discards the session log.
func (o *Orchestrator) ClearSessionLog() {
	o.session.Clear()
}

// Steps returns the step artifacts of the current or last task run.
func (o *Orchestrator) Steps() steps.Snapshot {
	return o.tracker.Snapshot()
}

// Report returns a copy of the execution report of the current or last
// task run, or nil before the first run.
func (o *Orchestrator) Report() *task.ExecutionReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.report.Clone()
}

// LastResult returns the task as it stood when its last run finished.
func (o *Orchestrator) LastResult() (task.Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastVerdict == nil {
		return task.Task{}, false
	}
	t := *o.lastVerdict
	t.ExecutionReport = t.ExecutionReport.Clone()
	return t, true
}

// Inspector returns the most recent JavaScript and network inspector
// results of the current or last run.
func (o *Orchestrator) Inspector() (*inspector.JSResult, *inspector.NetworkResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var js *inspector.JSResult
	if o.jsResult != nil {
		copied := *o.jsResult
		js = &copied
	}
	var network *inspector.NetworkResult
	if o.network != nil {
		copied := *o.network
		network = &copied
	}
	return js, network
}

// Tasks returns the catalog with in-memory run results applied.
func (o *Orchestrator) Tasks() []task.Task {
	o.catalogMu.RLock()
	defer o.catalogMu.RUnlock()
	out := make([]task.Task, len(o.catalog))
	for i, t := range o.catalog {
		if override, ok := o.overrides[t.ID]; ok {
			t = override
		}
		out[i] = t
	}
	return out
}

// Refresh reloads the catalog from the store.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	return o.refreshCatalog(ctx, false)
}

// refreshCatalog loads the store's tasks. reset drops in-memory overrides
// so the store copy becomes authoritative again.
func (o *Orchestrator) refreshCatalog(ctx context.Context, reset bool) error {
	tasks, err := o.gateway.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	o.catalogMu.Lock()
	defer o.catalogMu.Unlock()
	o.catalog = tasks
	if reset {
		o.overrides = map[string]task.Task{}
	}
	return nil
}

func (o *Orchestrator) taskByID(id string) (task.Task, bool) {
	o.catalogMu.RLock()
	defer o.catalogMu.RUnlock()
	if t, ok := o.overrides[id]; ok {
		return t, true
	}
	for _, t := range o.catalog {
		if t.ID == id {
			return t, true
		}
	}
	return task.Task{}, false
}

func (o *Orchestrator) lookupStatus(id string) (task.Status, bool) {
	t, ok := o.taskByID(id)
	if !ok {
		return "", false
	}
	return t.Status, true
}

func (o *Orchestrator) setOverride(t task.Task) {
	o.catalogMu.Lock()
	defer o.catalogMu.Unlock()
	o.overrides[t.ID] = t
}

func (o *Orchestrator) setOverrideStatus(id string, status task.Status) {
	t, ok := o.taskByID(id)
	if !ok {
		return
	}
	t.Status = status
	o.setOverride(t)
}
