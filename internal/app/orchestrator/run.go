package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"taskrunner/internal/domain/action"
	"taskrunner/internal/domain/inspector"
	"taskrunner/internal/domain/queue"
	"taskrunner/internal/domain/sessionlog"
	"taskrunner/internal/domain/task"
	"taskrunner/internal/infra/observability"
	"taskrunner/internal/infra/stream"
)

const screenshotDataURLPrefix = "data:image/png;base64,"

// runState is the per-run scratch space. It is owned by the run goroutine;
// report is shared with readers under o.mu.
type runState struct {
	task     task.Task
	ordinal  int
	report   *task.ExecutionReport
	text     strings.Builder
	lastTool string
	lastCode string
	events   int

	streamErr  bool
	toolErr    bool
	billing    bool
	billingMsg string

	progress *progressWriter
}

type outcome struct {
	status  task.Status
	billing *BillingError
}

// loop runs tasks until the queue is exhausted, the run is stopped, a
// billing error occurs or, in single mode, after the first task.
func (o *Orchestrator) loop(ctx context.Context, first *task.Task) {
	next := first
	for {
		if next == nil {
			id, ok := o.queue.Dequeue(o.lookupStatus)
			if !ok {
				o.logger.Info("Queue exhausted")
				o.finishRun(nil)
				return
			}
			t, _ := o.taskByID(id)
			next = &t
		}

		out := o.runTask(ctx, *next)
		next = nil

		if out.billing != nil {
			o.logger.Error("Billing error, halting run: %s", out.billing.Message)
			o.queue.Clear()
			o.setPhase(PhaseError, out.billing.Error())
			o.finishRun(out.billing)
			return
		}
		if o.isStopped() {
			o.logger.Info("Run stopped")
			o.finishRun(nil)
			return
		}
		if o.currentMode() == queue.ModeSingle {
			if err := o.refreshCatalog(ctx, false); err != nil {
				o.logger.Warn("Refreshing tasks failed: %v", err)
			}
			o.logger.Info("Single task finished with %s; paused for inspection", out.status)
			o.finishRun(nil)
			return
		}
		if _, ok := o.queue.PeekNextPending(o.lookupStatus); !ok {
			o.queue.Clear()
			o.logger.Info("Batch finished: no pending tasks left")
			o.finishRun(nil)
			return
		}

		o.setPhase(PhaseCooldown, "")
		if err := o.sleep(ctx, o.cfg.Cooldown); err != nil {
			o.finishRun(nil)
			return
		}
		if err := o.refreshCatalog(ctx, false); err != nil {
			o.logger.Warn("Refreshing tasks failed: %v", err)
		}
	}
}

// runTask executes one task end to end: mark running, stream, classify,
// persist, clean up. It never returns an error; failures become the task's
// status.
func (o *Orchestrator) runTask(ctx context.Context, t task.Task) outcome {
	started := o.now()
	o.tracker.Reset()
	rs := &runState{task: t, report: task.NewExecutionReport()}

	o.mu.Lock()
	o.ordinal++
	rs.ordinal = o.ordinal
	o.phase = PhaseRunning
	o.currentID = t.ID
	o.report = rs.report
	o.finalText = ""
	o.jsResult = nil
	o.network = nil
	vars := o.vars
	mode := o.mode
	o.mu.Unlock()

	o.logger.Info("Task %s (%s) starting: ordinal=%d mode=%s", t.ID, t.DisplayName(), rs.ordinal, mode)
	o.emit(Notification{Type: NotifyPhase, Phase: PhaseRunning, TaskID: t.ID, TaskOrdinal: rs.ordinal})

	running := t
	running.Status = task.StatusRunning
	running.StartedAt = task.Timestamp(started)
	running.LastRun = running.StartedAt
	o.setOverride(running)
	o.emit(Notification{Type: NotifyTaskStatus, TaskID: t.ID, TaskOrdinal: rs.ordinal, Status: task.StatusRunning})

	o.metrics.TaskStarted()
	defer o.metrics.TaskFinished()

	spanCtx, span := o.tracer.StartSpan(ctx, observability.SpanTaskRun,
		observability.TaskAttrs(t.ID, t.Label, string(mode), rs.ordinal)...)

	if err := o.gateway.MarkRunning(spanCtx, t.ID); err != nil {
		o.logger.Warn("Marking task %s running failed: %v", t.ID, err)
	}

	req := o.buildRequest(t, prepare(t, vars))

	var (
		taskCtx context.Context
		cancel  context.CancelFunc
	)
	if o.cfg.TaskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(spanCtx, o.cfg.TaskTimeout)
	} else {
		taskCtx, cancel = context.WithCancel(spanCtx)
	}
	defer cancel()

	if o.cfg.PersistProgress {
		rs.progress = newProgressWriter(taskCtx, func(ctx context.Context, fields map[string]any) error {
			return o.gateway.UpdateFields(ctx, t.ID, fields)
		}, o.logger)
	}

	runErr := o.consume(taskCtx, rs, req)
	if rs.progress != nil {
		rs.progress.Close()
	}
	if runErr != nil && errors.Is(runErr, context.DeadlineExceeded) && errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
		runErr = fmt.Errorf("task timed out after %s", o.cfg.TaskTimeout)
	}

	if o.isStopped() {
		o.logger.Info("Task %s interrupted by stop after %d events", t.ID, rs.events)
		o.clearCurrent()
		observability.EndSpan(span, "stopped", nil)
		return outcome{status: task.StatusPending}
	}

	// Terminal writes and cleanup must survive a timed-out task context.
	persistCtx := context.WithoutCancel(spanCtx)
	finalText := rs.text.String()

	var (
		status  task.Status
		errMsg  string
		billing *BillingError
	)
	switch {
	case rs.billing:
		billing = &BillingError{TaskID: t.ID, Message: rs.billingMsg}
	case runErr != nil && isBillingMessage(runErr.Error()):
		billing = &BillingError{TaskID: t.ID, Message: runErr.Error()}
	case runErr != nil:
		status, errMsg = task.StatusError, runErr.Error()
	case strings.TrimSpace(finalText) == "" && !rs.streamErr && !rs.toolErr:
		// Deliberately not "passed": a clean stream that produced no text is
		// recorded as an error instead of falling through to classification.
		status, errMsg = task.StatusError, "agent returned an empty response"
	default:
		status = classify(rs.streamErr, rs.toolErr, o.jsValidation(), finalText)
	}
	if billing != nil {
		status, errMsg = task.StatusError, billing.Error()
	}

	o.persistVerdict(persistCtx, rs, status, errMsg, finalText)

	o.metrics.ObserveTask(string(status), o.now().Sub(started))
	if status != task.StatusPassed {
		reason := failureReason(status, rs.streamErr, rs.toolErr, o.jsValidation())
		if billing != nil {
			reason = "billing"
		}
		o.metrics.IncFailure(reason)
	}

	o.cleanup(persistCtx, ctx)

	var spanErr error
	if errMsg != "" {
		spanErr = errors.New(errMsg)
	}
	observability.EndSpan(span, string(status), spanErr)
	return outcome{status: status, billing: billing}
}

// consume streams req into rs. A panic while handling events is converted
// into an error so the task ends with status error.
func (o *Orchestrator) consume(ctx context.Context, rs *runState, req stream.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Panic while running task %s: %v\n%s", rs.task.ID, r, debug.Stack())
			err = fmt.Errorf("panic while running task %s: %v", rs.task.ID, r)
		}
	}()
	return o.streamer.Open(ctx, req, func(evt stream.Event) error {
		o.handleEvent(rs, evt)
		return nil
	})
}

// persistVerdict writes the outcome to the store and to the in-memory
// catalog. Store failures are logged only.
func (o *Orchestrator) persistVerdict(ctx context.Context, rs *runState, status task.Status, errMsg, finalText string) {
	t := rs.task

	o.mu.Lock()
	if status == task.StatusError {
		rs.report.FinalResult = nil
		rs.report.Error = errMsg
	} else {
		rs.report.FinalResult = finalText
	}
	report := rs.report.Clone()
	o.mu.Unlock()

	if status == task.StatusError {
		if err := o.gateway.MarkError(ctx, t.ID, errMsg, report); err != nil {
			o.logger.Warn("Marking task %s as error failed: %v", t.ID, err)
		}
	} else if err := o.gateway.MarkComplete(ctx, t, finalText, report, status); err != nil {
		o.logger.Warn("Marking task %s complete failed: %v", t.ID, err)
	}

	verdict := t
	verdict.Status = status
	verdict.Error = errMsg
	verdict.ExecutionReport = report
	verdict.CompletedAt = task.Timestamp(o.now())
	verdict.LastRun = verdict.CompletedAt
	if status != task.StatusError {
		verdict.Result = finalText
	}
	o.setOverride(verdict)

	o.mu.Lock()
	o.currentID = ""
	o.finalText = finalText
	o.lastTaskID = t.ID
	o.lastStatus = status
	o.lastError = errMsg
	o.lastVerdict = &verdict
	o.mu.Unlock()

	o.logger.Info("Task %s finished: status=%s events=%d", t.ID, status, rs.events)
	o.emit(Notification{Type: NotifyTaskStatus, TaskID: t.ID, TaskOrdinal: rs.ordinal, Status: status, Error: errMsg})
}

// cleanup resets the remote browser and waits for it to settle. The settle
// delay is cut short when the run is stopped.
func (o *Orchestrator) cleanup(ctx, runCtx context.Context) {
	if err := o.gateway.CleanupBrowser(ctx); err != nil {
		o.logger.Warn("Browser cleanup failed: %v", err)
	}
	_ = o.sleep(runCtx, o.cfg.CleanupSettleDelay)
}

func (o *Orchestrator) handleEvent(rs *runState, evt stream.Event) {
	rs.events++
	o.metrics.IncStreamEvent(string(evt.Type))

	switch evt.Type {
	case stream.EventText:
		o.recordThought(rs, evt.Text)
	case stream.EventMessage:
		if evt.Role == "assistant" {
			o.recordThought(rs, evt.ContentText())
		}
	case stream.EventToolUse:
		o.recordAction(rs, evt)
	case stream.EventToolResult:
		o.recordToolResult(rs, evt)
	case stream.EventError:
		msg := firstNonEmpty(evt.Message, evt.Error, "agent stream error")
		rs.streamErr = true
		o.logger.Warn("Stream error for task %s: %s", rs.task.ID, msg)
		if isBillingMessage(msg) {
			rs.billing = true
			rs.billingMsg = msg
		}
	case stream.EventStatus:
		o.logger.Debug("Agent status for task %s: %s", rs.task.ID, evt.Message)
	case stream.EventDone, stream.EventKeepalive:
	default:
		o.logger.Debug("Ignoring stream event %q", evt.Type)
	}
}

func (o *Orchestrator) recordThought(rs *runState, text string) {
	if text == "" {
		return
	}
	rs.text.WriteString(text)
	if strings.TrimSpace(text) == "" {
		return
	}
	step := o.tracker.RecordThought(text)
	o.appendSession(rs, sessionlog.KindThought, text)
	o.emit(Notification{Type: NotifyThought, TaskID: rs.task.ID, TaskOrdinal: rs.ordinal, Step: step, Thought: text})
}

func (o *Orchestrator) recordAction(rs *runState, evt stream.Event) {
	if evt.ToolName == "" {
		return
	}
	label := action.Describe(evt.ToolName, evt.ToolInput)
	rs.lastTool = evt.ToolName
	if action.IsJSInspector(evt.ToolName) {
		rs.lastCode = label.Code
	}

	step := o.tracker.RecordAction(evt.ToolName, label.Description, label.Details)
	o.appendSession(rs, sessionlog.KindAction, label.Description)

	o.mu.Lock()
	rs.report.ActionsTaken = append(rs.report.ActionsTaken, task.ActionRecord{
		Tool:      evt.ToolName,
		Action:    label.Description,
		Details:   label.Details,
		Timestamp: task.Timestamp(o.now()),
	})
	o.mu.Unlock()

	o.emit(Notification{Type: NotifyAction, TaskID: rs.task.ID, TaskOrdinal: rs.ordinal, Step: step, Action: &label})
}

func (o *Orchestrator) recordToolResult(rs *runState, evt stream.Event) {
	// Tool results do not always name their tool; they answer the most
	// recent tool_use.
	tool := firstNonEmpty(evt.ToolName, rs.lastTool)
	now := o.now()
	if evt.Error != "" {
		rs.toolErr = true
	}

	if evt.Base64Image != "" {
		step := o.tracker.RecordScreenshot(evt.Base64Image)
		o.mu.Lock()
		rs.report.Screenshots = append(rs.report.Screenshots, evt.Base64Image)
		o.mu.Unlock()
		o.appendSession(rs, sessionlog.KindScreenshot, screenshotDataURLPrefix+evt.Base64Image)
		o.emit(Notification{Type: NotifyScreenshot, TaskID: rs.task.ID, TaskOrdinal: rs.ordinal, Step: step, Screenshot: evt.Base64Image})
		o.submitProgress(rs)
	}

	switch {
	case inspector.IsJSResult(tool, evt.Output, evt.Error):
		res := inspector.ParseJS(tool, evt.Output, evt.Error, rs.lastCode, now)
		o.mu.Lock()
		rs.report.JSValidation = res.Validation()
		rs.report.ToolOutputs = append(rs.report.ToolOutputs, task.ToolOutput{Tool: tool, Output: evt.Output, Timestamp: task.Timestamp(now)})
		o.jsResult = &res
		o.mu.Unlock()
		o.emit(Notification{Type: NotifyInspector, TaskID: rs.task.ID, TaskOrdinal: rs.ordinal, JS: &res})
	case inspector.IsNetworkResult(tool, evt.Output):
		res := inspector.ParseNetwork(evt.Output, now)
		o.mu.Lock()
		rs.report.ToolOutputs = append(rs.report.ToolOutputs, task.ToolOutput{Tool: action.ToolInspectNetwork, Output: evt.Output, Timestamp: task.Timestamp(now)})
		o.network = &res
		o.mu.Unlock()
		o.emit(Notification{Type: NotifyInspector, TaskID: rs.task.ID, TaskOrdinal: rs.ordinal, Network: &res})
	case evt.Output != "" || evt.Error != "":
		o.mu.Lock()
		rs.report.ToolOutputs = append(rs.report.ToolOutputs, task.ToolOutput{
			Tool:      firstNonEmpty(tool, "unknown"),
			Output:    firstNonEmpty(evt.Output, evt.Error),
			Timestamp: task.Timestamp(now),
		})
		o.mu.Unlock()
	}
}

func (o *Orchestrator) appendSession(rs *runState, kind sessionlog.Kind, content string) {
	if err := o.session.Append(rs.ordinal, kind, content); err != nil {
		o.logger.Warn("Session log append failed: %v", err)
	}
}

func (o *Orchestrator) submitProgress(rs *runState) {
	if rs.progress == nil {
		return
	}
	o.mu.Lock()
	report := rs.report.Clone()
	o.mu.Unlock()
	rs.progress.Submit(map[string]any{
		"execution_report": report,
		"last_run":         task.Timestamp(o.now()),
	})
}

func (o *Orchestrator) jsValidation() *task.JSValidation {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.report == nil || o.report.JSValidation == nil {
		return nil
	}
	js := *o.report.JSValidation
	return &js
}

func (o *Orchestrator) setPhase(phase Phase, errMsg string) {
	o.mu.Lock()
	o.phase = phase
	o.mu.Unlock()
	o.emit(Notification{Type: NotifyPhase, Phase: phase, Error: errMsg})
}

// finishRun releases the execution slot.
func (o *Orchestrator) finishRun(err error) {
	o.mu.Lock()
	cancel := o.cancel
	o.active = false
	o.phase = PhaseIdle
	o.currentID = ""
	o.cancel = nil
	o.runErr = err
	if err != nil {
		o.lastError = err.Error()
	}
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.emit(Notification{Type: NotifyPhase, Phase: PhaseIdle})
}

func (o *Orchestrator) clearCurrent() {
	o.mu.Lock()
	o.currentID = ""
	o.mu.Unlock()
}

func (o *Orchestrator) isStopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}

func (o *Orchestrator) currentMode() queue.Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
