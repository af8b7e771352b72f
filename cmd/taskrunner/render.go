package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"

	"taskrunner/internal/app/orchestrator"
	"taskrunner/internal/domain/task"
)

// isTTY reports whether both stdin and stdout are terminals.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func statusText(status task.Status) string {
	label := string(status.Normalized())
	switch status.Normalized() {
	case task.StatusPassed:
		return green(label)
	case task.StatusFailed, task.StatusError:
		return red(label)
	case task.StatusRunning:
		return blue(label)
	default:
		return yellow(label)
	}
}

func truncateLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

// renderTasks prints one line per task.
func renderTasks(w io.Writer, tasks []task.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, gray("no tasks"))
		return
	}
	for _, t := range tasks {
		line := fmt.Sprintf("%-10s %s", statusText(t.Status), bold(t.ID))
		if t.Label != "" {
			line += " " + t.Label
		}
		if len(t.Instructions) > 0 {
			line += " " + gray(truncateLine(t.Instructions[0], 60))
		}
		if t.ToolUse != nil {
			line += " " + cyan("["+t.ToolUse.Tool+"]")
		}
		fmt.Fprintln(w, line)
	}
}

// notificationPrinter renders run notifications as they arrive. verbose
// adds thoughts and tool results.
type notificationPrinter struct {
	w       io.Writer
	verbose bool
}

func (p notificationPrinter) print(n orchestrator.Notification) {
	switch n.Type {
	case orchestrator.NotifyPhase:
		if n.Phase == orchestrator.PhaseError {
			fmt.Fprintf(p.w, "%s %s\n", red("✖ run halted:"), n.Error)
		} else if n.Phase == orchestrator.PhaseCooldown {
			fmt.Fprintln(p.w, gray("… next task"))
		}
	case orchestrator.NotifyTaskStatus:
		switch n.Status {
		case task.StatusRunning:
			fmt.Fprintf(p.w, "%s %s %s\n", blue("▶"), bold(n.TaskID), gray(fmt.Sprintf("(#%d)", n.TaskOrdinal)))
		default:
			line := fmt.Sprintf("%s %s %s", bold("■"), bold(n.TaskID), statusText(n.Status))
			if n.Error != "" {
				line += " " + red(n.Error)
			}
			fmt.Fprintln(p.w, line)
		}
	case orchestrator.NotifyAction:
		if n.Action != nil {
			fmt.Fprintf(p.w, "  %s %s\n", cyan(fmt.Sprintf("%3d", n.Step)), n.Action.Details)
		}
	case orchestrator.NotifyThought:
		if p.verbose {
			fmt.Fprintf(p.w, "  %s %s\n", gray(fmt.Sprintf("%3d", n.Step)), gray(truncateLine(n.Thought, 120)))
		}
	case orchestrator.NotifyScreenshot:
		if p.verbose {
			fmt.Fprintf(p.w, "  %s %s\n", gray(fmt.Sprintf("%3d", n.Step)), gray("screenshot"))
		}
	case orchestrator.NotifyInspector:
		if n.JS != nil {
			result := fmt.Sprint(n.JS.Result)
			if n.JS.Error != "" {
				result = red(n.JS.Error)
			}
			fmt.Fprintf(p.w, "  %s %s = %s\n", yellow("js"), truncateLine(n.JS.Code, 60), truncateLine(result, 80))
		}
		if n.Network != nil {
			fmt.Fprintf(p.w, "  %s %d requests\n", yellow("net"), len(n.Network.Requests))
		}
	}
}

// summary counts final statuses of the tasks that ran.
type summary struct {
	passed, failed, errored int
}

func (s *summary) add(status task.Status) {
	switch status.Normalized() {
	case task.StatusPassed:
		s.passed++
	case task.StatusFailed:
		s.failed++
	case task.StatusError:
		s.errored++
	}
}

func (s summary) total() int { return s.passed + s.failed + s.errored }

func (s summary) String() string {
	return fmt.Sprintf("%s passed, %s failed, %s errored",
		green(s.passed), red(s.failed), red(s.errored))
}
