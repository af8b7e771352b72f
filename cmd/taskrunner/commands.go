package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"taskrunner/internal/app/orchestrator"
	"taskrunner/internal/delivery/server"
	"taskrunner/internal/domain/sessionlog"
	"taskrunner/internal/domain/task"
	"taskrunner/internal/domain/variables"
	jsonx "taskrunner/internal/shared/json"
)

const shutdownWait = 30 * time.Second

func newTasksCommand(cli *CLI) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks in the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cli.initialize(cmd); err != nil {
				return err
			}
			defer cli.cleanup()
			orch := cli.container.Orchestrator
			if err := orch.Refresh(cmd.Context()); err != nil {
				return err
			}
			tasks := orch.Tasks()
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"tasks": tasks})
			}
			renderTasks(cmd.OutOrStdout(), tasks)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the store response as JSON")
	return cmd
}

func newVarsCommand(cli *CLI) *cobra.Command {
	var vf varFlags
	cmd := &cobra.Command{
		Use:   "vars [task-id...]",
		Short: "Show the variables tasks reference and which are still unset",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.initialize(cmd); err != nil {
				return err
			}
			defer cli.cleanup()
			vals, err := vf.values()
			if err != nil {
				return err
			}
			orch := cli.container.Orchestrator
			if err := orch.Refresh(cmd.Context()); err != nil {
				return err
			}
			tasks, err := selectTasks(orch.Tasks(), args, false)
			if err != nil {
				return err
			}
			renderVariables(cmd.OutOrStdout(), tasks, vals)
			return nil
		},
	}
	vf.register(cmd)
	return cmd
}

func newRunCommand(cli *CLI) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <task-id> [task-id...]",
		Short: "Run tasks in order; a single task pauses afterwards",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.initialize(cmd); err != nil {
				return err
			}
			defer cli.cleanup()
			return cli.execute(cmd, args, opts)
		},
	}
	opts.register(cmd)
	return cmd
}

func newRunAllCommand(cli *CLI) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run-all",
		Short: "Run every pending task in store order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cli.initialize(cmd); err != nil {
				return err
			}
			defer cli.cleanup()
			return cli.execute(cmd, nil, opts)
		},
	}
	opts.register(cmd)
	return cmd
}

func newServeCommand(cli *CLI) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local API, websocket feed and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cli.initialize(cmd); err != nil {
				return err
			}
			defer cli.cleanup()
			c := cli.container
			if addr != "" {
				c.Config.Server.Addr = addr
			}
			metricsPath := ""
			if c.Config.Observability.Metrics.Enabled {
				metricsPath = c.Config.Observability.Metrics.Path
			}
			srv, err := server.New(c.Orchestrator, server.Config{
				Addr:           c.Config.Server.Addr,
				AllowedOrigins: c.Config.Server.AllowedOrigins,
				ReadTimeout:    c.Config.Server.ReadTimeout,
				WriteTimeout:   c.Config.Server.WriteTimeout,
				InspectorCache: c.Config.Server.InspectorCache,
				MetricsPath:    metricsPath,
				Debug:          c.Config.Observability.Logging.Level == "debug",
			}, server.WithGatherer(c.Registry))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(cmd.OutOrStdout(), "%s http://%s/api/v1\n", green("Serving"), c.Config.Server.Addr)
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(gctx) })
			g.Go(func() error {
				<-gctx.Done()
				c.Orchestrator.Stop()
				waitCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
				defer cancel()
				if err := c.Orchestrator.Wait(waitCtx); err != nil && !errors.Is(err, orchestrator.ErrBilling) {
					return err
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

// varFlags collects variable values from flags.
type varFlags struct {
	assignments []string
	file        string
}

func (f *varFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&f.assignments, "var", nil, "Variable value as NAME=value (repeatable)")
	cmd.Flags().StringVar(&f.file, "vars-file", "", "YAML file of NAME: value pairs")
}

// values merges the file first and the --var flags over it.
func (f *varFlags) values() (variables.Values, error) {
	fromFile := variables.Values{}
	if f.file != "" {
		loaded, err := variables.LoadFile(f.file)
		if err != nil {
			return nil, err
		}
		fromFile = loaded
	}
	fromFlags, err := variables.ParseAssignments(f.assignments)
	if err != nil {
		return nil, err
	}
	return variables.Merge(fromFile, fromFlags), nil
}

type runOptions struct {
	varFlags
	sessionLog string
	noPrompt   bool
}

func (o *runOptions) register(cmd *cobra.Command) {
	o.varFlags.register(cmd)
	cmd.Flags().StringVar(&o.sessionLog, "session-log", "", "Write the session log to this file (.json or .yaml) when the run ends")
	cmd.Flags().BoolVar(&o.noPrompt, "no-prompt", false, "Fail instead of prompting for missing variables")
}

// execute runs ids, or every pending task when ids is nil, and blocks until
// the run ends. Ctrl-C stops the run.
func (cli *CLI) execute(cmd *cobra.Command, ids []string, opts runOptions) error {
	out := cmd.OutOrStdout()
	orch := cli.container.Orchestrator

	vals, err := opts.values()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Refresh(ctx); err != nil {
		return err
	}
	selected, err := selectTasks(orch.Tasks(), ids, ids == nil)
	if err != nil {
		return err
	}
	if ids == nil && len(selected) == 0 {
		fmt.Fprintln(out, gray("no pending tasks"))
		return nil
	}
	if missing := variables.MissingAll(selected, vals); len(missing) > 0 && !opts.noPrompt && isTTY() {
		fmt.Fprintf(out, "%s %s\n", yellow("Missing variables:"), strings.Join(missing, ", "))
		if vals, err = fillMissing(vals, missing, promptuiValue); err != nil {
			return err
		}
	}

	ch, unsubscribe := orch.Subscribe(256)
	printer := notificationPrinter{w: out, verbose: cli.verbose}
	var sum summary
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for n := range ch {
			printer.print(n)
			if n.Type == orchestrator.NotifyTaskStatus && n.Status != task.StatusRunning {
				sum.add(n.Status)
			}
		}
	}()

	if ids == nil {
		err = orch.RunAll(ctx, vals)
	} else {
		err = orch.Run(ctx, ids, vals)
	}
	if err != nil {
		unsubscribe()
		<-printed
		var missing *variables.MissingError
		if errors.As(err, &missing) {
			return fmt.Errorf("%w (set them with --var NAME=value or --vars-file)", err)
		}
		return err
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- orch.Wait(context.Background()) }()

	interrupted := false
	select {
	case err = <-waitErr:
	case <-ctx.Done():
		interrupted = true
		fmt.Fprintln(out, yellow("Stopping…"))
		orch.Stop()
		err = <-waitErr
	}
	unsubscribe()
	<-printed

	if opts.sessionLog != "" {
		if exportErr := exportSessionLog(orch, opts.sessionLog); exportErr != nil {
			return exportErr
		}
		fmt.Fprintf(out, "%s %s\n", gray("Session log written to"), opts.sessionLog)
	}
	if sum.total() > 0 {
		fmt.Fprintln(out, sum.String())
	}

	switch {
	case errors.Is(err, orchestrator.ErrBilling):
		return &ExitCodeError{Code: exitBillingError, Err: err}
	case err != nil:
		return err
	case interrupted:
		return &ExitCodeError{Code: exitFailure, Err: errors.New("run interrupted")}
	case sum.failed+sum.errored > 0:
		return &ExitCodeError{Code: exitTasksFailed, Err: fmt.Errorf("%d of %d tasks did not pass", sum.failed+sum.errored, sum.total())}
	}
	return nil
}

// selectTasks resolves ids against the catalog. With no ids it returns all
// tasks, or only pending ones when pendingOnly is set.
func selectTasks(catalog []task.Task, ids []string, pendingOnly bool) ([]task.Task, error) {
	if len(ids) == 0 {
		var out []task.Task
		for _, t := range catalog {
			if !pendingOnly || t.Status == task.StatusPending {
				out = append(out, t)
			}
		}
		return out, nil
	}
	byID := make(map[string]task.Task, len(catalog))
	for _, t := range catalog {
		byID[t.ID] = t
	}
	out := make([]task.Task, 0, len(ids))
	for _, id := range ids {
		t, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", orchestrator.ErrTaskNotFound, id)
		}
		out = append(out, t)
	}
	return out, nil
}

func renderVariables(w io.Writer, tasks []task.Task, vals variables.Values) {
	users := map[string][]string{}
	for _, t := range tasks {
		for _, name := range variables.ExtractTask(t) {
			users[name] = append(users[name], t.ID)
		}
	}
	if len(users) == 0 {
		fmt.Fprintln(w, gray("no variables referenced"))
		return
	}
	names := make([]string, 0, len(users))
	for name := range users {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		state := red("unset")
		if strings.TrimSpace(vals[name]) != "" {
			state = green("set")
		}
		fmt.Fprintf(w, "%-24s %-6s %s\n", bold(name), state, gray(strings.Join(users[name], ", ")))
	}
}

func exportSessionLog(orch *orchestrator.Orchestrator, path string) error {
	format, err := sessionlog.ParseFormat(filepath.Ext(path))
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create session log: %w", err)
	}
	if err := orch.ExportSessionLog(f, format); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeJSON(w io.Writer, v any) error {
	enc := jsonx.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
