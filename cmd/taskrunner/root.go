package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"taskrunner/internal/config"
)

// CLI holds flag values and the lazily built runtime.
type CLI struct {
	configFile string
	agentURL   string
	storeURL   string
	logLevel   string
	verbose    bool

	container *Container
}

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	cli := &CLI{}

	rootCmd := &cobra.Command{
		Use:   "taskrunner",
		Short: "Run scripted browser tasks through a computer-use agent",
		Long: fmt.Sprintf(`%s

Runs tasks stored in a task store against a remote computer-use agent,
one at a time, recording thoughts, actions and screenshots for each step.

%s
  taskrunner tasks                       # list tasks and their status
  taskrunner vars                        # show variables referenced by tasks
  taskrunner run T1 --var USER=ada       # run one task and pause
  taskrunner run T1 T2 T3                # run a batch in order
  taskrunner run-all --vars-file vars.yaml
  taskrunner serve                       # local API + websocket feed`,
			bold("taskrunner"),
			bold("EXAMPLES:")),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cli.configFile, "config", "c", "", "Config file (default: taskrunner.yaml in ., ~/.config/taskrunner, ~)")
	flags.StringVar(&cli.agentURL, "agent-url", "", "Agent base URL (default "+config.DefaultAgentBaseURL+")")
	flags.StringVar(&cli.storeURL, "store-url", "", "Task store base URL (default "+config.DefaultStoreBaseURL+")")
	flags.StringVar(&cli.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.BoolVarP(&cli.verbose, "verbose", "v", false, "Print thoughts and screenshots as they arrive")

	rootCmd.AddCommand(
		newTasksCommand(cli),
		newVarsCommand(cli),
		newRunCommand(cli),
		newRunAllCommand(cli),
		newServeCommand(cli),
	)
	return rootCmd
}

// initialize loads configuration and wires the runtime once.
func (cli *CLI) initialize(cmd *cobra.Command) error {
	if cli.container != nil {
		return nil
	}
	opts := []config.Option{config.WithConfigFile(cli.configFile)}
	flags := cmd.Flags()
	if flags.Changed("agent-url") {
		opts = append(opts, config.WithOverride("agent.base_url", cli.agentURL))
	}
	if flags.Changed("store-url") {
		opts = append(opts, config.WithOverride("store.base_url", cli.storeURL))
	}
	if flags.Changed("log-level") {
		opts = append(opts, config.WithOverride("observability.logging.level", cli.logLevel))
	}

	cfg, err := config.Load(opts...)
	if err != nil {
		return err
	}
	if cfg.Observability.Logging.Output == nil {
		cfg.Observability.Logging.Output = cmd.ErrOrStderr()
	}
	container, err := buildContainer(cfg)
	if err != nil {
		return err
	}
	cli.container = container
	return nil
}

func (cli *CLI) cleanup() {
	if err := cli.container.Cleanup(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", yellow("warning: flushing traces failed:"), err)
	}
}
