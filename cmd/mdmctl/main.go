// Package main implements mdmctl, a terminal view of machine compliance records.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mdmview/internal/config"
	"mdmview/internal/logging"
	"mdmview/internal/source"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	backendURL string
	apiKey     string
	gitURL     string
	clonePath  string
	verbose    bool
	noColor    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "mdmctl",
		Short: "Inspect machine compliance from the terminal",
		Example: `  # Machines with open issues
  mdmctl machines --issues true --backend http://localhost:3000

  # Reports of one machine from a local clone
  mdmctl reports lab-042 --clone ./mdm-data`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Path to a YAML config file")
	flags.StringVar(&opts.backendURL, "backend", "", "Base URL of the machines API")
	flags.StringVar(&opts.apiKey, "api-key", "", "API key sent to the machines API")
	flags.StringVar(&opts.gitURL, "git", "", "Git repository URL to clone and read")
	flags.StringVar(&opts.clonePath, "clone", "", "Path to an existing local git clone")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Log source activity to stderr")
	flags.BoolVar(&opts.noColor, "no-color", false, "Disable coloured output")

	cmd.AddCommand(newMachinesCommand(opts))
	cmd.AddCommand(newReportsCommand(opts))
	cmd.AddCommand(newNotifyCommand(opts))
	return cmd
}

// loadConfig reads file and environment settings and applies the flags that were set.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.BackendURL = o.backendURL
	}
	if flags.Changed("api-key") {
		cfg.APIKey = o.apiKey
	}
	if flags.Changed("git") {
		cfg.GitURL = o.gitURL
	}
	if flags.Changed("clone") {
		cfg.ClonePath = o.clonePath
	}

	cfg.LogLevel = "warn"
	if o.verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func (o *rootOptions) logger(cfg *config.Config) (*zap.SugaredLogger, error) {
	return logging.New(cfg.LogLevel)
}

// openSource loads the configuration and opens the record source it selects.
func (o *rootOptions) openSource(cmd *cobra.Command) (source.Source, error) {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log, err := o.logger(cfg)
	if err != nil {
		return nil, err
	}
	return source.Open(cmd.Context(), cfg, log)
}
