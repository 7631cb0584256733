package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/hurttlocker/bibauthor/internal/config"
	"github.com/hurttlocker/bibauthor/internal/logging"
	"github.com/hurttlocker/bibauthor/internal/store"
)

type globalFlags struct {
	config   string
	db       string
	cacheDir string
	workers  string
	logLevel string
}

type commandContext struct {
	flags *globalFlags

	once     sync.Once
	resolved config.ResolvedConfig
	settings config.Settings
	err      error
}

func newCommandContext(flags *globalFlags) *commandContext {
	return &commandContext{flags: flags}
}

func (c *commandContext) ensureConfig() (config.Settings, error) {
	c.once.Do(func() {
		c.resolved, c.err = config.ResolveConfig(config.ResolveOptions{
			ConfigPath:  c.flags.config,
			CLIDBPath:   c.flags.db,
			CLICacheDir: c.flags.cacheDir,
			CLIWorkers:  c.flags.workers,
			CLILogLevel: c.flags.logLevel,
		})
		if c.err != nil {
			return
		}
		c.settings, c.err = c.resolved.Settings()
	})
	return c.settings, c.err
}

func (c *commandContext) logger() *logging.Logger {
	s, err := c.ensureConfig()
	if err != nil {
		return logging.Noop()
	}
	return logging.New(os.Stderr, s.LogLevel, s.LogFormat)
}

// withStore opens the configured database for the duration of fn.
func (c *commandContext) withStore(fn func(*store.SQLiteStore) error) error {
	s, err := c.ensureConfig()
	if err != nil {
		return err
	}
	st, err := store.NewStore(store.StoreConfig{DBPath: s.DBPath})
	if err != nil {
		return fmt.Errorf("opening store %s: %w", s.DBPath, err)
	}
	defer st.Close()
	return fn(st)
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	ctx := newCommandContext(flags)

	rootCmd := &cobra.Command{
		Use:           "bibauthor",
		Short:         "Author disambiguation for bibliographic records",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.config, "config", "c", "", "Configuration file path")
	pf.StringVar(&flags.db, "db", "", "Database path")
	pf.StringVar(&flags.cacheDir, "cache-dir", "", "Comparison cache directory")
	pf.StringVar(&flags.workers, "workers", "", "Parallel comparisons per bucket")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newImportCommand(ctx))
	rootCmd.AddCommand(newReconcileCommand(ctx))
	rootCmd.AddCommand(newReclusterCommand(ctx))
	rootCmd.AddCommand(newCacheCommand(ctx))
	rootCmd.AddCommand(newPersonsCommand(ctx))
	rootCmd.AddCommand(newReviewCommand(ctx))
	rootCmd.AddCommand(newStatsCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "bibauthor %s\n", version)
			return nil
		},
	}
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
