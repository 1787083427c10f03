// Command transcoder runs the VOD transcoding pipeline: a worker pool that
// turns queued uploads into HLS rendition sets, the control API, and CLI
// helpers to enqueue and inspect jobs.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"vodpipeline/internal/observability/logging"
	"vodpipeline/internal/observability/metrics"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{flags: &rootFlags{}}
	var envFile string

	rootCmd := &cobra.Command{
		Use:           "transcoder",
		Short:         "HLS adaptive bitrate transcoding pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(envFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file with VODPIPE_* settings (default .env when present)")
	ctx.flags.register(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newEnqueueCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	return rootCmd
}

// loadEnvFile fills unset environment variables from a dotenv file. Real
// environment variables and flags keep precedence. Without an explicit path a
// missing .env is not an error.
func loadEnvFile(path string) error {
	path = firstNonEmpty(path, env("ENV_FILE"))
	if path == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// commandContext resolves settings once per invocation and opens backends on
// behalf of one-shot subcommands.
type commandContext struct {
	flags *rootFlags

	once     sync.Once
	settings settings
	err      error
}

func (c *commandContext) resolve() (settings, error) {
	c.once.Do(func() {
		c.settings, c.err = c.flags.resolve()
	})
	return c.settings, c.err
}

// withBackends opens the shared backends for a one-shot command. A memory
// queue would vanish with the process, so these commands require Redis.
func (c *commandContext) withBackends(cmd *cobra.Command, fn func(s settings, b *backends, logger *slog.Logger) error) error {
	s, err := c.resolve()
	if err != nil {
		return err
	}
	if s.QueueDriver != driverRedis {
		return fmt.Errorf("%s needs a shared queue: set --redis-addr or %sREDIS_ADDR", cmd.Name(), envPrefix)
	}
	logger := cliLogger(s, cmd.ErrOrStderr())
	b, err := openBackends(cmd.Context(), s, logger, metrics.New())
	if err != nil {
		return err
	}
	defer b.Close(logger)
	return fn(s, b, logger)
}

// cliLogger keeps diagnostics on w so command output stays parseable.
func cliLogger(s settings, w io.Writer) *slog.Logger {
	return logging.New(logging.Config{Level: s.LogLevel, Format: s.LogFormat, Writer: w})
}
