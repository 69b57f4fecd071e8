package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/racai-ai/saroj/internal/client"
	"github.com/racai-ai/saroj/internal/common"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

type app struct {
	cfg     *common.Config
	logger  *slog.Logger
	baseURL string
	verbose bool
}

func (a *app) client() *client.PollingClient {
	return client.New(a.baseURL, a.logger, client.WithTimeout(a.cfg.Client.Timeout))
}

func newRootCommand() *cobra.Command {
	a := &app{cfg: common.LoadConfig()}

	root := &cobra.Command{
		Use:           "anonctl",
		Short:         "Submit documents for anonymization and inspect their results",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if a.verbose {
				level = slog.LevelDebug
			}
			a.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(a.logger)
		},
	}
	root.PersistentFlags().StringVar(&a.baseURL, "url", a.cfg.Client.BaseURL, "anonymization service base URL")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "verbose logging")

	root.AddCommand(
		newSubmitCommand(a),
		newStatusCommand(a),
		newWaitCommand(a),
		newExtractCommand(a),
		newBatchCommand(a),
		newExportCommand(a),
		newHistoryCommand(a),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}
}
