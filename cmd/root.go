// Package cmd defines the CLI commands for the forums-miner executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forums-miner",
		Short: "Incremental scraper for the grandMA2 Macro Share forum",
		Long: `forums-miner walks the grandMA2 Macro Share board, scrapes threads
that are new or have new replies, downloads their macro and show file
attachments, and lays everything out on disk grouped by asset type and
post date. State tracking makes repeat runs cheap: unchanged threads
and unchanged attachments are left alone.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults plus MINER_* env vars)")

	cmd.AddCommand(newScrapeCmd())

	return cmd
}

// Execute is the main entry point. It installs signal handling so an
// interrupt stops the crawl between threads instead of mid-write.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
