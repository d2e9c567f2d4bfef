// Command hfgallagher implements the `hf gallagher` toolset: reading a
// card's Card Application Directory, cloning an AID entry onto it,
// deleting an entry, diversifying a site key for a given UID/AID, and
// decoding a raw credential block. One cobra command tree, log/slog, a
// reader-index flag, one PC/SC connection per run.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagLogFormat string
	flagVerbose   bool
	flagReader    int
	flagConfig    string
)

var rootCmd = &cobra.Command{
	Use:   "hfgallagher",
	Short: "Gallagher Card Application Directory tooling",
	Long: `hfgallagher reads, clones, and deletes entries in the Gallagher
Card Application Directory carried on a DESFire card, and diversifies or
decodes Gallagher credential material.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if flagVerbose {
			level = slog.LevelDebug
		}
		var handler slog.Handler
		if flagLogFormat == "json" {
			handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
		} else {
			handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
		}
		slog.SetDefault(slog.New(handler))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "log format: text or json")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().IntVar(&flagReader, "reader", 0, "PC/SC reader index")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to a config.yaml whose reader index overrides --reader")

	rootCmd.AddCommand(readerCmd, cloneCmd, deleteCmd, diversifyCmd, decodeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}
