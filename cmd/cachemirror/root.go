package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Global flag values.
var (
	flagConfigDir string
	flagHost      string
	flagPort      int
	flagVersion   int
	flagDB        string
	flagVerbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "cachemirror",
	Short: "cachemirror keeps a local snapshot mirror of a remote game asset cache",
	Long: `cachemirror synchronizes a content-addressed SQLite mirror of a game
asset cache against an upstream update server. Each successful run is
persisted as an immutable snapshot; unchanged archives are shared
between snapshots.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigDir, "config-dir", "", "configuration directory (default: platform config dir)")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "enable debug logging")

	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(versionCmd)
}

// newLogger builds the run's logger; --verbose raises the level to Debug.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
