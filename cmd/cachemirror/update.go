package main

import (
	"github.com/spf13/cobra"

	"github.com/cachemirror/cachemirror/internal/sqlite"
	"github.com/cachemirror/cachemirror/internal/updater"
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Synchronize the mirror against the upstream update server",
	Long: `Perform one update run: handshake with the upstream server, compare
its master index against the most recent local snapshot, download any
missing or changed archives, and commit them as a new snapshot.

An up-to-date mirror and a rejected handshake both exit 0 without
writing anything.`,
	Args: cobra.NoArgs,
	RunE: runUpdate,
}

func init() {
	updateCmd.Flags().StringVar(&flagHost, "host", "", "upstream update server hostname")
	updateCmd.Flags().IntVar(&flagPort, "port", 0, "upstream update server port")
	updateCmd.Flags().IntVar(&flagVersion, "revision", 0, "client revision for the handshake")
	updateCmd.Flags().StringVar(&flagDB, "db", "", "SQLite database path")
}

func runUpdate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	u := updater.New(cfg, db, newLogger())
	return u.Run(cmd.Context())
}
