package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"csms/internal/config"
	"csms/internal/db"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type dbKey struct{}

var rootCmd = &cobra.Command{
	Use:   "seed",
	Short: "Provision stations, tags, eMAIDs, certificates and tariffs",
	Long: `seed writes operator owned data straight into the CSMS database.
It applies the schema first, so it can run against an empty database.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		d, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := d.Migrate(ctx); err != nil {
			d.Close()
			return err
		}
		cmd.SetContext(context.WithValue(cmd.Context(), dbKey{}, d))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		database(cmd).Close()
	},
}

func database(cmd *cobra.Command) *db.DB {
	d, _ := cmd.Context().Value(dbKey{}).(*db.DB)
	return d
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
