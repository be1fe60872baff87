package main

import (
	"fmt"

	"csms/internal/repo"
	"csms/internal/security"

	"github.com/spf13/cobra"
)

var stationCmd = &cobra.Command{
	Use:   "station",
	Short: "Provision a charging station",
	Long: `Create or update a station with its shared secret. With --site the station
joins that site area, which is created when missing.`,
	RunE: runStation,
}

func init() {
	rootCmd.AddCommand(stationCmd)
	stationCmd.Flags().String("id", "CP-123", "charge point id")
	stationCmd.Flags().String("secret", "", "shared secret, generated when empty (stored hashed)")
	stationCmd.Flags().Bool("active", true, "mark the station active")
	stationCmd.Flags().String("site", "", "site area name")
	stationCmd.Flags().Float64("max-amps", 0, "site area amperage cap when the site is created")
}

func runStation(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	d := database(cmd)
	id, _ := cmd.Flags().GetString("id")
	secret, _ := cmd.Flags().GetString("secret")
	active, _ := cmd.Flags().GetBool("active")
	siteName, _ := cmd.Flags().GetString("site")
	maxAmps, _ := cmd.Flags().GetFloat64("max-amps")

	generated := false
	if secret == "" {
		var err error
		if secret, err = security.GenerateSecret(); err != nil {
			return err
		}
		generated = true
	}

	var siteAreaID string
	if siteName != "" {
		var err error
		if siteAreaID, err = ensureSiteArea(ctx, repo.NewSiteAreasRepo(d.Pool), siteName, maxAmps); err != nil {
			return err
		}
	}

	stations := repo.NewStationsRepo(d.Pool)
	if err := stations.Provision(ctx, id, security.HashSecretSHA256(secret), siteAreaID, active); err != nil {
		return fmt.Errorf("failed to provision station: %w", err)
	}
	fmt.Printf("Seeded station %s active=%t site_area=%q\n", id, active, siteAreaID)
	if generated {
		fmt.Printf("Generated secret: %s\n", secret)
	}
	return nil
}
