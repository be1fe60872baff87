package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"csms/internal/models"
	"csms/internal/repo"

	"github.com/spf13/cobra"
)

var tariffCmd = &cobra.Command{
	Use:   "tariff",
	Short: "Set the active tariff of a site area",
	Long: `Replace the active tariff of a site area. Each --window is FROM/TO=PRICE with
RFC3339 timestamps, e.g. 2024-05-01T18:00:00Z/2024-05-01T22:00:00Z=0.95.`,
	RunE: runTariff,
}

func init() {
	rootCmd.AddCommand(tariffCmd)
	tariffCmd.Flags().String("site", "", "site area name, created when missing")
	tariffCmd.Flags().Float64("price-per-kwh", 0, "flat price per kWh")
	tariffCmd.Flags().String("currency", "EUR", "tariff currency")
	tariffCmd.Flags().StringArray("window", nil, "price window FROM/TO=PRICE, repeatable")
	_ = tariffCmd.MarkFlagRequired("site")
}

func runTariff(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	d := database(cmd)
	siteName, _ := cmd.Flags().GetString("site")
	price, _ := cmd.Flags().GetFloat64("price-per-kwh")
	currency, _ := cmd.Flags().GetString("currency")
	rawWindows, _ := cmd.Flags().GetStringArray("window")

	windows := make([]models.PriceWindow, 0, len(rawWindows))
	for _, raw := range rawWindows {
		w, err := parseWindow(raw)
		if err != nil {
			return err
		}
		windows = append(windows, w)
	}

	siteAreaID, err := ensureSiteArea(ctx, repo.NewSiteAreasRepo(d.Pool), siteName, 0)
	if err != nil {
		return err
	}
	id, err := repo.NewTariffsRepo(d.Pool).UpsertActiveForSiteArea(ctx, siteAreaID, price, currency, windows)
	if err != nil {
		return fmt.Errorf("failed to save tariff: %w", err)
	}
	fmt.Printf("Seeded tariff %s for site area %s: %.4f %s/kWh, %d window(s)\n", id, siteAreaID, price, currency, len(windows))
	return nil
}

func parseWindow(raw string) (models.PriceWindow, error) {
	span, priceStr, ok := strings.Cut(raw, "=")
	if !ok {
		return models.PriceWindow{}, fmt.Errorf("window %q: missing =PRICE", raw)
	}
	fromStr, toStr, ok := strings.Cut(span, "/")
	if !ok {
		return models.PriceWindow{}, fmt.Errorf("window %q: missing FROM/TO", raw)
	}
	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		return models.PriceWindow{}, fmt.Errorf("window %q: %w", raw, err)
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		return models.PriceWindow{}, fmt.Errorf("window %q: %w", raw, err)
	}
	if !to.After(from) {
		return models.PriceWindow{}, fmt.Errorf("window %q: end before start", raw)
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil || price < 0 {
		return models.PriceWindow{}, fmt.Errorf("window %q: invalid price", raw)
	}
	return models.PriceWindow{From: from.UTC(), To: to.UTC(), PricePerKwh: price}, nil
}

type siteAreaStore interface {
	GetByName(ctx context.Context, name string) (*models.SiteArea, error)
	Create(ctx context.Context, name string, maxAmps float64) (string, error)
}

func ensureSiteArea(ctx context.Context, sites siteAreaStore, name string, maxAmps float64) (string, error) {
	existing, err := sites.GetByName(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to look up site area: %w", err)
	}
	if existing != nil {
		return existing.SiteAreaID, nil
	}
	id, err := sites.Create(ctx, name, maxAmps)
	if err != nil {
		return "", fmt.Errorf("failed to create site area: %w", err)
	}
	return id, nil
}
