package main

import (
	"fmt"
	"os"

	"csms/internal/certs"
	"csms/internal/repo"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var certificateCmd = &cobra.Command{
	Use:   "certificate",
	Short: "Record a contract certificate chain",
	Long: `Read a PEM chain (leaf first) and store it with its OCSP hash data, so the
chain is recognized when a vehicle presents it.`,
	RunE: runCertificate,
}

func init() {
	rootCmd.AddCommand(certificateCmd)
	certificateCmd.Flags().String("file", "", "PEM file holding the chain")
	certificateCmd.Flags().String("type", "ContractCertificate", "certificate type")
	certificateCmd.Flags().String("station", "", "station the certificate is installed on")
	_ = certificateCmd.MarkFlagRequired("file")
}

func runCertificate(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	certType, _ := cmd.Flags().GetString("type")
	stationID, _ := cmd.Flags().GetString("station")

	chain, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	logger := zap.NewNop()
	registry := certs.NewRegistry(repo.NewCertificatesRepo(database(cmd).Pool), certs.NewAuthority(logger, nil), logger)
	cert, err := registry.Install(cmd.Context(), string(chain), certType, stationID)
	if err != nil {
		return fmt.Errorf("failed to record certificate: %w", err)
	}
	fmt.Printf("Seeded certificate %s serial=%s expires=%s\n", cert.ID, cert.HashData.SerialNumber, cert.ExpiresAt.Format("2006-01-02"))
	return nil
}
