package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/polisai/polis-trust/internal/trust"
	"github.com/spf13/cobra"
)

type inspectReport struct {
	Source  string             `json:"source"`
	Format  string             `json:"format"`
	SHA256  string             `json:"sha256"`
	Skipped int                `json:"skipped"`
	Issuers []trust.IssuerInfo `json:"issuers"`
}

func newInspectCmd() *cobra.Command {
	var flags bundleFlags
	var output string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List the CA certificates a trust bundle accepts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.resolve()
			if err != nil {
				return err
			}

			p, err := trust.Load(cmd.Context(), cfg.Source(), cfg.ProviderOptions(newLogger(cmd), nil))
			if err != nil {
				return err
			}
			bundle := p.Bundle()
			v, err := p.Verifier()
			if err != nil {
				return err
			}

			report := inspectReport{
				Source:  bundle.Name(),
				Format:  string(bundle.Format()),
				SHA256:  bundle.SHA256(),
				Skipped: bundle.Skipped(),
				Issuers: trust.DescribeIssuers(v.AcceptedIssuers(), time.Now()),
			}

			switch output {
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			case "text", "":
				printInspectText(cmd, report)
				return nil
			default:
				return fmt.Errorf("unsupported output format %q", output)
			}
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text, json)")
	return cmd
}

func printInspectText(cmd *cobra.Command, report inspectReport) {
	out := cmd.OutOrStdout()
	writeLine(out, "Trust bundle: %s", report.Source)
	writeLine(out, "  Format: %s", report.Format)
	writeLine(out, "  SHA-256: %s", report.SHA256)
	writeLine(out, "  Accepted issuers: %d", len(report.Issuers))
	if report.Skipped > 0 {
		writeLine(out, "  Ignored non-CA certificates: %d", report.Skipped)
	}

	for i, info := range report.Issuers {
		writeLine(out, "")
		writeLine(out, "[%d] %s", i+1, info.Subject)
		writeLine(out, "  Issuer: %s", info.Issuer)
		writeLine(out, "  Serial: %s", info.SerialNumber)
		writeLine(out, "  Valid From: %s", info.NotBefore.Format(time.RFC3339))
		writeLine(out, "  Valid Until: %s", info.NotAfter.Format(time.RFC3339))
		writeLine(out, "  Fingerprint: %s", info.SHA256Fingerprint)
		writeLine(out, "  Status: %s (%d days)", info.Status, info.DaysUntilExpiry)
	}
}
