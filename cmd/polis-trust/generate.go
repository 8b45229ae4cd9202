package main

import (
	"fmt"

	"github.com/polisai/polis-trust/internal/trust"
	"github.com/spf13/cobra"
)

func newGenerateCmd() *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a test CA suite and matching trust bundles",
		Long: `Generate a trusted test CA, an unrelated CA, leaf certificates signed by each,
and the trusted CA as PEM, DER, PKCS#12 and JKS trust bundles. The PKCS#12 and
JKS stores use the password "` + trust.DefaultTrustStorePassword + `".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			suite, err := trust.GenerateTestSuite(outputDir)
			if err != nil {
				return fmt.Errorf("failed to generate test suite: %w", err)
			}

			out := cmd.OutOrStdout()
			writeLine(out, "Test certificate suite generated in %s", suite.Dir)
			writeLine(out, "  Trusted CA: %s", suite.CACert)
			writeLine(out, "  Untrusted CA: %s", suite.OtherCACert)
			writeLine(out, "  Server: %s", suite.ServerCert)
			writeLine(out, "  Client: %s", suite.ClientCert)
			writeLine(out, "  Untrusted server: %s", suite.UntrustedServerCert)
			writeLine(out, "  Bundles: %s, %s, %s, %s", suite.BundlePEM, suite.BundleDER, suite.BundlePKCS12, suite.BundleJKS)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "./certs", "Directory to write certificates to")
	return cmd
}
