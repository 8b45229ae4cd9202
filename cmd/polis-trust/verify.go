package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/polisai/polis-trust/internal/trust"
	"github.com/spf13/cobra"
)

func newVerifyCmd() *cobra.Command {
	var flags bundleFlags
	var chainFile, usage, serverName string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a PEM certificate chain against a trust bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if chainFile == "" {
				return fmt.Errorf("--chain is required")
			}
			if usage != trust.UsageServer && usage != trust.UsageClient {
				return fmt.Errorf("unsupported usage %q, expected server or client", usage)
			}

			cfg, err := flags.resolve()
			if err != nil {
				return err
			}

			// #nosec G304 -- chain path is supplied by the operator
			data, err := os.ReadFile(filepath.Clean(chainFile))
			if err != nil {
				return fmt.Errorf("failed to read chain: %w", err)
			}
			chain, err := trust.ParseChainPEM(data)
			if err != nil {
				return fmt.Errorf("failed to parse chain %s: %w", chainFile, err)
			}

			p, err := trust.Load(cmd.Context(), cfg.Source(), cfg.ProviderOptions(newLogger(cmd), nil))
			if err != nil {
				return err
			}

			if usage == trust.UsageClient {
				err = p.VerifyClientChain(cmd.Context(), chain)
			} else {
				err = p.VerifyServerChain(cmd.Context(), chain, serverName)
			}
			if err != nil {
				return err
			}

			writeLine(cmd.OutOrStdout(), "OK: %s chain for %s is trusted by %s", usage, chain[0].Subject, p.Bundle().Name())
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&chainFile, "chain", "", "PEM file with the leaf certificate first, then intermediates")
	cmd.Flags().StringVar(&usage, "usage", trust.UsageServer, "Expected key usage (server, client)")
	cmd.Flags().StringVar(&serverName, "server-name", "", "Host name the leaf must be valid for")
	return cmd
}
