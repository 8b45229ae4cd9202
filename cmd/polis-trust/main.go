// Package main is the entry point for the polis-trust binary.
// It inspects trust bundles, verifies chains against them and runs the
// bundle drift monitor.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/polisai/polis-trust/internal/trust"
	"github.com/polisai/polis-trust/pkg/config"
	"github.com/polisai/polis-trust/pkg/logging"
	"github.com/spf13/cobra"
)

const defaultLogLevel = "info"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", formatError(err))
		os.Exit(1)
	}
}

// formatError includes recovery suggestions for trust and config errors.
func formatError(err error) string {
	var trustErr *trust.TrustError
	if errors.As(err, &trustErr) {
		return trustErr.GetDetailedMessage()
	}
	var cfgErr *config.ConfigError
	if errors.As(err, &cfgErr) && len(cfgErr.Suggestions) > 0 {
		message := err.Error() + "\n\nSuggestions:"
		for i, s := range cfgErr.Suggestions {
			message += fmt.Sprintf("\n  %d. %s", i+1, s)
		}
		return message
	}
	return err.Error()
}

// newRootCmd creates the root command for polis-trust
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-trust",
		Short: "Private trust bundle tooling for Polis",
		Long: `Load a private CA trust bundle (PEM, DER, PKCS#12 or JKS), inspect the issuers it
accepts, verify certificate chains against it and monitor it for drift.

Example:
  polis-trust inspect --bundle /etc/polis/trust/bundle.p12 --password-env TRUST_PASSWORD
  polis-trust verify --bundle ./ca.pem --chain ./server.pem --server-name api.internal`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("log-level", "l", defaultLogLevel, "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "Human readable log output")

	rootCmd.AddCommand(
		newInspectCmd(),
		newVerifyCmd(),
		newFetchCmd(),
		newGenerateCmd(),
		newWatchCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the polis-trust version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "polis-trust version %s\n", version)
		},
	}
}

// newLogger builds the command logger from the persistent flags. Logs go to
// stderr so command output stays machine readable.
func newLogger(cmd *cobra.Command) *slog.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	pretty, _ := cmd.Flags().GetBool("pretty")
	return logging.NewLogger(logging.Config{
		Level:  level,
		Pretty: pretty,
		Output: cmd.ErrOrStderr(),
	})
}

// bundleFlags are shared by the commands that load a bundle directly.
type bundleFlags struct {
	config      string
	path        string
	format      string
	passwordEnv string
	sha256      string
	systemRoots bool
}

func (f *bundleFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.config, "config", "c", "", "Path to configuration file (YAML)")
	cmd.Flags().StringVarP(&f.path, "bundle", "b", "", "Path to the trust bundle")
	cmd.Flags().StringVar(&f.format, "format", "", "Bundle format (auto, pem, der, pkcs12, jks)")
	cmd.Flags().StringVar(&f.passwordEnv, "password-env", "", "Environment variable holding the PKCS#12 or JKS password")
	cmd.Flags().StringVar(&f.sha256, "sha256", "", "Expected SHA-256 of the bundle file")
	cmd.Flags().BoolVar(&f.systemRoots, "system-roots", false, "Also trust the platform CA store")
}

// resolve merges the config file, environment and flags; flags win.
func (f *bundleFlags) resolve() (*config.Config, error) {
	cfg, err := config.Parse(f.config)
	if err != nil {
		return nil, err
	}

	if f.path != "" {
		abs, err := filepath.Abs(f.path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve bundle path: %w", err)
		}
		cfg.Trust.Bundle.Path = abs
		cfg.Trust.Bundle.Inline = ""
	}
	if f.format != "" {
		cfg.Trust.Bundle.Format = f.format
	}
	if f.passwordEnv != "" {
		cfg.Trust.Bundle.PasswordEnv = f.passwordEnv
	}
	if f.sha256 != "" {
		cfg.Trust.Bundle.SHA256 = f.sha256
	}
	if f.systemRoots {
		cfg.Trust.IncludeSystemRoots = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func writeLine(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format+"\n", args...)
}
