package main

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/polisai/polis-trust/internal/trust"
	"github.com/polisai/polis-trust/pkg/httpclient"
	"github.com/spf13/cobra"
)

func newFetchCmd() *cobra.Command {
	var flags bundleFlags
	var serverName string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "fetch URL",
		Short: "Fetch an HTTPS URL using only the trust bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.resolve()
			if err != nil {
				return err
			}

			p, err := trust.Load(cmd.Context(), cfg.Source(), cfg.ProviderOptions(newLogger(cmd), nil))
			if err != nil {
				return err
			}

			client, err := httpclient.New(p, httpclient.Options{Timeout: timeout, ServerName: serverName})
			if err != nil {
				return err
			}
			defer client.CloseIdleConnections()

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, args[0], nil)
			if err != nil {
				return fmt.Errorf("invalid URL: %w", err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", args[0], err)
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, resp.Body)

			out := cmd.OutOrStdout()
			writeLine(out, "%s %s", resp.Proto, resp.Status)
			if resp.TLS != nil {
				writeLine(out, "  TLS: %s %s", tls.VersionName(resp.TLS.Version), tls.CipherSuiteName(resp.TLS.CipherSuite))
				if len(resp.TLS.PeerCertificates) > 0 {
					leaf := resp.TLS.PeerCertificates[0]
					writeLine(out, "  Peer: %s", leaf.Subject)
					writeLine(out, "  Issuer: %s", leaf.Issuer)
				}
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&serverName, "server-name", "", "Override the TLS server name")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	return cmd
}
