package trust

import (
	"context"
	"crypto/x509"
	"log/slog"
	"time"
)

// Logger provides structured logging for trust provider events
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates a new trust logger
func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}

	return &Logger{
		logger: logger.With("component", "trust"),
	}
}

// LogBundleLoad logs the outcome of reading and decoding a trust bundle
func (l *Logger) LogBundleLoad(ctx context.Context, providerID, source string, bundle *Bundle, duration time.Duration, err error) {
	attrs := []slog.Attr{
		slog.String("event", "bundle_load"),
		slog.String("provider_id", providerID),
		slog.String("source", source),
		slog.Duration("duration", duration),
		slog.Bool("success", err == nil),
	}

	if bundle != nil {
		attrs = append(attrs,
			slog.String("format", string(bundle.Format())),
			slog.Int("certificates", bundle.Len()),
			slog.Int("skipped", bundle.Skipped()),
			slog.String("sha256", bundle.SHA256()),
		)
		if bundle.Skipped() > 0 {
			l.logger.LogAttrs(ctx, slog.LevelWarn, "Trust bundle contains non-CA certificates that were ignored",
				slog.String("source", source),
				slog.Int("skipped", bundle.Skipped()),
			)
		}
	}

	if err != nil {
		attrs = append(attrs,
			slog.String("error", err.Error()),
			slog.Bool("fatal", IsFatal(err)),
		)
		l.logger.LogAttrs(ctx, slog.LevelError, "Trust bundle load failed", attrs...)
		return
	}

	l.logger.LogAttrs(ctx, slog.LevelInfo, "Trust bundle loaded", attrs...)
}

// LogStateChange logs provider lifecycle transitions
func (l *Logger) LogStateChange(ctx context.Context, providerID string, from, to State) {
	level := slog.LevelDebug
	if to == StateFailed {
		level = slog.LevelWarn
	}

	l.logger.LogAttrs(ctx, level, "Trust provider state changed",
		slog.String("event", "state_change"),
		slog.String("provider_id", providerID),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
}

// LogChainValidation logs certificate chain validation results
func (l *Logger) LogChainValidation(ctx context.Context, usage string, leaf *x509.Certificate, err error) {
	level := slog.LevelDebug
	message := "Certificate chain accepted"

	if err != nil {
		level = slog.LevelWarn
		message = "Certificate chain rejected"
	}

	attrs := []slog.Attr{
		slog.String("event", "chain_validation"),
		slog.String("usage", usage),
		slog.Bool("success", err == nil),
	}

	if leaf != nil {
		attrs = append(attrs,
			slog.String("subject", leaf.Subject.String()),
			slog.String("issuer", leaf.Issuer.String()),
			slog.Time("not_after", leaf.NotAfter),
		)
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	l.logger.LogAttrs(ctx, level, message, attrs...)
}

// LogBundleDrift logs a change to the on-disk bundle after initialization
func (l *Logger) LogBundleDrift(ctx context.Context, event DriftEvent) {
	level := slog.LevelWarn
	message := "Trust bundle changed on disk; restart required to apply"

	if event.Kind == DriftRestored {
		level = slog.LevelInfo
		message = "Trust bundle on disk matches the loaded bundle again"
	}

	l.logger.LogAttrs(ctx, level, message,
		slog.String("event", "bundle_drift"),
		slog.String("kind", string(event.Kind)),
		slog.String("path", event.Path),
		slog.String("loaded_sha256", event.LoadedSHA256),
		slog.String("current_sha256", event.CurrentSHA256),
		slog.Time("at", event.At),
	)
}
