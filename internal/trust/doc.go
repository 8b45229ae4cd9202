// Package trust builds TLS client contexts backed by a private trust bundle.
//
// A Provider reads a certificate bundle (PEM, DER, PKCS#12 or JKS)
// exactly once, optionally layers it over the platform CA store, and exposes a
// single shared tls.Config whose chain validation delegates to the platform
// X.509 verifier. Initialization either reaches Ready or Failed and never
// leaves that state; a failed provider keeps returning its original error and
// never hands out a context with default or disabled verification.
//
// A Watcher reports, as typed DriftEvent values, when the bundle file changes
// on disk after it was loaded. Applying a new bundle requires a restart.
package trust
