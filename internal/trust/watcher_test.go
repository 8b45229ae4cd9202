package trust

import (
	"context"
	"crypto/x509"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForDrift(t *testing.T, w *Watcher) DriftEvent {
	t.Helper()
	select {
	case event, ok := <-w.Events():
		require.True(t, ok, "event channel closed")
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for drift event")
		return DriftEvent{}
	}
}

func TestWatcher_ReportsDrift(t *testing.T) {
	pki := newTestPKI(t)
	dir := t.TempDir()
	original := pki.bundlePEM()
	path := writeFile(t, dir, "bundle.pem", original)

	src := FileSource(path)
	p, err := Load(context.Background(), src, Options{})
	require.NoError(t, err)

	w, err := WatchProvider(context.Background(), p, src, WatcherOptions{Debounce: 20 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	replacement := EncodePEMBundle([]*x509.Certificate{pki.otherCA.Certificate})
	require.NoError(t, os.WriteFile(path, replacement, 0644))

	event := waitForDrift(t, w)
	assert.Equal(t, DriftModified, event.Kind)
	assert.Equal(t, p.Bundle().SHA256(), event.LoadedSHA256)
	assert.NotEqual(t, event.LoadedSHA256, event.CurrentSHA256)
	assert.Equal(t, path, event.Path)

	require.NoError(t, os.WriteFile(path, original, 0644))
	event = waitForDrift(t, w)
	assert.Equal(t, DriftRestored, event.Kind)
	assert.Equal(t, event.LoadedSHA256, event.CurrentSHA256)

	require.NoError(t, os.Remove(path))
	event = waitForDrift(t, w)
	assert.Equal(t, DriftRemoved, event.Kind)
	assert.Empty(t, event.CurrentSHA256)

	// the provider keeps serving the bundle it loaded
	assert.Equal(t, StateReady, p.State())
	assert.NoError(t, p.VerifyServerChain(context.Background(), []*x509.Certificate{pki.server.Certificate}, "localhost"))
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	pki := newTestPKI(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "bundle.pem", pki.bundlePEM())

	w, err := NewWatcher(path, "loaded", WatcherOptions{Debounce: 10 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Close() })

	writeFile(t, dir, "other.pem", []byte("unrelated"))

	select {
	case event := <-w.Events():
		t.Fatalf("unexpected event %+v", event)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_CloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bundle.pem", []byte("x"))

	w, err := NewWatcher(path, "", WatcherOptions{})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, w.Close())
	assert.NoError(t, w.Close())

	_, ok := <-w.Events()
	assert.False(t, ok)
}

func TestWatchProvider_Rejections(t *testing.T) {
	pki := newTestPKI(t)

	p, err := Load(context.Background(), BytesSource("inline", pki.bundlePEM()), Options{})
	require.NoError(t, err)
	_, err = WatchProvider(context.Background(), p, BytesSource("inline", pki.bundlePEM()), WatcherOptions{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = WatchProvider(context.Background(), p, nil, WatcherOptions{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	path := writeFile(t, t.TempDir(), "bundle.pem", pki.bundlePEM())
	_, err = WatchProvider(context.Background(), NewProvider(Options{}), FileSource(path), WatcherOptions{})
	assert.ErrorIs(t, err, ErrNotInitialized)
}
