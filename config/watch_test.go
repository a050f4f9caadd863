package config

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quote-engine/internal/engine"
)

type recordingSink struct {
	mu  sync.Mutex
	got []engine.Tunables
}

func (s *recordingSink) UpdateTunables(t engine.Tunables) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, t)
	return nil
}

func (s *recordingSink) last() (engine.Tunables, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.got) == 0 {
		return engine.Tunables{}, false
	}
	return s.got[len(s.got)-1], true
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestWatcherAppliesTunablesOnWrite(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	sink := &recordingSink{}
	w, err := NewWatcher(path, 0, sink, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	updated := strings.Replace(sampleConfig, "tolerance: 0.5", "tolerance: 0.25", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		tun, ok := sink.last()
		return ok && tun.Instruments["BTCUSD"].Tolerance.String() == "0.25"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherRejectsInvalidConfig(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	sink := &recordingSink{}
	w, err := NewWatcher(path, 0, sink, nil)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, w.Reload())
	assert.Equal(t, 1, sink.count())

	broken := strings.Replace(sampleConfig, "variable: ref", "variable: missing", 1)
	require.NoError(t, os.WriteFile(path, []byte(broken), 0o644))
	err = w.Reload()
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, 1, sink.count())
}

func TestWatcherCooldown(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	sink := &recordingSink{}
	w, err := NewWatcher(path, time.Minute, sink, nil)
	require.NoError(t, err)
	defer w.Stop()

	now := time.Now()
	require.NoError(t, w.reload(now))
	require.NoError(t, w.reload(now.Add(time.Second)))
	assert.Equal(t, 1, sink.count())
	require.NoError(t, w.reload(now.Add(2*time.Minute)))
	assert.Equal(t, 2, sink.count())
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	w, err := NewWatcher(writeTempConfig(t, sampleConfig), 0, &recordingSink{}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop())
	assert.NotPanics(t, func() { _ = w.Stop() })
}
