package registry

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	calls   int
	added   []string
	removed []string
}

func (o *recordingObserver) OnUniverseChange(symbols, timeframes, added, removed []string) {
	o.calls++
	o.added = added
	o.removed = removed
}

type panickyObserver struct{}

func (panickyObserver) OnUniverseChange(symbols, timeframes, added, removed []string) {
	panic("observer bug")
}

func newTestRegistry() *Registry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return New(logger)
}

func TestRegistry_UpdateComputesDelta(t *testing.T) {
	r := newTestRegistry()

	added, removed := r.Update([]string{"BTCUSDT", "ETHUSDT"}, []string{"1m"})
	assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT"}, added)
	assert.Empty(t, removed)

	added, removed = r.Update([]string{"ETHUSDT", "SOLUSDT"}, []string{"1m"})
	assert.ElementsMatch(t, []string{"SOLUSDT"}, added)
	assert.ElementsMatch(t, []string{"BTCUSDT"}, removed)

	symbols, timeframes := r.Snapshot()
	assert.ElementsMatch(t, []string{"ETHUSDT", "SOLUSDT"}, symbols)
	assert.Equal(t, []string{"1m"}, timeframes)
}

func TestRegistry_UpdateDeduplicates(t *testing.T) {
	r := newTestRegistry()

	added, _ := r.Update([]string{"BTCUSDT", "BTCUSDT"}, []string{"1m", "1m"})
	assert.Equal(t, []string{"BTCUSDT"}, added)

	symbols, timeframes := r.Snapshot()
	assert.Equal(t, []string{"BTCUSDT"}, symbols)
	assert.Equal(t, []string{"1m"}, timeframes)
}

func TestRegistry_ObserversNotified(t *testing.T) {
	r := newTestRegistry()
	obs := &recordingObserver{}
	r.Subscribe(obs)

	r.Update([]string{"BTCUSDT"}, []string{"1m"})
	require.Equal(t, 1, obs.calls)
	assert.Equal(t, []string{"BTCUSDT"}, obs.added)

	// An unchanged universe does not re-notify.
	r.Update([]string{"BTCUSDT"}, []string{"1m"})
	assert.Equal(t, 1, obs.calls)
}

func TestRegistry_PanickingObserverIsolated(t *testing.T) {
	r := newTestRegistry()
	healthy := &recordingObserver{}
	r.Subscribe(panickyObserver{})
	r.Subscribe(healthy)

	assert.NotPanics(t, func() {
		r.Update([]string{"BTCUSDT"}, []string{"1m"})
	})
	assert.Equal(t, 1, healthy.calls)
}
