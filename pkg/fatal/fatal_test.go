package fatal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newObserved(interval time.Duration) (*Handler, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return New(zap.New(core), interval), logs
}

func TestHaltRepeats(t *testing.T) {
	h, logs := newObserved(5 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	h.Halt(ctx, errors.New("failed to seize"))

	entries := logs.All()
	require.GreaterOrEqual(t, len(entries), 2)
	for _, e := range entries {
		assert.Equal(t, "PANIC: failed to seize", e.Message)
		assert.Equal(t, "fatal", e.LoggerName)
	}
}

func TestRecover(t *testing.T) {
	h, logs := newObserved(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	func() {
		defer h.Recover(ctx)
		panic("invalid pid")
	}()

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "PANIC: invalid pid", logs.All()[0].Message)
}

func TestMustNil(t *testing.T) {
	h, logs := newObserved(time.Hour)
	h.Must(context.Background(), nil)
	assert.Equal(t, 0, logs.Len())
}
