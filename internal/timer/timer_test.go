package timer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/claude-relay/internal/watch"
)

func newTestTimer(t *testing.T) *PromptTimer {
	t.Helper()
	m := watch.NewManager(t.TempDir(), t.TempDir(), nil, watch.ManagerOptions{})
	return New(t.TempDir(), t.TempDir(), m)
}

func TestStartStop(t *testing.T) {
	pt := newTestTimer(t)
	assert.Nil(t, pt.Running())

	pt.Start(30, "check progress", 1)
	s := pt.Running()
	require.NotNil(t, s)
	assert.Equal(t, 30, s.FrequencyMin)
	assert.Equal(t, "check progress", s.Prompt)

	prior := pt.Stop()
	require.NotNil(t, prior)
	assert.Equal(t, 30, prior.FrequencyMin)
	assert.Nil(t, pt.Running())
}

func TestStartReplacesExisting(t *testing.T) {
	pt := newTestTimer(t)
	pt.Start(10, "first", 1)
	pt.Start(20, "second", 1)
	defer pt.Stop()

	s := pt.Running()
	require.NotNil(t, s)
	assert.Equal(t, 20, s.FrequencyMin)
	assert.Equal(t, "second", s.Prompt)
}

func TestStopWhenIdleReturnsNil(t *testing.T) {
	pt := newTestTimer(t)
	assert.Nil(t, pt.Stop())
	// Stopping twice stays safe.
	assert.Nil(t, pt.Stop())
}
