package restart

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryFirstCallerWins(t *testing.T) {
	ClearInstance()
	t.Cleanup(ClearInstance)

	_, err := Instance()
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Panics(t, func() { MustInstance() })

	first := Initialize(Options{Initializer: StaticInitializer{"/a"}, Main: exampleMain})
	second := Initialize(Options{Initializer: StaticInitializer{"/b"}, Main: exampleMain})
	assert.Same(t, first, second)
	assert.Equal(t, []string{"/a"}, second.URLs())

	got, err := Instance()
	require.NoError(t, err)
	assert.Same(t, first, got)
}

func TestDisableTurnsExistingInstanceOff(t *testing.T) {
	ClearInstance()
	t.Cleanup(ClearInstance)

	r := Initialize(Options{Initializer: StaticInitializer{}, Main: exampleMain})
	require.True(t, r.Enabled())
	assert.Same(t, r, Disable())
	assert.False(t, r.Enabled())
}

func TestDisableWithoutInstance(t *testing.T) {
	ClearInstance()
	t.Cleanup(ClearInstance)

	r := Disable()
	assert.False(t, r.Enabled())
	assert.Same(t, r, MustInstance())
}
