package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_NewConstructsRegisteredPlugin(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", func(options map[string]any) (any, error) {
		return options["value"], nil
	})

	got, err := r.New("echo", map[string]any{"value": 42})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestRegistry_New_UnknownName_ReturnsError(t *testing.T) {
	r := NewRegistry()
	r.Register("known", func(map[string]any) (any, error) { return nil, nil })

	_, err := r.New("missing", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "known")
}

func TestRegistry_Register_ReReplacesExistingConstructor(t *testing.T) {
	r := NewRegistry()
	r.Register("name", func(map[string]any) (any, error) { return "first", nil })
	r.Register("name", func(map[string]any) (any, error) { return "second", nil })

	got, err := r.New("name", nil)
	require.NoError(t, err)
	assert.Equal(t, "second", got)
}

func TestRegistry_ZeroValue_IsUsable(t *testing.T) {
	var r Registry
	r.Register("name", func(map[string]any) (any, error) { return "ok", nil })

	got, err := r.New("name", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}
