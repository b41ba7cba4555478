package lua

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFilename(t *testing.T) {
	for _, ok := range []string{"wave.lua", "slow-ramp.lua"} {
		name, err := sanitizeFilename(ok)
		require.NoError(t, err, ok)
		assert.Equal(t, ok, name)
	}
	for _, bad := range []string{"wave", "../wave.lua", "sub/wave.lua", ".lua", "wave.txt"} {
		_, err := sanitizeFilename(bad)
		assert.Error(t, err, bad)
	}
}

func TestStore_RoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "patterns")
	s := NewStore(dir)

	list, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.Save("b.lua", "vibrate(0, 1)"))
	require.NoError(t, s.Save("a.lua", "stop_all()"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	list, err = s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.lua", "b.lua"}, list)

	code, err := s.Code("b.lua")
	require.NoError(t, err)
	assert.Equal(t, "vibrate(0, 1)", code)

	require.NoError(t, s.Delete("b.lua"))
	_, err = s.Code("b.lua")
	assert.Error(t, err)

	assert.Error(t, s.Save("../escape.lua", ""))
}
