package diskspace

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck(t *testing.T) {
	info, err := Check(t.TempDir())
	require.NoError(t, err)
	assert.Positive(t, info.Total)
	assert.LessOrEqual(t, info.Available, info.Total)
	assert.GreaterOrEqual(t, info.UsedPct, 0)
	assert.LessOrEqual(t, info.UsedPct, 100)
}

func TestCheckMissingPathUsesParent(t *testing.T) {
	dir := t.TempDir()
	info, err := Check(filepath.Join(dir, "not", "yet", "created"))
	require.NoError(t, err)
	assert.Positive(t, info.Total)
}
