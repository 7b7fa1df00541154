package retained

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColdBootStartsAtZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootstate.json")

	s, cause := Load(path)
	assert.Equal(t, WakeCauseCold, cause)
	assert.Equal(t, 0, s.BootCount)

	s.NewWake()
	assert.Equal(t, 1, s.BootCount)
}

func TestSurvivesSleepRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootstate.json")

	s, _ := Load(path)
	s.NewWake()
	s.LastVoltage = 12.42
	require.NoError(t, s.Save())

	// Simulated wake from deep sleep: a fresh process loads the same file.
	s2, cause := Load(path)
	assert.Equal(t, WakeCauseTimer, cause)
	assert.Equal(t, 1, s2.BootCount)
	assert.InDelta(t, 12.42, float64(s2.LastVoltage), 0.001)

	s2.NewWake()
	assert.Equal(t, 2, s2.BootCount)
}

func TestCorruptStateTreatedAsColdBoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootstate.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	s, cause := Load(path)
	assert.Equal(t, WakeCauseCold, cause)
	assert.Equal(t, 0, s.BootCount)
	require.NoError(t, s.Save())
}
