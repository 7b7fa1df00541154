package devconf

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltlog/battery-node/internal/battery"
	"github.com/voltlog/battery-node/internal/nvstore"
)

func openTestStore(t *testing.T) *nvstore.Store {
	s, err := nvstore.Open(filepath.Join(t.TempDir(), "config.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFirstRunSeedsDefaults(t *testing.T) {
	s := openTestStore(t)

	c, firstRun, err := Load(s)
	require.NoError(t, err)
	assert.True(t, firstRun)
	assert.True(t, c.DeepSleepEnabled)
	assert.Equal(t, battery.ChemistryLeadAcid, c.Chemistry)
	assert.Equal(t, DefaultBrokerPort, c.BrokerPort)
	assert.Empty(t, c.OTATargetVersion)

	// Second load is no longer a first run.
	_, firstRun, err = Load(s)
	require.NoError(t, err)
	assert.False(t, firstRun)
}

func TestClearForcesFirstRun(t *testing.T) {
	s := openTestStore(t)

	c, _, err := Load(s)
	require.NoError(t, err)
	c.DeepSleepEnabled = false
	require.NoError(t, c.Save(s))

	require.NoError(t, s.Clear())

	c, firstRun, err := Load(s)
	require.NoError(t, err)
	assert.True(t, firstRun)
	assert.True(t, c.DeepSleepEnabled, "freshly cleared store must return the compiled default")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)

	c, _, err := Load(s)
	require.NoError(t, err)
	c.WifiSSID = "shed-wifi"
	c.BrokerHost = "10.0.0.9"
	c.BrokerPort = 8883
	c.Chemistry = battery.ChemistryLiFePO4
	c.OTATargetVersion = "1.0.2"
	require.NoError(t, c.Save(s))

	c2, _, err := Load(s)
	require.NoError(t, err)
	assert.Equal(t, "shed-wifi", c2.WifiSSID)
	assert.Equal(t, "10.0.0.9", c2.BrokerHost)
	assert.Equal(t, 8883, c2.BrokerPort)
	assert.Equal(t, battery.ChemistryLiFePO4, c2.Chemistry)
	assert.Equal(t, "1.0.2", c2.OTATargetVersion)
}

func TestSet(t *testing.T) {
	c := defaults()

	require.NoError(t, c.Set("ssid", "barn"))
	assert.Equal(t, "barn", c.WifiSSID)

	require.NoError(t, c.Set("deep_sleep", "off"))
	assert.False(t, c.DeepSleepEnabled)
	require.NoError(t, c.Set("deep_sleep", "1"))
	assert.True(t, c.DeepSleepEnabled)

	require.NoError(t, c.Set("chemistry", "LiFePO4"))
	assert.Equal(t, battery.ChemistryLiFePO4, c.Chemistry)

	assert.Error(t, c.Set("chemistry", "nicad"))
	assert.Error(t, c.Set("mqtt_port", "nope"))
	assert.Error(t, c.Set("mqtt_port", "99999"))
	assert.Error(t, c.Set("bogus_key", "x"))

	// Failed sets must not have mutated anything.
	assert.Equal(t, battery.ChemistryLiFePO4, c.Chemistry)
	assert.Equal(t, DefaultBrokerPort, c.BrokerPort)
}

func TestUnknownChemistryInStoreFallsBack(t *testing.T) {
	s := openTestStore(t)

	_, _, err := Load(s)
	require.NoError(t, err)
	require.NoError(t, s.PutString("config", "chemistry", "unobtainium"))

	c, _, err := Load(s)
	require.NoError(t, err)
	assert.Equal(t, DefaultChemistry, c.Chemistry)
}
