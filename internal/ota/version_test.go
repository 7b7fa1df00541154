package ota

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsNewerVersion(t *testing.T) {
	cases := []struct {
		target, current string
		newer           bool
	}{
		{"1.2.0", "1.1.9", true},
		{"1.0.0", "1.0.0", false},
		{"1.0.10", "1.0.9", true}, // numeric, not lexicographic
		{"2.0.0", "1.9.9", true},
		{"1.9.9", "2.0.0", false},
		{"1.0.0", "1.0.1", false},
		{"1.1", "1.0.9", true}, // missing patch counts as 0
		{"1", "0.9.9", true},
		{"v1.0.1", "1.0.0", true}, // leading v tolerated
	}
	for _, c := range cases {
		newer, err := IsNewerVersion(c.target, c.current)
		require.NoError(t, err, "%s vs %s", c.target, c.current)
		assert.Equal(t, c.newer, newer, "%s vs %s", c.target, c.current)
	}
}

func TestIsNewerVersionErrors(t *testing.T) {
	_, err := IsNewerVersion("1.x.0", "1.0.0")
	assert.Error(t, err)

	_, err = IsNewerVersion("1.0.0", "banana")
	assert.Error(t, err)

	// Empty versions are not errors, just never newer.
	newer, err := IsNewerVersion("", "1.0.0")
	assert.NoError(t, err)
	assert.False(t, newer)
}

func TestArtifactName(t *testing.T) {
	assert.Equal(t, "v1.0.2/firmware-leadacid.bin", ArtifactName("1.0.2", "lead-acid"))
	assert.Equal(t, "v2.1.0/firmware-lifepo4.bin", ArtifactName("2.1.0", "lifepo4"))
}
