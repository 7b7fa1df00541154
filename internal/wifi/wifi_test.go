package wifi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const sampleProcWireless = `Inter-| sta-|   Quality        |   Discarded packets               | Missed | WE
 face | tus | link level noise |  nwid  crypt   frag  retry   misc | beacon | 22
 wlan0: 0000   54.  -56.  -256        0      0      0      0      0        0
`

func TestParseRSSI(t *testing.T) {
	assert.Equal(t, -56, parseRSSI(sampleProcWireless))
}

func TestParseRSSINoInterface(t *testing.T) {
	headerOnly := "Inter-| sta-|   Quality\n face | tus | link level noise\n"
	assert.Equal(t, 0, parseRSSI(headerOnly))
	assert.Equal(t, 0, parseRSSI(""))
	assert.Equal(t, 0, parseRSSI("garbage"))
}
