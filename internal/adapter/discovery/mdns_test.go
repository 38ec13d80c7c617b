//go:build mdns

package discovery

import (
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
)

func TestEntryRecord(t *testing.T) {
	entry := zeroconf.NewServiceEntry("studio", DefaultService, DefaultDomain)
	entry.HostName = "studio.local."
	entry.Port = 18789
	entry.Text = []string{"version=3"}
	entry.AddrIPv4 = append(entry.AddrIPv4, []byte{192, 168, 1, 10})

	gw, ok := toGateway(entryRecord(entry))
	assert.True(t, ok)
	assert.Equal(t, "studio", gw.Instance)
	assert.Equal(t, "ws://192.168.1.10:18789", gw.URL)
	assert.Equal(t, "3", gw.TXT["version"])
}
