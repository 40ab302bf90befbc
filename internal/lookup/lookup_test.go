package lookup

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddrNumericModeSkipsReverseLookup(t *testing.T) {
	orig := NumericMode
	NumericMode = true
	defer func() { NumericMode = orig }()

	got := Addr(&net.UDPAddr{IP: net.ParseIP("192.0.2.1")})
	assert.Equal(t, "192.0.2.1", got)
}

func TestIsPermanentLookupError(t *testing.T) {
	assert.True(t, isPermanentLookupError(&net.DNSError{IsNotFound: true}))
	assert.False(t, isPermanentLookupError(&net.DNSError{IsTimeout: true}))
	assert.False(t, isPermanentLookupError(nil))
}
