package nfc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// catalog check values over the standard "123456789" test vector
func TestCRCCheckValues(t *testing.T) {
	data := []byte("123456789")

	assert.Equal(t, uint16(0xBF05), CRCA(data), "CRC-16/ISO-IEC-14443-3-A")
	assert.Equal(t, uint16(0x6F91), CRCB(data), "CRC-16/MCRF4XX")
	assert.Equal(t, uint16(0x31C3), CRCF(data), "CRC-16/XMODEM")
	assert.Equal(t, uint16(0x906E), CRCV(data), "CRC-16/X-25")
}

func TestCRCRoundTrip(t *testing.T) {
	payload := []byte{0x05, 0x00, 0x00}

	assert.True(t, checkCRCA(withCRCA(payload)))
	assert.True(t, checkCRCB(withCRCB(payload)))
	assert.True(t, checkCRCF(withCRCF(payload)))
	assert.True(t, checkCRCV(withCRCV(payload)))
}

func TestCRCDetectsCorruption(t *testing.T) {
	frame := withCRCB([]byte{0x05, 0x00, 0x00})
	frame[len(frame)-1] ^= 0x01

	assert.False(t, checkCRCB(frame))
}

func TestCRCTooShort(t *testing.T) {
	assert.False(t, checkCRCA([]byte{0x26}))
	assert.False(t, checkCRCA(nil))
}

func TestOddParity(t *testing.T) {
	assert.Equal(t, uint32(1), oddParity(0x00))
	assert.Equal(t, uint32(0), oddParity(0x01))
	assert.Equal(t, uint32(1), oddParity(0x03))
	assert.Equal(t, uint32(1), oddParity(0xFF))
	assert.Equal(t, uint32(1), oddParity(0x44))
}
