package netmon

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTCPPacket crafts a minimal IPv4/TCP packet with the given ports and
// payload size.
func buildTCPPacket(srcIP, dstIP uint32, srcPort, dstPort uint16, payloadLen int) []byte {
	pkt := make([]byte, ipv4MinHeaderLen+tcpMinHeaderLen+payloadLen)
	pkt[0] = 0x45 // version 4, IHL 5
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(pkt)))
	pkt[9] = protoTCP
	binary.BigEndian.PutUint32(pkt[12:16], srcIP)
	binary.BigEndian.PutUint32(pkt[16:20], dstIP)

	tcp := pkt[ipv4MinHeaderLen:]
	binary.BigEndian.PutUint16(tcp[0:2], srcPort)
	binary.BigEndian.PutUint16(tcp[2:4], dstPort)
	tcp[12] = 5 << 4 // data offset 5 words
	return pkt
}

func TestParseIPv4(t *testing.T) {
	raw := buildTCPPacket(0x0A000001, 0xC0A80105, 50000, 4444, 32)

	pkt, err := ParseIPv4(raw)
	require.NoError(t, err)
	require.NotNil(t, pkt)

	assert.Equal(t, uint32(0x0A000001), pkt.SrcAddr)
	assert.Equal(t, uint32(0xC0A80105), pkt.DstAddr)
	assert.Equal(t, uint16(50000), pkt.SrcPort)
	assert.Equal(t, uint16(4444), pkt.DstPort)
	assert.Equal(t, 32, pkt.PayloadLen)
}

func TestParseIPv4SkipsNonTCP(t *testing.T) {
	raw := buildTCPPacket(1, 2, 1000, 2000, 0)
	raw[9] = 17 // UDP

	pkt, err := ParseIPv4(raw)
	assert.NoError(t, err)
	assert.Nil(t, pkt)
}

func TestParseIPv4SkipsNonIPv4(t *testing.T) {
	raw := buildTCPPacket(1, 2, 1000, 2000, 0)
	raw[0] = 0x60 // version 6

	pkt, err := ParseIPv4(raw)
	assert.NoError(t, err)
	assert.Nil(t, pkt)
}

func TestParseIPv4Truncated(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short IP header", make([]byte, 10)},
		{"IP header only", buildTCPPacket(1, 2, 3, 4, 0)[:ipv4MinHeaderLen]},
		{"short TCP header", buildTCPPacket(1, 2, 3, 4, 0)[:ipv4MinHeaderLen+10]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt, err := ParseIPv4(tt.data)
			assert.Error(t, err)
			assert.Nil(t, pkt)
		})
	}
}

func TestParseIPv4OptionsShiftTCPHeader(t *testing.T) {
	// IHL of 6 words: 4 bytes of IP options before the TCP header.
	raw := make([]byte, 24+tcpMinHeaderLen)
	raw[0] = 0x46
	raw[9] = protoTCP
	binary.BigEndian.PutUint32(raw[12:16], 1)
	binary.BigEndian.PutUint32(raw[16:20], 2)
	tcp := raw[24:]
	binary.BigEndian.PutUint16(tcp[0:2], 1234)
	binary.BigEndian.PutUint16(tcp[2:4], 5678)
	tcp[12] = 5 << 4

	pkt, err := ParseIPv4(raw)
	require.NoError(t, err)
	require.NotNil(t, pkt)
	assert.Equal(t, uint16(1234), pkt.SrcPort)
	assert.Equal(t, uint16(5678), pkt.DstPort)
	assert.Equal(t, 0, pkt.PayloadLen)
}

func TestParseIPv4AggregatedPayload(t *testing.T) {
	// Captured buffer larger than the IP total-length field, as delivered
	// when segments are aggregated before capture.
	raw := buildTCPPacket(1, 2, 50000, 443, 70000)
	binary.BigEndian.PutUint16(raw[2:4], 1500)

	pkt, err := ParseIPv4(raw)
	require.NoError(t, err)
	require.NotNil(t, pkt)
	assert.Equal(t, 70000, pkt.PayloadLen)
}
