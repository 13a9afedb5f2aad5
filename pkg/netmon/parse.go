package netmon

import (
	"encoding/binary"
	"fmt"
)

const (
	ipv4MinHeaderLen = 20
	tcpMinHeaderLen  = 20
	protoTCP         = 6
)

// ParseIPv4 parses a raw IPv4 packet (starting at the IP header) into the
// inspector's view. Non-IPv4 and non-TCP packets return a nil Packet and a
// nil error: they are simply not in scope. Truncated headers return an
// error.
func ParseIPv4(data []byte) (*Packet, error) {
	if len(data) < ipv4MinHeaderLen {
		return nil, fmt.Errorf("short IP header: %d bytes", len(data))
	}

	version := data[0] >> 4
	if version != 4 {
		return nil, nil
	}

	ihl := int(data[0]&0x0f) * 4
	if ihl < ipv4MinHeaderLen {
		return nil, fmt.Errorf("invalid IHL %d", ihl)
	}
	if len(data) < ihl {
		return nil, fmt.Errorf("truncated IP header: have %d, need %d", len(data), ihl)
	}

	if data[9] != protoTCP {
		return nil, nil
	}

	tcp := data[ihl:]
	if len(tcp) < tcpMinHeaderLen {
		return nil, fmt.Errorf("truncated TCP header: %d bytes", len(tcp))
	}

	dataOff := int(tcp[12]>>4) * 4
	if dataOff < tcpMinHeaderLen {
		return nil, fmt.Errorf("invalid TCP data offset %d", dataOff)
	}
	payload := len(tcp) - dataOff
	if payload < 0 {
		payload = 0
	}

	// Payload size is measured from the captured buffer, not the IP
	// total-length field. Aggregated (GRO) buffers can legitimately exceed
	// the 16-bit total length and the oversize rule should see them.
	return &Packet{
		SrcAddr:    binary.BigEndian.Uint32(data[12:16]),
		DstAddr:    binary.BigEndian.Uint32(data[16:20]),
		SrcPort:    binary.BigEndian.Uint16(tcp[0:2]),
		DstPort:    binary.BigEndian.Uint16(tcp[2:4]),
		PayloadLen: payload,
	}, nil
}
