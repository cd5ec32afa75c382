package protocol

import "encoding/binary"

// Checksum computes the ones'-complement word checksum of payload.
//
// The payload is summed as big-endian 16-bit words. An odd trailing byte
// seeds the sum as-is. Carries are folded back into the low 16 bits and the
// complement of the result is returned.
func Checksum(payload []byte) uint16 {
	var sum uint32
	if len(payload)%2 == 1 {
		sum = uint32(payload[len(payload)-1])
	}
	for i := 0; i+1 < len(payload); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(payload[i:]))
	}
	for sum > 0xFFFF {
		sum = (sum >> 16) + (sum & 0xFFFF)
	}
	return ^uint16(sum)
}
