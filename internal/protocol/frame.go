package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Frame layout constants.
const (
	Magic0     = 0xAA
	Magic1     = 0x55
	HeaderSize = 8

	// MaxPayloadSize is the largest payload a 16-bit length field can describe.
	MaxPayloadSize = 0xFFFF
)

var (
	// ErrNoResponse is returned when a read times out before a full frame arrives.
	ErrNoResponse = errors.New("device does not respond")
	// ErrChecksumMismatch is returned when a received payload fails checksum validation.
	ErrChecksumMismatch = errors.New("invalid checksum")
	// ErrLengthMismatch is returned when the length parity byte does not match the length.
	ErrLengthMismatch = errors.New("length validation failed")
	// ErrPayloadTooLarge is returned when a payload does not fit the 16-bit length field.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Header is the part of a frame header following the two magic bytes.
type Header struct {
	Length   uint16
	Checksum uint16
}

// lengthCheck is the parity guard stored next to the length.
func lengthCheck(length uint16) byte {
	return byte(length) ^ byte(length>>8)
}

// Encode serializes the full 8-byte header including magic bytes.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = Magic0
	buf[1] = Magic1
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	buf[4] = 0 // reserved
	buf[5] = lengthCheck(h.Length)
	binary.BigEndian.PutUint16(buf[6:8], h.Checksum)
	return buf
}

// ParseHeader decodes the 6 header bytes that follow the magic bytes.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize-2 {
		return Header{}, errors.Errorf("header too short: %d bytes", len(data))
	}

	h := Header{
		Length:   binary.BigEndian.Uint16(data[0:2]),
		Checksum: binary.BigEndian.Uint16(data[4:6]),
	}
	if data[3] != lengthCheck(h.Length) {
		return Header{}, errors.Wrapf(ErrLengthMismatch, "length 0x%04X, check byte 0x%02X", h.Length, data[3])
	}
	return h, nil
}

// EncodeFrame wraps payload in a frame header.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "%d bytes", len(payload))
	}

	h := Header{
		Length:   uint16(len(payload)),
		Checksum: Checksum(payload),
	}
	frame := make([]byte, 0, HeaderSize+len(payload))
	frame = append(frame, h.Encode()...)
	frame = append(frame, payload...)
	return frame, nil
}

// DecodeFrame reads one frame from r and returns its validated payload.
// Bytes preceding the magic sequence are discarded, as are repeated 0xAA
// bytes, so the reader resynchronizes on line noise.
func DecodeFrame(r io.Reader) ([]byte, error) {
	if err := syncMagic(r); err != nil {
		return nil, err
	}

	raw := make([]byte, HeaderSize-2)
	if err := ReadFull(r, raw); err != nil {
		return nil, err
	}
	h, err := ParseHeader(raw)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, h.Length)
	if err := ReadFull(r, payload); err != nil {
		return nil, err
	}

	if sum := Checksum(payload); sum != h.Checksum {
		return nil, errors.Wrapf(ErrChecksumMismatch, "expected 0x%04X, got 0x%04X", h.Checksum, sum)
	}
	return payload, nil
}

// syncMagic consumes bytes until the AA 55 sequence has been read.
func syncMagic(r io.Reader) error {
	b := make([]byte, 1)
	for {
		for {
			if err := ReadFull(r, b); err != nil {
				return err
			}
			if b[0] == Magic0 {
				break
			}
		}
		for b[0] == Magic0 {
			if err := ReadFull(r, b); err != nil {
				return err
			}
		}
		if b[0] == Magic1 {
			return nil
		}
	}
}

// ReadFull fills buf from r. Serial ports report a read timeout as a zero
// length read, which is mapped to ErrNoResponse together with io.EOF.
// Unlike io.ReadFull it never spins on zero length reads.
func ReadFull(r io.Reader, buf []byte) error {
	for off := 0; off < len(buf); {
		n, err := r.Read(buf[off:])
		off += n
		if off == len(buf) {
			return nil
		}
		if err == io.EOF || (err == nil && n == 0) {
			return ErrNoResponse
		}
		if err != nil {
			return errors.Wrap(err, "failed to read from device")
		}
	}
	return nil
}
