// Package legacy builds and parses single-image firmware packages: a fixed
// 2048 byte header followed by the raw image.
//
// Header layout:
//
//	[0]      image type (0 controller, 1 module)
//	[1:3]    hw major, big-endian u16
//	[3:5]    hw minor, big-endian u16
//	[5:37]   version, zero padded
//	[40:44]  content length, little-endian u32
//	[44:48]  byte sum of the content, little-endian u32
//	[48:52]  flags, little-endian u32
//
// The mixed endianness is what the device firmware expects.
package legacy

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	HeaderSize  = 2048
	VersionSize = 32

	DefaultHWMajor = 0
	DefaultHWMinor = 20

	// VersionPrefix is expected by the printer interface.
	VersionPrefix = "Snapmaker_"
)

var (
	// ErrVersionTooLong is returned for versions over VersionSize bytes.
	ErrVersionTooLong = errors.New("version too long")
	// ErrUnknownImageType is returned for types other than controller and
	// module.
	ErrUnknownImageType = errors.New("unsupported image type")
	// ErrHeaderTooSmall is returned when the buffer is shorter than
	// HeaderSize.
	ErrHeaderTooSmall = errors.New("buffer too small to contain header")
	// ErrContentMismatch is returned when the content length or byte sum
	// differs from the header.
	ErrContentMismatch = errors.New("content does not match header")
)

// ImageType selects the target of a package.
type ImageType byte

const (
	Controller ImageType = 0
	Module     ImageType = 1
)

func (t ImageType) String() string {
	switch t {
	case Controller:
		return "controller"
	case Module:
		return "module"
	default:
		return "unknown"
	}
}

// ParseImageType accepts "controller", "module", "0" or "1".
func ParseImageType(s string) (ImageType, error) {
	switch s {
	case "0", "controller":
		return Controller, nil
	case "1", "module":
		return Module, nil
	default:
		return 0, errors.Wrapf(ErrUnknownImageType, "%q", s)
	}
}

// Header is a decoded package header.
type Header struct {
	Type          ImageType
	HWMajor       uint16
	HWMinor       uint16
	Version       string
	ContentLength uint32
	Checksum      uint32
	Flags         uint32
}

// Sum returns the additive byte checksum of content, modulo 2^32.
func Sum(content []byte) uint32 {
	var sum uint32
	for _, b := range content {
		sum += uint32(b)
	}
	return sum
}

// NewHeader describes content with the default hw fields.
func NewHeader(t ImageType, version string, content []byte, flags uint32) *Header {
	return &Header{
		Type:          t,
		HWMajor:       DefaultHWMajor,
		HWMinor:       DefaultHWMinor,
		Version:       version,
		ContentLength: uint32(len(content)),
		Checksum:      Sum(content),
		Flags:         flags,
	}
}

// Encode returns the 2048 byte header.
func (h *Header) Encode() ([]byte, error) {
	if h.Type != Controller && h.Type != Module {
		return nil, errors.Wrapf(ErrUnknownImageType, "type %d", h.Type)
	}
	if len(h.Version) > VersionSize {
		return nil, errors.Wrapf(ErrVersionTooLong, "%d bytes, at most %d allowed", len(h.Version), VersionSize)
	}

	buf := make([]byte, HeaderSize)
	buf[0] = byte(h.Type)
	binary.BigEndian.PutUint16(buf[1:3], h.HWMajor)
	binary.BigEndian.PutUint16(buf[3:5], h.HWMinor)
	copy(buf[5:5+VersionSize], h.Version)
	binary.LittleEndian.PutUint32(buf[40:44], h.ContentLength)
	binary.LittleEndian.PutUint32(buf[44:48], h.Checksum)
	binary.LittleEndian.PutUint32(buf[48:52], h.Flags)
	return buf, nil
}

// Build returns the encoded header for h followed by content. The content
// length and checksum fields of h are recomputed from content.
func Build(h Header, content []byte) ([]byte, error) {
	h.ContentLength = uint32(len(content))
	h.Checksum = Sum(content)

	header, err := h.Encode()
	if err != nil {
		return nil, err
	}
	return append(header, content...), nil
}

// ParseHeader decodes the header at the start of buf.
func ParseHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, errors.Wrapf(ErrHeaderTooSmall, "%d bytes", len(buf))
	}
	h := &Header{
		Type:          ImageType(buf[0]),
		HWMajor:       binary.BigEndian.Uint16(buf[1:3]),
		HWMinor:       binary.BigEndian.Uint16(buf[3:5]),
		Version:       string(bytes.TrimRight(buf[5:5+VersionSize], "\x00")),
		ContentLength: binary.LittleEndian.Uint32(buf[40:44]),
		Checksum:      binary.LittleEndian.Uint32(buf[44:48]),
		Flags:         binary.LittleEndian.Uint32(buf[48:52]),
	}
	if h.Type != Controller && h.Type != Module {
		return nil, errors.Wrapf(ErrUnknownImageType, "type %d", h.Type)
	}
	return h, nil
}

// Parse decodes a package and checks the content against the header.
func Parse(buf []byte) (*Header, []byte, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, nil, err
	}

	content := buf[HeaderSize:]
	if uint64(len(content)) != uint64(h.ContentLength) {
		return nil, nil, errors.Wrapf(ErrContentMismatch, "length %d, header says %d", len(content), h.ContentLength)
	}
	if sum := Sum(content); sum != h.Checksum {
		return nil, nil, errors.Wrapf(ErrContentMismatch, "checksum %#08x, header says %#08x", sum, h.Checksum)
	}
	return h, content, nil
}
