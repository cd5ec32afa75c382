// Package update reads and writes update containers, which bundle the
// controller, screen and module images with a shared version and flags.
//
// Layout, all fields big-endian:
//
//	u16 header length | 32 byte version | u32 flags | u8 entry count |
//	entry count x (u8 type, u32 offset, u32 size) | payloads
package update

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Header field sizes.
const (
	VersionSize = 32
	EntrySize   = 9
	MaxEntries  = 0xFF

	fixedHeaderSize = 2 + VersionSize + 4 + 1
)

// FlagForce is the only flag bit with a known meaning.
const FlagForce = 1

var (
	// ErrHeaderTooSmall is returned when the buffer or the declared header
	// length cannot hold the header.
	ErrHeaderTooSmall = errors.New("buffer too small to contain header")
	// ErrTooManyEntries is returned when the entries do not fit the header
	// or exceed MaxEntries.
	ErrTooManyEntries = errors.New("too many entries")
	// ErrVersionTooLong is returned for versions over VersionSize bytes.
	ErrVersionTooLong = errors.New("version too long")
	// ErrUnknownEntryType is returned for entry types other than controller,
	// module and screen.
	ErrUnknownEntryType = errors.New("unknown entry type")
	// ErrDuplicateEntry is returned for a second controller or screen entry.
	ErrDuplicateEntry = errors.New("duplicate entry")
	// ErrRangeOutOfBounds is returned when an entry points past the end of
	// the container.
	ErrRangeOutOfBounds = errors.New("entry exceeds container")
	// ErrEmptyImage is returned by Classify for an empty image.
	ErrEmptyImage = errors.New("empty image")
	// ErrUnknownImage is returned by Classify when the first byte matches no
	// image type.
	ErrUnknownImage = errors.New("unrecognized image")
)

// EntryType identifies the image an entry points at.
type EntryType byte

const (
	Controller EntryType = 0
	Module     EntryType = 1
	Screen     EntryType = 2
)

func (t EntryType) String() string {
	switch t {
	case Controller:
		return "controller"
	case Module:
		return "module"
	case Screen:
		return "screen"
	default:
		return "unknown"
	}
}

// Classify identifies an image by its first byte: 0 for a controller
// package, 1 for a module package and 'P' for the screen APK.
func Classify(image []byte) (EntryType, error) {
	if len(image) == 0 {
		return 0, ErrEmptyImage
	}
	switch image[0] {
	case 0x00:
		return Controller, nil
	case 0x01:
		return Module, nil
	case 'P':
		return Screen, nil
	default:
		return 0, errors.Wrapf(ErrUnknownImage, "first byte %#02x", image[0])
	}
}

// Entry locates one image inside the container.
type Entry struct {
	Type   EntryType
	Offset uint32
	Size   uint32
}

// Header is the decoded container header.
type Header struct {
	Version string
	Flags   uint32
	Entries []Entry
}

// Container is an update with its images materialized. A nil Controller or
// Screen means the container has no such image.
type Container struct {
	Version    string
	Flags      uint32
	Controller []byte
	Screen     []byte
	Modules    [][]byte
}

// HeaderSize returns the header size for the given number of entries.
func HeaderSize(entries int) int {
	return fixedHeaderSize + EntrySize*entries
}

// ParseHeader decodes the container header at the start of buf.
func ParseHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize(0) {
		return nil, errors.Wrapf(ErrHeaderTooSmall, "%d bytes", len(buf))
	}
	length := int(binary.BigEndian.Uint16(buf[0:2]))
	if length > len(buf) {
		return nil, errors.Wrapf(ErrHeaderTooSmall, "header length %d exceeds buffer size %d", length, len(buf))
	}
	if length < HeaderSize(0) {
		return nil, errors.Wrapf(ErrHeaderTooSmall, "header length %d", length)
	}

	h := &Header{
		Version: string(bytes.TrimRight(buf[2:2+VersionSize], "\x00")),
		Flags:   binary.BigEndian.Uint32(buf[34:38]),
	}

	count := int(buf[38])
	if length < HeaderSize(count) {
		return nil, errors.Wrapf(ErrTooManyEntries, "%d entries for header length %d", count, length)
	}

	h.Entries = make([]Entry, count)
	p := buf[fixedHeaderSize:]
	for i := range h.Entries {
		e := Entry{
			Type:   EntryType(p[0]),
			Offset: binary.BigEndian.Uint32(p[1:5]),
			Size:   binary.BigEndian.Uint32(p[5:9]),
		}
		if e.Type > Screen {
			return nil, errors.Wrapf(ErrUnknownEntryType, "entry %d has type %d", i, e.Type)
		}
		h.Entries[i] = e
		p = p[EntrySize:]
	}
	return h, nil
}

// Parse decodes a container and copies out every image it references.
func Parse(buf []byte) (*Container, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}

	c := &Container{Version: h.Version, Flags: h.Flags}
	for i, e := range h.Entries {
		end := uint64(e.Offset) + uint64(e.Size)
		if end > uint64(len(buf)) {
			return nil, errors.Wrapf(ErrRangeOutOfBounds, "entry %d ends at %d, container has %d bytes", i, end, len(buf))
		}
		data := make([]byte, e.Size)
		copy(data, buf[e.Offset:end])

		switch e.Type {
		case Controller:
			if c.Controller != nil {
				return nil, errors.Wrap(ErrDuplicateEntry, "controller")
			}
			c.Controller = data
		case Screen:
			if c.Screen != nil {
				return nil, errors.Wrap(ErrDuplicateEntry, "screen")
			}
			c.Screen = data
		case Module:
			c.Modules = append(c.Modules, data)
		}
	}
	return c, nil
}

// Add classifies image and stores it in c. A second controller or screen
// image replaces the first.
func (c *Container) Add(image []byte) (EntryType, error) {
	t, err := Classify(image)
	if err != nil {
		return 0, err
	}
	switch t {
	case Controller:
		c.Controller = image
	case Screen:
		c.Screen = image
	case Module:
		c.Modules = append(c.Modules, image)
	}
	return t, nil
}

// images returns the container images in serialization order: modules,
// then controller, then screen.
func (c *Container) images() ([]EntryType, [][]byte) {
	types := make([]EntryType, 0, len(c.Modules)+2)
	data := make([][]byte, 0, len(c.Modules)+2)
	for _, m := range c.Modules {
		types = append(types, Module)
		data = append(data, m)
	}
	if c.Controller != nil {
		types = append(types, Controller)
		data = append(data, c.Controller)
	}
	if c.Screen != nil {
		types = append(types, Screen)
		data = append(data, c.Screen)
	}
	return types, data
}

// Header builds the header Serialize writes for c.
func (c *Container) Header() (*Header, error) {
	if len(c.Version) > VersionSize {
		return nil, errors.Wrapf(ErrVersionTooLong, "%d bytes, at most %d allowed", len(c.Version), VersionSize)
	}
	types, data := c.images()
	if len(types) > MaxEntries {
		return nil, errors.Wrapf(ErrTooManyEntries, "%d images", len(types))
	}

	h := &Header{Version: c.Version, Flags: c.Flags, Entries: make([]Entry, len(types))}
	offset := uint64(HeaderSize(len(types)))
	for i, t := range types {
		size := uint64(len(data[i]))
		if offset+size > 0xFFFFFFFF {
			return nil, errors.Errorf("%s image does not fit a 32-bit offset", t)
		}
		h.Entries[i] = Entry{Type: t, Offset: uint32(offset), Size: uint32(size)}
		offset += size
	}
	return h, nil
}

// Size returns the serialized size of c.
func (c *Container) Size() int {
	_, data := c.images()
	size := HeaderSize(len(data))
	for _, d := range data {
		size += len(d)
	}
	return size
}

// Encode serializes the header. The version is zero padded to 32 bytes.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize(len(h.Entries)))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(buf)))
	copy(buf[2:2+VersionSize], h.Version)
	binary.BigEndian.PutUint32(buf[34:38], h.Flags)
	buf[38] = byte(len(h.Entries))

	p := buf[fixedHeaderSize:]
	for _, e := range h.Entries {
		p[0] = byte(e.Type)
		binary.BigEndian.PutUint32(p[1:5], e.Offset)
		binary.BigEndian.PutUint32(p[5:9], e.Size)
		p = p[EntrySize:]
	}
	return buf
}

// Serialize encodes c. Modules come first in their original order, then
// the controller, then the screen image.
func Serialize(c *Container) ([]byte, error) {
	h, err := c.Header()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, c.Size())
	buf = append(buf, h.Encode()...)
	_, data := c.images()
	for _, d := range data {
		buf = append(buf, d...)
	}
	return buf, nil
}
