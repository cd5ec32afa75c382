package protocol

import (
	"io"
	"time"

	"github.com/pkg/errors"
)

// Command group bytes
const (
	GroupSystem     = 0x07
	GroupBootloader = 0xA9
)

// Bootloader commands
const (
	CmdUnlockErase = 0x00
	CmdBlock       = 0x01
	CmdBoot        = 0x02
	CmdAnnounce    = 0x04
)

// System commands
const (
	CmdKeepAlive = 0x01
)

// Serial defaults used by the device.
const (
	DefaultBaudRate       = 115200
	DefaultProbeTimeout   = 200 * time.Millisecond
	DefaultCommandTimeout = 10 * time.Second
)

// ResetCommand is the G-code that reboots the main firmware into the bootloader.
const ResetCommand = "M997\n"

// KeepAlivePayload returns the keep-alive payload. The device does not reply to it.
func KeepAlivePayload() []byte {
	return []byte{GroupSystem, CmdKeepAlive}
}

// ProbePayload returns the bare announce command used to detect a running
// bootloader. A bootloader replies with an empty frame.
func ProbePayload() []byte {
	return []byte{GroupBootloader, CmdAnnounce}
}

// AnnouncePayload returns the announce command carrying a NUL terminated version.
func AnnouncePayload(version string) []byte {
	data := make([]byte, 2+len(version)+1)
	data[0] = GroupBootloader
	data[1] = CmdAnnounce
	copy(data[2:], version)
	return data
}

// UnlockPayload returns the unlock-and-erase command.
func UnlockPayload() []byte {
	return []byte{GroupBootloader, CmdUnlockErase}
}

// BootPayload returns the command that starts the flashed firmware.
func BootPayload() []byte {
	return []byte{GroupBootloader, CmdBoot}
}

// Send writes payload to w as a single frame.
func Send(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	return nil
}

// SendAndReceive sends payload and waits for one validated reply frame.
// The reply is returned uninterpreted; no command defines its contents yet.
func SendAndReceive(rw io.ReadWriter, payload []byte) ([]byte, error) {
	if err := Send(rw, payload); err != nil {
		return nil, err
	}
	return DecodeFrame(rw)
}
