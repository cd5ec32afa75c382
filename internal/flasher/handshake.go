package flasher

import (
	"bytes"
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/bigbag/snapmaker-flasher/internal/protocol"
	"github.com/bigbag/snapmaker-flasher/internal/serial"
)

// ErrBootloaderUnreachable is returned when every recovery stage failed.
var ErrBootloaderUnreachable = errors.New("unable to enter bootloader")

// bootloaderAck is the start of the empty frame a bootloader sends in reply
// to the bare announce command.
var bootloaderAck = []byte{protocol.Magic0, protocol.Magic1, 0x00}

// maxDrain bounds how much console output is discarded in one go.
const maxDrain = 64 * 1024

// State is a stage of the bootloader handshake.
type State int

// Handshake states. Each failing stage escalates to the next, more
// invasive one.
const (
	StateProbe State = iota
	StateProvoke
	StatePowerCycle
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateProbe:
		return "probe"
	case StateProvoke:
		return "provoke"
	case StatePowerCycle:
		return "power-cycle"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// escalation maps a stage to the stage entered when it fails.
var escalation = map[State]State{
	StateProbe:      StateProvoke,
	StateProvoke:    StatePowerCycle,
	StatePowerCycle: StateFailed,
}

// Handshake brings the device at path into its bootloader.
type Handshake struct {
	path  string
	open  Opener
	opts  options
	port  Port
	trace []State
}

// NewHandshake creates a handshake for the device at path.
func NewHandshake(path string, open Opener, opts ...Option) *Handshake {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Handshake{path: path, open: open, opts: o}
}

// Trace returns the stages attempted by the last Run.
func (h *Handshake) Trace() []State {
	return h.trace
}

// Run escalates through the handshake stages until the bootloader answers.
// The returned port is reopened with the command timeout.
func (h *Handshake) Run(ctx context.Context) (Port, error) {
	h.trace = h.trace[:0]
	state := StateProbe

	for {
		h.trace = append(h.trace, state)
		log := h.opts.log.WithField("stage", state)

		var ok bool
		var err error
		switch state {
		case StateProbe:
			ok, err = h.probeStage()
		case StateProvoke:
			ok, err = h.provokeStage(ctx)
		case StatePowerCycle:
			ok, err = h.powerCycleStage(ctx)
		}
		if err != nil {
			h.closePort()
			return nil, err
		}
		if ok {
			log.Debug("bootloader detected")
			h.trace = append(h.trace, StateReady)
			return h.ready()
		}

		next := escalation[state]
		log.WithField("next", next).Debug("bootloader not detected")
		if next == StateFailed {
			h.trace = append(h.trace, StateFailed)
			h.closePort()
			return nil, ErrBootloaderUnreachable
		}
		state = next
	}
}

func (h *Handshake) probeStage() (bool, error) {
	port, err := h.open(h.path, h.opts.cfg.ProbeTimeout)
	if err != nil {
		return false, errors.Wrapf(err, "failed to open %s", h.path)
	}
	h.port = port
	return h.probe(), nil
}

// provokeStage asks the running firmware to reset into the bootloader and
// keeps the line busy while it restarts.
func (h *Handshake) provokeStage(ctx context.Context) (bool, error) {
	h.opts.log.Info("bootloader not active, requesting reset")

	h.write([]byte("\n"))
	h.drain()
	h.write([]byte(protocol.ResetCommand))
	if err := h.keepAlives(ctx, h.opts.cfg.ProvokeKeepAlives, h.opts.cfg.ProvokeInterval); err != nil {
		return false, err
	}
	h.drain()
	return h.probe(), nil
}

// powerCycleStage has the operator switch the device off and on again and
// catches the bootloader right after power-on.
func (h *Handshake) powerCycleStage(ctx context.Context) (bool, error) {
	h.closePort()
	cfg := h.opts.cfg

	h.opts.log.Info("Please turn the Snapmaker off")
	for {
		port, err := h.open(h.path, cfg.ProbeTimeout)
		if err != nil {
			break
		}
		port.Close()
		if err := h.opts.sleep(ctx, cfg.PollInterval); err != nil {
			return false, err
		}
	}

	if err := h.opts.sleep(ctx, cfg.SettleDelay); err != nil {
		return false, err
	}

	h.opts.log.Info("Please turn the Snapmaker on")
	for {
		port, err := h.open(h.path, cfg.ProbeTimeout)
		if err == nil {
			h.port = port
			break
		}
		if err := h.opts.sleep(ctx, cfg.PollInterval); err != nil {
			return false, err
		}
	}

	if err := h.keepAlives(ctx, cfg.PowerOnKeepAlives, cfg.PowerOnInterval); err != nil {
		return false, err
	}
	return h.probe(), nil
}

// probe sends the bare announce command and checks for an empty reply frame.
// I/O failures count as a miss since the device may be mid-reset.
func (h *Handshake) probe() bool {
	if err := protocol.Send(h.port, protocol.ProbePayload()); err != nil {
		h.opts.log.WithError(err).Debug("probe write failed")
		return false
	}

	reply := make([]byte, len(bootloaderAck))
	if err := protocol.ReadFull(h.port, reply); err != nil {
		h.opts.log.WithError(err).Debug("probe read failed")
		return false
	}
	return bytes.Equal(reply, bootloaderAck)
}

func (h *Handshake) keepAlives(ctx context.Context, count int, interval time.Duration) error {
	for i := 0; i < count; i++ {
		if err := h.opts.sleep(ctx, interval); err != nil {
			return err
		}
		if err := protocol.Send(h.port, protocol.KeepAlivePayload()); err != nil {
			h.opts.log.WithError(err).Debug("keep-alive failed")
		}
	}
	return nil
}

// write sends raw console bytes. Failures are logged only: the port may
// vanish while the device resets.
func (h *Handshake) write(data []byte) {
	if _, err := h.port.Write(data); err != nil {
		h.opts.log.WithError(err).Debug("write failed")
	}
}

// drain discards console output until the line goes quiet.
func (h *Handshake) drain() {
	var out []byte
	buf := make([]byte, 256)
	for len(out) < maxDrain {
		n, err := h.port.Read(buf)
		out = append(out, buf[:n]...)
		if n == 0 || err != nil {
			break
		}
	}
	for _, line := range serial.SplitLines(out) {
		h.opts.log.WithField("line", line).Debug("device output")
	}
}

func (h *Handshake) ready() (Port, error) {
	h.closePort()
	port, err := h.open(h.path, h.opts.cfg.CommandTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reopen %s", h.path)
	}
	return port, nil
}

func (h *Handshake) closePort() {
	if h.port != nil {
		h.port.Close()
		h.port = nil
	}
}
