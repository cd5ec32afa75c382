package serial

import (
	"bytes"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// Port wraps a serial port opened with a fixed read timeout.
// A read that times out returns zero bytes and a nil error.
type Port struct {
	port serial.Port
}

// Mode returns the 8N1 line settings used for the given baud rate.
func Mode(baudRate int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// Open opens a serial port with the specified baud rate and read timeout.
func Open(portName string, baudRate int, timeout time.Duration) (*Port, error) {
	port, err := serial.Open(portName, Mode(baudRate))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open port %s", portName)
	}

	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, errors.Wrap(err, "failed to set read timeout")
	}

	return &Port{port: port}, nil
}

// Close closes the serial port.
func (p *Port) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Write writes data to the serial port.
func (p *Port) Write(data []byte) (int, error) {
	return p.port.Write(data)
}

// Read reads data from the serial port.
func (p *Port) Read(buf []byte) (int, error) {
	return p.port.Read(buf)
}

// SplitLines splits raw console output into non-empty trimmed lines.
func SplitLines(data []byte) []string {
	var lines []string
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		s := strings.TrimRight(string(line), "\r")
		if s != "" {
			lines = append(lines, s)
		}
	}
	return lines
}

// ListPorts returns a list of available serial ports.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}
