package flasher

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/snapmaker-flasher/internal/protocol"
)

// MockPort simulates a serial port. Each reply chunk is followed by one
// zero length read, like a read timeout on a quiet line.
type MockPort struct {
	chunks   [][]byte
	written  bytes.Buffer
	writeErr error
	closed   bool
}

func NewMockPort(chunks ...[]byte) *MockPort {
	return &MockPort{chunks: chunks}
}

func (m *MockPort) Read(p []byte) (int, error) {
	if len(m.chunks) == 0 {
		return 0, nil
	}
	if len(m.chunks[0]) == 0 {
		m.chunks = m.chunks[1:]
		return 0, nil
	}
	n := copy(p, m.chunks[0])
	m.chunks[0] = m.chunks[0][n:]
	return n, nil
}

func (m *MockPort) Write(p []byte) (int, error) {
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	return m.written.Write(p)
}

func (m *MockPort) Close() error {
	m.closed = true
	return nil
}

// frames decodes every frame the host wrote to the port.
func (m *MockPort) frames(t *testing.T) [][]byte {
	t.Helper()
	r := bytes.NewReader(m.written.Bytes())
	var out [][]byte
	for r.Len() > 0 {
		payload, err := protocol.DecodeFrame(r)
		require.NoError(t, err)
		out = append(out, payload)
	}
	return out
}

// ackFrames returns n empty reply frames.
func ackFrames(n int) []byte {
	ack, _ := protocol.EncodeFrame(nil)
	return bytes.Repeat(ack, n)
}

var errNoDevice = errors.New("no such file or directory")

type openCall struct {
	path    string
	timeout time.Duration
}

// ScriptedOpener hands out ports in order; a nil entry means the device is
// absent and the open fails.
type ScriptedOpener struct {
	ports []*MockPort
	calls []openCall
}

func (s *ScriptedOpener) Open(path string, timeout time.Duration) (Port, error) {
	s.calls = append(s.calls, openCall{path, timeout})
	if len(s.ports) == 0 {
		return nil, errNoDevice
	}
	p := s.ports[0]
	s.ports = s.ports[1:]
	if p == nil {
		return nil, errNoDevice
	}
	return p, nil
}

// recordSleep records requested delays without waiting.
type recordSleep struct {
	delays []time.Duration
}

func (r *recordSleep) Sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func (r *recordSleep) total() time.Duration {
	var sum time.Duration
	for _, d := range r.delays {
		sum += d
	}
	return sum
}

func newTestLogger() (*logrus.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}
