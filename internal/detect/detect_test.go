package detect

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state      State
		presence   Presence
		wantState  State
		wantAction Action
	}{
		{StateSeenNone, CharDevice, StatePresent, ActionPromptOff},
		{StateSeenNone, Missing, StateAbsent, ActionPromptOn},
		{StatePresent, CharDevice, StatePresent, ActionNone},
		{StatePresent, Missing, StateAbsent, ActionSettleThenPromptOn},
		{StateAbsent, Missing, StateAbsent, ActionNone},
		{StateAbsent, CharDevice, StateDone, ActionSettleAppeared},
	}

	for _, tc := range tests {
		state, action := Transition(tc.state, tc.presence)
		assert.Equal(t, tc.wantState, state, "%v + %v", tc.state, tc.presence)
		assert.Equal(t, tc.wantAction, action, "%v + %v", tc.state, tc.presence)
	}
}

// scriptedStat replays observations, repeating the last one.
type scriptedStat struct {
	seq []Presence
}

func (s *scriptedStat) Stat(string) Presence {
	p := s.seq[0]
	if len(s.seq) > 1 {
		s.seq = s.seq[1:]
	}
	return p
}

func newTestWatcher(seq ...Presence) (*Watcher, *[]time.Duration, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	var delays []time.Duration
	w := &Watcher{
		Stat:         (&scriptedStat{seq: seq}).Stat,
		Log:          logger,
		PollInterval: time.Millisecond,
		SettleDelay:  10 * time.Second,
		AppearDelay:  200 * time.Millisecond,
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return ctx.Err()
		},
	}
	return w, &delays, hook
}

func prompts(hook *test.Hook) []string {
	var out []string
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.InfoLevel {
			out = append(out, e.Message)
		}
	}
	return out
}

func TestWaitForPowerCycle_FromPresent(t *testing.T) {
	t.Parallel()

	w, delays, hook := newTestWatcher(CharDevice, CharDevice, Missing, Missing, CharDevice)

	require.NoError(t, w.WaitForPowerCycle(context.Background(), "/dev/ttyACM0"))

	assert.Equal(t, []string{"Please turn the Snapmaker off", "Please turn the Snapmaker on"}, prompts(hook))
	assert.Contains(t, *delays, 10*time.Second)
	assert.Equal(t, 200*time.Millisecond, (*delays)[len(*delays)-1])
}

func TestWaitForPowerCycle_FromAbsent(t *testing.T) {
	t.Parallel()

	w, delays, hook := newTestWatcher(Missing, CharDevice)

	require.NoError(t, w.WaitForPowerCycle(context.Background(), "/dev/ttyACM0"))

	assert.Equal(t, []string{"Please turn the Snapmaker on"}, prompts(hook))
	assert.NotContains(t, *delays, 10*time.Second)
}

func TestWaitForPowerCycle_NotDevice(t *testing.T) {
	t.Parallel()

	w, _, _ := newTestWatcher(CharDevice, NotDevice)

	err := w.WaitForPowerCycle(context.Background(), "/tmp/firmware.bin")
	assert.True(t, errors.Is(err, ErrDeviceFileInvalid), "got %v", err)
}

func TestWaitForPowerCycle_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w, _, _ := newTestWatcher(CharDevice)
	err := w.WaitForPowerCycle(ctx, "/dev/ttyACM0")
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestStat(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "image.bin")
	require.NoError(t, os.WriteFile(file, []byte{0x00}, 0o600))

	assert.Equal(t, Missing, Stat(filepath.Join(dir, "missing")))
	assert.Equal(t, NotDevice, Stat(file))
	assert.Equal(t, NotDevice, Stat(dir))

	if _, err := os.Stat("/dev/null"); err == nil {
		assert.Equal(t, CharDevice, Stat("/dev/null"))
	}
}

func TestNewWatcher(t *testing.T) {
	t.Parallel()

	w := NewWatcher(logrus.StandardLogger(), time.Millisecond, time.Second, time.Millisecond)
	assert.NotNil(t, w.Stat)
	assert.NotNil(t, w.Sleep)
	assert.Equal(t, time.Second, w.SettleDelay)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Sleep(ctx, time.Hour), context.Canceled)
}
