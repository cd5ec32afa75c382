package flasher

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/snapmaker-flasher/internal/config"
	"github.com/bigbag/snapmaker-flasher/internal/protocol"
)

func TestFlasher_Flash(t *testing.T) {
	t.Parallel()

	image := testImage(1200)
	blocks := expectedBlocks(len(image))
	// announce, unlock, blocks, boot
	port := NewMockPort(ackFrames(2 + blocks + 1))
	logger, _ := newTestLogger()
	sleeper := &recordSleep{}

	cfg := config.Default()
	cfg.KeepAlives = 3

	var progress [][2]int
	f := New(port,
		WithConfig(cfg),
		WithLogger(logger),
		WithSleep(sleeper.Sleep),
		WithProgressCallback(func(current, total int) {
			progress = append(progress, [2]int{current, total})
		}),
	)

	err := f.Flash(context.Background(), "Snapmaker_V1.2.3", bytes.NewReader(image), len(image))
	require.NoError(t, err)

	frames := port.frames(t)
	require.Len(t, frames, 3+2+blocks+1)

	for i := 0; i < 3; i++ {
		assert.Equal(t, protocol.KeepAlivePayload(), frames[i])
	}
	assert.Equal(t, protocol.AnnouncePayload("Snapmaker_V1.2.3"), frames[3])
	assert.Equal(t, protocol.UnlockPayload(), frames[4])
	for i := 0; i < blocks; i++ {
		assert.Equal(t, []byte{0xA9, 0x01, 0x00, byte(i)}, frames[5+i][:4])
	}
	assert.Equal(t, protocol.BootPayload(), frames[len(frames)-1])

	assert.Len(t, sleeper.delays, 3)
	assert.Equal(t, [][2]int{{512, 1200}, {1024, 1200}, {1200, 1200}}, progress)
}

func TestFlasher_AnnounceNoResponse(t *testing.T) {
	t.Parallel()

	port := NewMockPort(nil)
	logger, _ := newTestLogger()
	f := New(port, WithLogger(logger))

	err := f.Announce("Snapmaker_V1")
	assert.True(t, errors.Is(err, protocol.ErrNoResponse), "got %v", err)
}

func TestFlasher_FlashStopsOnFailure(t *testing.T) {
	t.Parallel()

	// only the announce is acknowledged
	port := NewMockPort(ackFrames(1))
	logger, _ := newTestLogger()
	cfg := config.Default()
	cfg.KeepAlives = 0
	f := New(port, WithConfig(cfg), WithLogger(logger))

	err := f.Flash(context.Background(), "v", bytes.NewReader(testImage(10)), 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrNoResponse))

	frames := port.frames(t)
	require.Len(t, frames, 2)
	assert.Equal(t, protocol.UnlockPayload(), frames[1])
}

func TestFlasher_KeepAliveWriteError(t *testing.T) {
	t.Parallel()

	port := NewMockPort(nil)
	port.writeErr = errors.New("broken pipe")
	f := New(port)

	assert.Error(t, f.KeepAlives(context.Background(), 1))
}

func TestFlasher_KeepAlivesCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	port := NewMockPort(nil)
	f := New(port)

	err := f.KeepAlives(ctx, 5)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.Len(t, port.frames(t), 1)
}

func TestFlasher_Close(t *testing.T) {
	t.Parallel()

	port := NewMockPort(nil)
	require.NoError(t, New(port).Close())
	assert.True(t, port.closed)
}
