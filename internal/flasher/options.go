package flasher

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/snapmaker-flasher/internal/clock"
	"github.com/bigbag/snapmaker-flasher/internal/config"
)

// Port is an open serial connection to the device.
type Port interface {
	io.ReadWriter
	Close() error
}

// Opener opens the device at path with the given read timeout.
type Opener func(path string, timeout time.Duration) (Port, error)

// ProgressCallback is called to report transfer progress in bytes.
// total is zero when the image size is not known up front.
type ProgressCallback func(current, total int)

// SleepFunc waits for d or until ctx is done.
type SleepFunc = clock.SleepFunc

type options struct {
	cfg      config.Config
	log      logrus.FieldLogger
	progress ProgressCallback
	sleep    SleepFunc
}

func defaultOptions() options {
	return options{
		cfg:   config.Default(),
		log:   logrus.StandardLogger(),
		sleep: clock.Sleep,
	}
}

// Option configures a Flasher or a Handshake.
type Option func(*options)

// WithConfig sets serial timings.
func WithConfig(cfg config.Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithLogger sets the logger used for operator prompts and diagnostics.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithProgressCallback sets the transfer progress callback.
func WithProgressCallback(cb ProgressCallback) Option {
	return func(o *options) {
		o.progress = cb
	}
}

// WithSleep replaces the function used for delays and poll intervals.
func WithSleep(sleep SleepFunc) Option {
	return func(o *options) {
		o.sleep = sleep
	}
}
