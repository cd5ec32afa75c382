package flasher

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/snapmaker-flasher/internal/protocol"
)

// Flasher drives bootloader commands over a port that is already known to
// be running the bootloader.
type Flasher struct {
	port Port
	opts options
}

// New creates a new Flasher for the given port.
func New(port Port, opts ...Option) *Flasher {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Flasher{port: port, opts: o}
}

// SetProgressCallback sets the progress callback function.
func (f *Flasher) SetProgressCallback(cb ProgressCallback) {
	f.opts.progress = cb
}

// reportProgress calls the progress callback if set.
func (f *Flasher) reportProgress(current, total int) {
	if f.opts.progress != nil {
		f.opts.progress(current, total)
	}
}

// Close closes the underlying port.
func (f *Flasher) Close() error {
	return f.port.Close()
}

// KeepAlive sends a keep-alive frame. The device does not answer it.
func (f *Flasher) KeepAlive() error {
	return protocol.Send(f.port, protocol.KeepAlivePayload())
}

// KeepAlives sends count keep-alive frames, waiting interval after each.
func (f *Flasher) KeepAlives(ctx context.Context, count int) error {
	for i := 0; i < count; i++ {
		if err := f.KeepAlive(); err != nil {
			return errors.Wrap(err, "keep-alive failed")
		}
		if err := f.opts.sleep(ctx, f.opts.cfg.KeepAliveInterval); err != nil {
			return err
		}
	}
	return nil
}

// Announce tells the bootloader which version is about to be flashed.
func (f *Flasher) Announce(version string) error {
	if _, err := f.command(protocol.AnnouncePayload(version)); err != nil {
		return errors.Wrap(err, "announce failed")
	}
	return nil
}

// UnlockAndErase prepares the flash for a new image.
func (f *Flasher) UnlockAndErase() error {
	if _, err := f.command(protocol.UnlockPayload()); err != nil {
		return errors.Wrap(err, "unlock and erase failed")
	}
	return nil
}

// Boot starts the flashed firmware.
func (f *Flasher) Boot() error {
	if _, err := f.command(protocol.BootPayload()); err != nil {
		return errors.Wrap(err, "boot failed")
	}
	return nil
}

// command sends payload and returns the validated reply. Replies carry no
// defined status yet, so callers drop them.
func (f *Flasher) command(payload []byte) ([]byte, error) {
	reply, err := protocol.SendAndReceive(f.port, payload)
	if err != nil {
		return nil, err
	}
	f.opts.log.WithFields(logrus.Fields{
		"command": payload[1],
		"reply":   len(reply),
	}).Debug("command acknowledged")
	return reply, nil
}

// SendImage streams image to the bootloader in blocks. size is only used
// for progress reporting and may be zero.
func (f *Flasher) SendImage(image io.Reader, size int) error {
	sent := 0
	sender := NewBlockSender(f.port)
	sender.OnBlock = func(seq, n int) {
		sent += n
		f.opts.log.WithFields(logrus.Fields{"block": seq, "bytes": n}).Debug("block acknowledged")
		f.reportProgress(sent, size)
	}

	if _, err := sender.ReadFrom(image); err != nil {
		return errors.Wrap(err, "failed to send image")
	}
	if err := sender.Finish(); err != nil {
		return errors.Wrap(err, "failed to send image")
	}

	f.opts.log.WithFields(logrus.Fields{"blocks": sender.Blocks(), "bytes": sent}).Info("image sent")
	return nil
}

// Flash runs the full update sequence: keep-alives, announce, unlock and
// erase, image transfer and boot.
func (f *Flasher) Flash(ctx context.Context, version string, image io.Reader, size int) error {
	if err := f.KeepAlives(ctx, f.opts.cfg.KeepAlives); err != nil {
		return err
	}
	if err := f.Announce(version); err != nil {
		return err
	}
	f.opts.log.Info("erasing flash")
	if err := f.UnlockAndErase(); err != nil {
		return err
	}
	if err := f.SendImage(image, size); err != nil {
		return err
	}
	f.opts.log.Info("booting firmware")
	return f.Boot()
}
