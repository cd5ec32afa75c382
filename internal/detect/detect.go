package detect

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/snapmaker-flasher/internal/clock"
)

// ErrDeviceFileInvalid is returned when the path exists but is not a
// character device.
var ErrDeviceFileInvalid = errors.New("the provided device path does not refer to a device file")

// Presence describes what is found at the device path.
type Presence int

const (
	Missing Presence = iota
	CharDevice
	NotDevice
)

// State is a state of the power-cycle watcher.
type State int

const (
	// StateSeenNone: nothing observed yet.
	StateSeenNone State = iota
	// StatePresent: the device was present and must be switched off.
	StatePresent
	// StateAbsent: the device went away and must be switched on.
	StateAbsent
	// StateDone: the device came back after being absent.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateSeenNone:
		return "seen-none"
	case StatePresent:
		return "present"
	case StateAbsent:
		return "absent"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Action is a side effect requested by a transition.
type Action int

const (
	ActionNone Action = iota
	// ActionPromptOff asks the operator to switch the device off.
	ActionPromptOff
	// ActionPromptOn asks the operator to switch the device on.
	ActionPromptOn
	// ActionSettleThenPromptOn waits for the supply to settle, then prompts.
	ActionSettleThenPromptOn
	// ActionSettleAppeared waits for the freshly appeared device to initialise.
	ActionSettleAppeared
)

// Transition returns the next state and the action to perform for an
// observation. Observing NotDevice is handled by the caller.
func Transition(s State, p Presence) (State, Action) {
	switch {
	case s == StateSeenNone && p == CharDevice:
		return StatePresent, ActionPromptOff
	case s == StateSeenNone && p == Missing:
		return StateAbsent, ActionPromptOn
	case s == StatePresent && p == Missing:
		return StateAbsent, ActionSettleThenPromptOn
	case s == StateAbsent && p == CharDevice:
		return StateDone, ActionSettleAppeared
	default:
		return s, ActionNone
	}
}

// StatFunc reports what is at path.
type StatFunc func(path string) Presence

// Stat inspects path on the local filesystem.
func Stat(path string) Presence {
	info, err := os.Stat(path)
	if err != nil {
		return Missing
	}
	if info.Mode()&os.ModeCharDevice != 0 {
		return CharDevice
	}
	return NotDevice
}

// Watcher waits for the operator to power-cycle the device, using only the
// presence of the device file.
type Watcher struct {
	Stat         StatFunc
	Log          logrus.FieldLogger
	PollInterval time.Duration
	SettleDelay  time.Duration
	AppearDelay  time.Duration
	Sleep        clock.SleepFunc
}

// NewWatcher creates a watcher with the local filesystem and real sleeps.
func NewWatcher(log logrus.FieldLogger, poll, settle, appear time.Duration) *Watcher {
	return &Watcher{
		Stat:         Stat,
		Log:          log,
		PollInterval: poll,
		SettleDelay:  settle,
		AppearDelay:  appear,
		Sleep:        clock.Sleep,
	}
}

// WaitForPowerCycle returns once the device at path has been seen absent
// and then present again.
func (w *Watcher) WaitForPowerCycle(ctx context.Context, path string) error {
	state := StateSeenNone
	for {
		p := w.Stat(path)
		if p == NotDevice {
			return errors.Wrap(ErrDeviceFileInvalid, path)
		}

		next, action := Transition(state, p)
		if next != state {
			w.Log.WithFields(logrus.Fields{"from": state, "to": next}).Debug("device presence changed")
		}
		state = next

		switch action {
		case ActionPromptOff:
			w.Log.Info("Please turn the Snapmaker off")
		case ActionPromptOn:
			w.Log.Info("Please turn the Snapmaker on")
		case ActionSettleThenPromptOn:
			if err := w.Sleep(ctx, w.SettleDelay); err != nil {
				return err
			}
			w.Log.Info("Please turn the Snapmaker on")
		case ActionSettleAppeared:
			if err := w.Sleep(ctx, w.AppearDelay); err != nil {
				return err
			}
		}

		if state == StateDone {
			return nil
		}
		if err := w.Sleep(ctx, w.PollInterval); err != nil {
			return err
		}
	}
}
