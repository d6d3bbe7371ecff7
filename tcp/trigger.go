package tcp

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/syncx"
)

// ErrNoSignals is returned when a Trigger is created without any signal to watch
var ErrNoSignals = errors.New("no shutdown signals given")

// Trigger turns process signals into a single cancellation.
//
// The signal handler is installed by NewTrigger and stays installed until
// Stop, so repeated signals are swallowed instead of hitting the default
// action (SIGHUP would otherwise terminate the process mid-drain).
type Trigger struct {
	signals chan os.Signal
	cancel  context.CancelFunc
	fired   *syncx.AtomicBool
}

// NewTrigger installs a handler for sigs. The first delivery calls cancel.
func NewTrigger(cancel context.CancelFunc, sigs ...os.Signal) (*Trigger, error) {
	if len(sigs) == 0 {
		return nil, ErrNoSignals
	}

	t := &Trigger{
		signals: make(chan os.Signal, 1),
		cancel:  cancel,
		fired:   syncx.NewAtomicBool(),
	}
	signal.Notify(t.signals, sigs...)
	return t, nil
}

// Run waits for signals until done is closed
func (t *Trigger) Run(done <-chan struct{}) {
	for {
		select {
		case sig := <-t.signals:
			if t.fire() {
				logx.Infof("process %d received signal %v, shutting down...", os.Getpid(), sig)
			} else {
				logx.Infof("process %d received signal %v, shutdown already in progress", os.Getpid(), sig)
			}
		case <-done:
			return
		}
	}
}

// Fire starts the shutdown without a signal. It reports whether this call
// was the one that started it.
func (t *Trigger) Fire() bool {
	return t.fire()
}

// Fired reports whether shutdown has been triggered
func (t *Trigger) Fired() bool {
	return t.fired.True()
}

// Stop uninstalls the signal handler
func (t *Trigger) Stop() {
	signal.Stop(t.signals)
}

func (t *Trigger) fire() bool {
	first := t.fired.CompareAndSwap(false, true)
	t.cancel()
	return first
}
