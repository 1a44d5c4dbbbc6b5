package sshwrap

import (
	"runtime"

	"github.com/bacalhau-project/sshwrap/engine"
	"github.com/bacalhau-project/sshwrap/logger"
)

// Listener accepts connections forwarded by the server after a successful
// ChannelForwardListen request.
type Listener struct {
	inner  *sessionInner
	h      engine.ListenerHandle
	closed bool
}

// Accept waits for the next forwarded connection and wraps it in a Channel.
func (l *Listener) Accept() (*Channel, error) {
	in := l.inner
	in.mu.Lock()
	defer in.mu.Unlock()
	if l.closed {
		return nil, errBadUse()
	}
	h := in.eng.ChannelForwardAccept(l.h)
	return newChannelLocked(in, h, false, 0)
}

// Close cancels the forward request and releases the listener. Idempotent.
func (l *Listener) Close() error {
	return l.closeInternal(false)
}

func (l *Listener) closeInternal(implicit bool) error {
	in := l.inner
	in.mu.Lock()
	defer in.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	runtime.SetFinalizer(l, nil)
	var rc int
	in.forceBlockingLocked(func() {
		rc = in.eng.ChannelForwardCancel(l.h)
	})
	var err error
	if rc < 0 {
		err = newSessionError(in.eng, in.h, rc)
	}
	if relErr := in.releaseLocked(); err == nil && relErr != nil {
		err = relErr
	}
	if err != nil && implicit {
		in.log.Warn("listener cleanup failed", logger.Error(err))
		return nil
	}
	return err
}
