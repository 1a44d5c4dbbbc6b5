package sshwrap

import (
	"runtime"

	"github.com/bacalhau-project/sshwrap/engine"
	"github.com/bacalhau-project/sshwrap/logger"
)

// PublicKey is one identity held by an ssh-agent.
type PublicKey struct {
	blob    []byte
	comment string
}

// Blob returns the raw public key blob.
func (k *PublicKey) Blob() []byte { return k.blob }

// Comment returns the comment stored with the key.
func (k *PublicKey) Comment() string { return k.comment }

// Agent is a handle to the local ssh-agent.
type Agent struct {
	inner  *sessionInner
	h      engine.AgentHandle
	closed bool
}

func (a *Agent) lock() (*sessionInner, *Error) {
	in := a.inner
	in.mu.Lock()
	if a.closed {
		in.mu.Unlock()
		return nil, errBadUse()
	}
	return in, nil
}

// Connect opens the connection to the running agent.
func (a *Agent) Connect() error {
	in, lerr := a.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.AgentConnect(a.h))
}

// Disconnect closes the connection to the agent. The handle can be
// reconnected later.
func (a *Agent) Disconnect() error {
	in, lerr := a.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.AgentDisconnect(a.h))
}

// ListIdentities asks the agent for its current identities. Call Identities
// afterwards to read them.
func (a *Agent) ListIdentities() error {
	in, lerr := a.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.AgentListIdentities(a.h))
}

// Identities returns a copy of the identities fetched by the last
// ListIdentities call.
func (a *Agent) Identities() ([]PublicKey, error) {
	in, lerr := a.lock()
	if lerr != nil {
		return nil, lerr
	}
	defer in.mu.Unlock()
	var keys []PublicKey
	var cursor engine.IdentityCursor
	for {
		next, rc := in.eng.AgentGetIdentity(a.h, cursor)
		if rc == 1 {
			return keys, nil
		}
		if rc < 0 {
			return nil, in.result(rc)
		}
		blob, comment := in.eng.AgentIdentity(a.h, next)
		owned := make([]byte, len(blob))
		copy(owned, blob)
		keys = append(keys, PublicKey{blob: owned, comment: comment})
		cursor = next
	}
}

// Userauth attempts public key authentication with the given identity.
func (a *Agent) Userauth(username string, identity *PublicKey) error {
	if err := checkString(username); err != nil {
		return err
	}
	in, lerr := a.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.AgentUserauth(a.h, username, identity.blob))
}

// Close frees the agent handle and releases its reference to the session.
// Idempotent.
func (a *Agent) Close() error {
	return a.closeInternal(false)
}

func (a *Agent) closeInternal(implicit bool) error {
	in := a.inner
	in.mu.Lock()
	defer in.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	runtime.SetFinalizer(a, nil)
	in.forceBlockingLocked(func() {
		in.eng.AgentFree(a.h)
	})
	var err error
	if relErr := in.releaseLocked(); relErr != nil {
		err = relErr
	}
	if err != nil && implicit {
		in.log.Warn("agent cleanup failed", logger.Error(err))
		return nil
	}
	return err
}
