package sshwrap

import (
	"runtime"

	"github.com/bacalhau-project/sshwrap/engine"
	"github.com/bacalhau-project/sshwrap/logger"
)

// CheckResult is the outcome of checking a host key against a KnownHosts
// collection.
type CheckResult int

const (
	// CheckMatch means the host was found and the key matched.
	CheckMatch CheckResult = engine.CheckMatch
	// CheckMismatch means the host was found but with a different key.
	CheckMismatch CheckResult = engine.CheckMismatch
	// CheckNotFound means the host is not in the collection.
	CheckNotFound CheckResult = engine.CheckNotFound
	// CheckFailure means the check itself failed.
	CheckFailure CheckResult = engine.CheckFailure
)

// Host is one entry of a KnownHosts collection.
type Host struct {
	cursor engine.HostCursor
	name   string
	key    string
}

// Name returns the host pattern of the entry. It may be hashed depending on
// how the file was written.
func (h *Host) Name() string { return h.name }

// Key returns the base64-encoded key of the entry.
func (h *Host) Key() string { return h.key }

// KnownHosts is a collection of known host keys.
type KnownHosts struct {
	inner  *sessionInner
	h      engine.KnownHostsHandle
	closed bool
}

func (k *KnownHosts) lock() (*sessionInner, *Error) {
	in := k.inner
	in.mu.Lock()
	if k.closed {
		in.mu.Unlock()
		return nil, errBadUse()
	}
	return in, nil
}

// ReadFile parses an OpenSSH-format known-hosts file into the collection and
// returns the number of entries added.
func (k *KnownHosts) ReadFile(filename string) (int, error) {
	p, merr := marshalPath(filename)
	if merr != nil {
		return 0, merr
	}
	in, lerr := k.lock()
	if lerr != nil {
		return 0, lerr
	}
	defer in.mu.Unlock()
	rc := in.eng.KnownHostReadFile(k.h, p, engine.KnownHostFileOpenSSH)
	if rc < 0 {
		return 0, in.result(rc)
	}
	return rc, nil
}

// ReadString parses a single OpenSSH-format line into the collection.
func (k *KnownHosts) ReadString(line string) error {
	if err := checkString(line); err != nil {
		return err
	}
	in, lerr := k.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.KnownHostReadLine(k.h, line, engine.KnownHostFileOpenSSH))
}

// WriteFile serializes the collection to an OpenSSH-format file.
func (k *KnownHosts) WriteFile(filename string) error {
	p, merr := marshalPath(filename)
	if merr != nil {
		return merr
	}
	in, lerr := k.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.KnownHostWriteFile(k.h, p, engine.KnownHostFileOpenSSH))
}

// WriteString serializes one entry to its OpenSSH-format line.
func (k *KnownHosts) WriteString(host *Host) (string, error) {
	in, lerr := k.lock()
	if lerr != nil {
		return "", lerr
	}
	defer in.mu.Unlock()
	buf, rc := growRetry(128, func(buf []byte) (int, int) {
		return in.eng.KnownHostWriteLine(k.h, host.cursor, buf, engine.KnownHostFileOpenSSH)
	})
	if rc < 0 {
		return "", in.result(rc)
	}
	return string(buf), nil
}

// Hosts returns a snapshot of the entries in the collection.
func (k *KnownHosts) Hosts() ([]Host, error) {
	in, lerr := k.lock()
	if lerr != nil {
		return nil, lerr
	}
	defer in.mu.Unlock()
	var hosts []Host
	var cursor engine.HostCursor
	for {
		next, rc := in.eng.KnownHostGet(k.h, cursor)
		if rc == 1 {
			return hosts, nil
		}
		if rc < 0 {
			return nil, in.result(rc)
		}
		name, key := in.eng.KnownHostEntry(k.h, next)
		hosts = append(hosts, Host{cursor: next, name: name, key: key})
		cursor = next
	}
}

// Remove deletes an entry previously returned by Hosts.
func (k *KnownHosts) Remove(host Host) error {
	in, lerr := k.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.KnownHostDel(k.h, host.cursor))
}

// Check checks a host's key against the collection without a port.
func (k *KnownHosts) Check(host string, key []byte) CheckResult {
	return k.CheckPort(host, -1, key)
}

// CheckPort checks a host's key against the collection. A negative port
// matches entries for any port.
func (k *KnownHosts) CheckPort(host string, port int, key []byte) CheckResult {
	in := k.inner
	in.mu.Lock()
	defer in.mu.Unlock()
	if k.closed {
		return CheckFailure
	}
	return CheckResult(in.eng.KnownHostCheck(k.h, host, port, key))
}

// Add inserts a host/key pair with the given comment. keyFormat is one of
// the engine.KnownHostKeyFormat* values.
func (k *KnownHosts) Add(host string, key []byte, comment string, keyFormat int) error {
	if err := checkString(host); err != nil {
		return err
	}
	if err := checkString(comment); err != nil {
		return err
	}
	in, lerr := k.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.KnownHostAdd(k.h, host, key, comment, keyFormat))
}

// Close frees the collection and releases its reference to the session.
// Idempotent.
func (k *KnownHosts) Close() error {
	return k.closeInternal(false)
}

func (k *KnownHosts) closeInternal(implicit bool) error {
	in := k.inner
	in.mu.Lock()
	defer in.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	runtime.SetFinalizer(k, nil)
	in.forceBlockingLocked(func() {
		in.eng.KnownHostFree(k.h)
	})
	var err error
	if relErr := in.releaseLocked(); relErr != nil {
		err = relErr
	}
	if err != nil && implicit {
		in.log.Warn("known hosts cleanup failed", logger.Error(err))
		return nil
	}
	return err
}
