package sshwrap

import (
	"os"
	"strings"

	"github.com/bacalhau-project/sshwrap/engine"
)

// checkString rejects strings containing embedded NUL bytes before they reach
// the engine, which would otherwise silently truncate them.
func checkString(s string) *Error {
	if strings.IndexByte(s, 0) >= 0 {
		return errFromCode(engine.CodeInval)
	}
	return nil
}

// marshalPath validates a path and normalizes separators. On hosts whose
// native separator is backslash the engine still expects forward slashes on
// the wire, so backslashes are rewritten.
func marshalPath(p string) (string, *Error) {
	if err := checkString(p); err != nil {
		return "", err
	}
	if os.PathSeparator == '\\' {
		p = strings.ReplaceAll(p, "\\", "/")
	}
	return p, nil
}

// growRetry drives a buffer-protocol engine call to completion. call receives
// a buffer and returns the engine rc: a non-negative byte count on success,
// CodeBufferTooSmall with the needed size when the buffer is short, or any
// other negative code on failure. The buffer grows to whichever is larger of
// double its size and needed+1, so the loop converges in a logarithmic number
// of rounds without losing data.
func growRetry(initial int, call func(buf []byte) (n, rc int)) ([]byte, int) {
	if initial <= 0 {
		initial = 128
	}
	buf := make([]byte, initial)
	for {
		n, rc := call(buf)
		if rc == engine.CodeBufferTooSmall {
			next := 2 * len(buf)
			if n+1 > next {
				next = n + 1
			}
			buf = make([]byte, next)
			continue
		}
		if rc < 0 {
			return nil, rc
		}
		return buf[:n], rc
	}
}
