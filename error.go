package sshwrap

import (
	"fmt"
	"math"

	"github.com/bacalhau-project/sshwrap/engine"
)

// Error is a failure reported by the engine or raised by this layer before an
// engine call was made. The message is always an owned snapshot: it is copied
// out of the engine's last-error buffer at the moment of failure, while the
// session lock is still held, so it stays valid after later engine calls
// overwrite that buffer.
type Error struct {
	code     int
	sftpCode uint32
	isSftp   bool
	msg      string
}

func newError(code int, msg string) *Error {
	return &Error{code: code, msg: msg}
}

// errUnknown is returned when an engine call fails without recording a cause.
func errUnknown() *Error {
	return newError(math.MinInt32, "no other error listed")
}

// lastSessionError snapshots the error currently recorded on the session, or
// nil when none is recorded. Must be called with the session lock held,
// before any further engine call can clobber the engine's buffer.
func lastSessionError(eng engine.Engine, s engine.SessionHandle) *Error {
	code, msg := eng.SessionLastError(s)
	if code == 0 {
		return nil
	}
	return newError(code, msg)
}

// newSessionError builds an Error for a failing return code rc. The engine's
// recorded message is used only if the engine still reports rc as its last
// error; otherwise a later call has already overwritten the buffer and the
// static table supplies an approximate message instead of a stale one.
func newSessionError(eng engine.Engine, s engine.SessionHandle, rc int) *Error {
	code, msg := eng.SessionLastError(s)
	if code != rc {
		return newError(rc, codeMessage(rc))
	}
	return newError(rc, msg)
}

// newSftpError builds an Error for a failing SFTP call. When rc is the
// generic subsystem-protocol sentinel the precise cause lives in the SFTP
// status namespace and is fetched with the dedicated accessor.
func newSftpError(eng engine.Engine, s engine.SessionHandle, h engine.SftpHandle, rc int) *Error {
	if rc >= 0 {
		return errUnknown()
	}
	if rc == engine.CodeSftpProtocol {
		fx := eng.SftpLastError(h)
		return &Error{code: rc, sftpCode: fx, isSftp: true, msg: sftpMessage(fx)}
	}
	return newSessionError(eng, s, rc)
}

// Code returns the engine-level status code.
func (e *Error) Code() int { return e.code }

// SftpCode returns the SFTP subsystem status code and whether this error
// originated there.
func (e *Error) SftpCode() (uint32, bool) { return e.sftpCode, e.isSftp }

// Message returns the error message.
func (e *Error) Message() string { return e.msg }

func (e *Error) Error() string {
	if e.isSftp {
		return fmt.Sprintf("[sftp %d] %s", e.sftpCode, e.msg)
	}
	return fmt.Sprintf("[%d] %s", e.code, e.msg)
}

// Timeout reports whether the failure was a timeout, satisfying the net.Error
// convention so generic stream code can classify it.
func (e *Error) Timeout() bool {
	return !e.isSftp && (e.code == engine.CodeTimeout || e.code == engine.CodeSocketTimeout)
}

// Temporary reports whether the operation would have blocked and should be
// retried once the transport is ready; see Session.BlockDirections for the
// direction to poll.
func (e *Error) Temporary() bool {
	return !e.isSftp && e.code == engine.CodeEAGAIN
}

// WouldBlock reports whether the failure is the non-blocking retry signal.
func (e *Error) WouldBlock() bool { return e.Temporary() }

// codeMessage is the static fallback table used when the engine's last-error
// buffer no longer describes the code being translated.
func codeMessage(code int) string {
	switch code {
	case engine.CodeBannerRecv:
		return "banner recv failure"
	case engine.CodeBannerSend:
		return "banner send failure"
	case engine.CodeInvalidMAC:
		return "invalid mac"
	case engine.CodeKexFailure:
		return "kex failure"
	case engine.CodeAlloc:
		return "alloc failure"
	case engine.CodeSocketSend:
		return "socket send failure"
	case engine.CodeKeyExchangeFailure:
		return "key exchange failure"
	case engine.CodeTimeout:
		return "timed out"
	case engine.CodeHostkeyInit:
		return "hostkey init error"
	case engine.CodeHostkeySign:
		return "hostkey sign error"
	case engine.CodeDecrypt:
		return "decrypt error"
	case engine.CodeSocketDisconnect:
		return "socket disconnected"
	case engine.CodeProto:
		return "protocol error"
	case engine.CodePasswordExpired:
		return "password expired"
	case engine.CodeFile:
		return "file error"
	case engine.CodeMethodNone:
		return "bad method name"
	case engine.CodeAuthenticationFailed:
		return "authentication failed"
	case engine.CodePublickeyUnverified:
		return "public key unverified"
	case engine.CodeChannelOutOfOrder:
		return "channel out of order"
	case engine.CodeChannelFailure:
		return "channel failure"
	case engine.CodeChannelRequestDenied:
		return "request denied"
	case engine.CodeChannelUnknown:
		return "unknown channel error"
	case engine.CodeChannelWindowExceeded:
		return "window exceeded"
	case engine.CodeChannelPacketExceeded:
		return "packet exceeded"
	case engine.CodeChannelClosed:
		return "closed channel"
	case engine.CodeChannelEOFSent:
		return "eof sent"
	case engine.CodeScpProtocol:
		return "scp protocol error"
	case engine.CodeZlib:
		return "zlib error"
	case engine.CodeSocketTimeout:
		return "socket timeout"
	case engine.CodeSftpProtocol:
		return "sftp protocol error"
	case engine.CodeRequestDenied:
		return "request denied"
	case engine.CodeMethodNotSupported:
		return "method not supported"
	case engine.CodeInval:
		return "invalid"
	case engine.CodeInvalidPollType:
		return "invalid poll type"
	case engine.CodePublickeyProtocol:
		return "public key protocol error"
	case engine.CodeEAGAIN:
		return "operation would block"
	case engine.CodeBufferTooSmall:
		return "buffer too small"
	case engine.CodeBadUse:
		return "bad use error"
	case engine.CodeCompress:
		return "compression error"
	case engine.CodeOutOfBoundary:
		return "out of bounds"
	case engine.CodeAgentProtocol:
		return "invalid agent protocol"
	case engine.CodeSocketRecv:
		return "error receiving on socket"
	case engine.CodeEncrypt:
		return "bad encrypt"
	case engine.CodeBadSocket:
		return "bad socket"
	case engine.CodeKnownHosts:
		return "known hosts error"
	default:
		return "unknown error"
	}
}

func sftpMessage(code uint32) string {
	switch code {
	case engine.FxEOF:
		return "end of file"
	case engine.FxNoSuchFile:
		return "no such file"
	case engine.FxPermissionDenied:
		return "permission denied"
	case engine.FxFailure:
		return "failure"
	case engine.FxBadMessage:
		return "bad message"
	case engine.FxNoConnection:
		return "no connection"
	case engine.FxConnectionLost:
		return "connection lost"
	case engine.FxOpUnsupported:
		return "operation unsupported"
	case engine.FxInvalidHandle:
		return "invalid handle"
	case engine.FxNoSuchPath:
		return "no such path"
	case engine.FxFileAlreadyExists:
		return "file already exists"
	case engine.FxWriteProtect:
		return "file is write protected"
	case engine.FxNoMedia:
		return "no media available"
	case engine.FxNoSpaceOnFilesystem:
		return "no space on filesystem"
	case engine.FxQuotaExceeded:
		return "quota exceeded"
	case engine.FxUnknownPrincipal:
		return "unknown principal"
	case engine.FxLockConflict:
		return "lock conflict"
	case engine.FxDirNotEmpty:
		return "directory not empty"
	case engine.FxNotADirectory:
		return "not a directory"
	case engine.FxInvalidFilename:
		return "invalid filename"
	case engine.FxLinkLoop:
		return "link loop"
	default:
		return "unknown error"
	}
}

// errBadUse flags an operation on a handle whose backing resource is gone.
func errBadUse() *Error {
	return newError(engine.CodeBadUse, codeMessage(engine.CodeBadUse))
}

func errFromCode(code int) *Error {
	return newError(code, codeMessage(code))
}
