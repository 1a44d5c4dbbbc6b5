package sshwrap

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bacalhau-project/sshwrap/engine"
	"github.com/bacalhau-project/sshwrap/engine/enginetest"
	"github.com/bacalhau-project/sshwrap/logger"
)

var _ net.Error = (*Error)(nil)

func TestErrorNetErrorMapping(t *testing.T) {
	assert.True(t, errFromCode(engine.CodeTimeout).Timeout())
	assert.True(t, errFromCode(engine.CodeSocketTimeout).Timeout())
	assert.False(t, errFromCode(engine.CodeAlloc).Timeout())

	assert.True(t, errFromCode(engine.CodeEAGAIN).Temporary())
	assert.True(t, errFromCode(engine.CodeEAGAIN).WouldBlock())
	assert.False(t, errFromCode(engine.CodeTimeout).Temporary())
}

func TestErrorStringFormat(t *testing.T) {
	err := newError(engine.CodeAuthenticationFailed, "authentication failed")
	assert.Equal(t, "[-18] authentication failed", err.Error())

	sftpErr := &Error{
		code:     engine.CodeSftpProtocol,
		sftpCode: engine.FxPermissionDenied,
		isSftp:   true,
		msg:      "permission denied",
	}
	assert.Equal(t, "[sftp 3] permission denied", sftpErr.Error())
	fx, ok := sftpErr.SftpCode()
	assert.True(t, ok)
	assert.Equal(t, engine.FxPermissionDenied, fx)
}

func TestSessionErrorUsesEngineMessageOnMatch(t *testing.T) {
	logger.InitTest(t)
	eng := enginetest.New()
	sess, err := NewSession(eng)
	require.NoError(t, err)
	defer sess.Close()

	eng.SetLastError(sess.inner.h, engine.CodeKexFailure, "negotiation exploded")
	werr := newSessionError(eng, sess.inner.h, engine.CodeKexFailure)
	assert.Equal(t, "negotiation exploded", werr.Message())
}

func TestSessionErrorFallsBackOnMismatch(t *testing.T) {
	logger.InitTest(t)
	eng := enginetest.New()
	sess, err := NewSession(eng)
	require.NoError(t, err)
	defer sess.Close()

	// The recorded error belongs to a different, later failure; the static
	// table supplies the message for the code being translated.
	eng.SetLastError(sess.inner.h, engine.CodeSocketRecv, "read failed")
	werr := newSessionError(eng, sess.inner.h, engine.CodeTimeout)
	assert.Equal(t, engine.CodeTimeout, werr.Code())
	assert.Equal(t, "timed out", werr.Message())
}

func TestStaticTables(t *testing.T) {
	assert.Equal(t, "bad use error", codeMessage(engine.CodeBadUse))
	assert.Equal(t, "unknown error", codeMessage(-9999))
	assert.Equal(t, "no such file", sftpMessage(engine.FxNoSuchFile))
	assert.Equal(t, "unknown error", sftpMessage(999))
}
