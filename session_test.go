package sshwrap

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bacalhau-project/sshwrap/engine"
	"github.com/bacalhau-project/sshwrap/engine/enginetest"
	"github.com/bacalhau-project/sshwrap/engine/xssh"
	"github.com/bacalhau-project/sshwrap/logger"
)

func newTestSession(t *testing.T) (*Session, *enginetest.Engine) {
	t.Helper()
	logger.InitTest(t)
	eng := enginetest.New()
	sess, err := NewSession(eng)
	require.NoError(t, err)
	return sess, eng
}

func attach(t *testing.T, sess *Session) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	require.NoError(t, sess.SetTransport(client))
	return client
}

func TestNewSessionAllocationFailure(t *testing.T) {
	logger.InitTest(t)
	eng := enginetest.New()
	eng.QueueError("SessionInit", engine.CodeAlloc, "alloc failure")
	sess, err := NewSession(eng)
	assert.Nil(t, sess)
	assert.Error(t, err)
}

func TestHandshakeWithoutTransport(t *testing.T) {
	sess, eng := newTestSession(t)
	defer sess.Close()

	err := sess.Handshake()
	require.Error(t, err)
	var werr *Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, engine.CodeBadSocket, werr.Code())
	assert.Equal(t, 0, eng.CallCount("SessionHandshake"), "engine must not be reached without a transport")
}

func TestHandshakeAfterAttach(t *testing.T) {
	sess, eng := newTestSession(t)
	defer sess.Close()

	attach(t, sess)
	require.NoError(t, sess.Handshake())
	assert.Equal(t, 1, eng.CallCount("SessionHandshake"))
}

func TestHandshakeErrorMessageIsSnapshot(t *testing.T) {
	sess, eng := newTestSession(t)
	defer sess.Close()

	attach(t, sess)
	eng.QueueError("SessionHandshake", engine.CodeSocketDisconnect, "peer went away")
	err := sess.Handshake()
	require.Error(t, err)
	var werr *Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, engine.CodeSocketDisconnect, werr.Code())
	assert.Equal(t, "peer went away", werr.Message())

	// Later engine activity must not change the message already captured.
	eng.QueueError("SessionBannerSet", engine.CodeAlloc, "something else entirely")
	_ = sess.SetBanner("SSH-2.0-sshwrap")
	assert.Equal(t, "peer went away", werr.Message())
}

func TestUserauthPasswordEmbeddedNul(t *testing.T) {
	sess, eng := newTestSession(t)
	defer sess.Close()

	err := sess.UserauthPassword("user\x00name", "secret")
	require.Error(t, err)
	var werr *Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, engine.CodeInval, werr.Code())
	assert.Equal(t, 0, eng.CallCount("UserauthPassword"))
}

func TestSessionCloseIdempotent(t *testing.T) {
	sess, eng := newTestSession(t)
	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
	assert.Equal(t, 1, eng.CallCount("SessionFree"))
}

func TestUseAfterCloseIsBadUse(t *testing.T) {
	sess, _ := newTestSession(t)
	require.NoError(t, sess.Close())

	err := sess.SetBanner("SSH-2.0-sshwrap")
	var werr *Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, engine.CodeBadUse, werr.Code())
}

func TestSetTransportRejectsSecondAttach(t *testing.T) {
	sess, _ := newTestSession(t)
	defer sess.Close()

	attach(t, sess)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	err := sess.SetTransport(client)
	var werr *Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, engine.CodeBadUse, werr.Code())
}

func TestClosedSessionAccessorsReturnZero(t *testing.T) {
	// The xssh backend releases its session state on free, so any accessor
	// that slipped past the closed check would hit a stale handle.
	logger.InitTest(t)
	sess, err := NewSession(xssh.New())
	require.NoError(t, err)
	require.NoError(t, sess.Close())

	assert.Nil(t, sess.Transport())
	assert.False(t, sess.IsBlocking())
	sess.SetBlocking(true)
	sess.SetTimeout(time.Second)
	assert.Equal(t, time.Duration(0), sess.Timeout())
	sess.SetKeepalive(true, 30)
	assert.Equal(t, 0, sess.BlockDirections())
	assert.False(t, sess.Authenticated())

	_, ok := sess.Banner()
	assert.False(t, ok)
	_, _, ok = sess.HostKey()
	assert.False(t, ok)
	_, ok = sess.HostKeyHash(engine.HashSha256)
	assert.False(t, ok)
	_, ok = sess.Methods(engine.MethodKex)
	assert.False(t, ok)
}

func TestSessionOutlivesDependents(t *testing.T) {
	sess, eng := newTestSession(t)
	attach(t, sess)
	require.NoError(t, sess.Handshake())
	require.NoError(t, sess.UserauthPassword("user", "secret"))

	ch, err := sess.ChannelSession()
	require.NoError(t, err)

	inner := sess.inner.h
	require.NoError(t, sess.Close())
	assert.False(t, eng.SessionFreed(inner), "channel still holds a reference")

	require.NoError(t, ch.Close())
	assert.True(t, eng.SessionFreed(inner))
}

func TestTimeoutRoundTrip(t *testing.T) {
	sess, _ := newTestSession(t)
	defer sess.Close()

	sess.SetTimeout(1500 * time.Millisecond)
	assert.Equal(t, 1500*time.Millisecond, sess.Timeout())
}

func TestBlockingRoundTrip(t *testing.T) {
	sess, _ := newTestSession(t)
	defer sess.Close()

	assert.True(t, sess.IsBlocking())
	sess.SetBlocking(false)
	assert.False(t, sess.IsBlocking())
}

func TestUserauthAgentUsesFirstIdentity(t *testing.T) {
	sess, eng := newTestSession(t)
	defer sess.Close()
	attach(t, sess)
	require.NoError(t, sess.Handshake())

	eng.AgentIdentities = []enginetest.Identity{
		{Blob: []byte("first-key"), Comment: "work laptop"},
		{Blob: []byte("second-key"), Comment: "spare"},
	}
	require.NoError(t, sess.UserauthAgent("user"))
	assert.True(t, sess.Authenticated())
}

func TestUserauthAgentNoIdentities(t *testing.T) {
	sess, _ := newTestSession(t)
	defer sess.Close()

	err := sess.UserauthAgent("user")
	require.Error(t, err)
	var werr *Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, engine.CodeAgentProtocol, werr.Code())
}

func TestAuthMethods(t *testing.T) {
	sess, _ := newTestSession(t)
	defer sess.Close()

	methods, err := sess.AuthMethods("user")
	require.NoError(t, err)
	assert.Contains(t, methods, "password")
}

func TestKeepalive(t *testing.T) {
	sess, _ := newTestSession(t)
	defer sess.Close()

	sess.SetKeepalive(true, 30)
	next, err := sess.KeepaliveSend()
	require.NoError(t, err)
	assert.Equal(t, uint(30), next)
}

func TestEndToEndExec(t *testing.T) {
	sess, eng := newTestSession(t)
	eng.ChannelReadData = map[int][]byte{0: []byte("hello from remote\n")}

	// Handshake before a transport is attached must fail without touching
	// the engine; attaching one makes the same call succeed.
	require.Error(t, sess.Handshake())
	attach(t, sess)
	require.NoError(t, sess.Handshake())

	require.NoError(t, sess.UserauthPassword("user", "secret"))
	require.True(t, sess.Authenticated())

	ch, err := sess.ChannelSession()
	require.NoError(t, err)
	require.NoError(t, ch.Exec("echo hello from remote"))

	buf := make([]byte, 64)
	n, err := ch.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello from remote\n", string(buf[:n]))

	require.NoError(t, ch.WaitEOF())
	assert.True(t, ch.EOF())

	status, err := ch.ExitStatus()
	require.NoError(t, err)
	assert.Equal(t, 0, status)

	require.NoError(t, ch.Close())
	require.NoError(t, sess.Close())
}
