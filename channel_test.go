package sshwrap

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bacalhau-project/sshwrap/engine"
	"github.com/bacalhau-project/sshwrap/engine/enginetest"
)

func connectedSession(t *testing.T) (*Session, *enginetest.Engine) {
	t.Helper()
	sess, eng := newTestSession(t)
	attach(t, sess)
	require.NoError(t, sess.Handshake())
	require.NoError(t, sess.UserauthPassword("user", "secret"))
	return sess, eng
}

func TestChannelOpenFailureCapturesError(t *testing.T) {
	sess, eng := connectedSession(t)
	defer sess.Close()

	eng.QueueError("ChannelOpen", engine.CodeChannelFailure, "server refused the channel")
	ch, err := sess.ChannelSession()
	assert.Nil(t, ch)
	var werr *Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, engine.CodeChannelFailure, werr.Code())
	assert.Equal(t, "server refused the channel", werr.Message())
}

func TestChannelStderrStream(t *testing.T) {
	sess, eng := connectedSession(t)
	defer sess.Close()
	eng.ChannelReadData = map[int][]byte{
		0:                         []byte("out"),
		engine.ExtendedDataStderr: []byte("err"),
	}

	ch, err := sess.ChannelSession()
	require.NoError(t, err)
	defer ch.Close()

	buf := make([]byte, 8)
	n, err := ch.Stderr().Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "err", string(buf[:n]))

	n, err = ch.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "out", string(buf[:n]))
}

func TestChannelWrite(t *testing.T) {
	sess, eng := connectedSession(t)
	defer sess.Close()

	ch, err := sess.ChannelSession()
	require.NoError(t, err)
	defer ch.Close()

	n, err := ch.Write([]byte("stdin data"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, []byte("stdin data"), eng.ChannelWritten(ch.h, 0))
}

func TestChannelCloseRestoresBlockingMode(t *testing.T) {
	sess, eng := connectedSession(t)
	defer sess.Close()

	ch, err := sess.ChannelSession()
	require.NoError(t, err)

	sess.SetBlocking(false)
	require.NoError(t, ch.Close())

	log := eng.BlockingLog(sess.inner.h)
	require.Len(t, log, 3)
	assert.False(t, log[0])
	assert.True(t, log[1], "cleanup must force blocking mode")
	assert.False(t, log[2], "cleanup must restore the previous mode")
	assert.False(t, sess.IsBlocking())
}

func TestChannelCloseSkipsBlockingToggleWhenBlocking(t *testing.T) {
	sess, eng := connectedSession(t)
	defer sess.Close()

	ch, err := sess.ChannelSession()
	require.NoError(t, err)
	require.NoError(t, ch.Close())
	assert.Empty(t, eng.BlockingLog(sess.inner.h))
}

func TestChannelDoubleCloseAndUseAfterClose(t *testing.T) {
	sess, _ := connectedSession(t)
	defer sess.Close()

	ch, err := sess.ChannelSession()
	require.NoError(t, err)
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	err = ch.Exec("uptime")
	var werr *Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, engine.CodeBadUse, werr.Code())
}

func TestChannelExplicitCloseReportsError(t *testing.T) {
	sess, eng := connectedSession(t)
	defer sess.Close()

	ch, err := sess.ChannelSession()
	require.NoError(t, err)

	eng.QueueError("ChannelFree", engine.CodeSocketDisconnect, "connection reset")
	err = ch.Close()
	var werr *Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, engine.CodeSocketDisconnect, werr.Code())

	// The handle is gone regardless; a second close is a no-op.
	require.NoError(t, ch.Close())
}

func TestScpRecvReadCeiling(t *testing.T) {
	sess, eng := connectedSession(t)
	defer sess.Close()

	content := []byte("file body")
	// The wire carries a trailing status byte beyond the declared size.
	eng.ScpFiles = map[string]enginetest.ScpFile{
		"/data/report.txt": {
			Data: append(append([]byte(nil), content...), 0x00),
			Size: int64(len(content)),
			Mode: 0o644,
		},
	}

	ch, stat, err := sess.ScpRecv("/data/report.txt")
	require.NoError(t, err)
	defer ch.Close()
	assert.Equal(t, int64(len(content)), stat.Size)

	got, err := io.ReadAll(ch)
	require.NoError(t, err)
	assert.Equal(t, content, got, "trailing byte must never be delivered")

	reads := eng.CallCount("ChannelRead")
	n, err := ch.Read(make([]byte, 8))
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, reads, eng.CallCount("ChannelRead"), "reads past the ceiling must not reach the engine")
	assert.True(t, ch.EOF())
}

func TestScpRecvZeroSizeFile(t *testing.T) {
	sess, eng := connectedSession(t)
	defer sess.Close()

	// A zero-length file still carries the trailing status byte on the wire.
	eng.ScpFiles = map[string]enginetest.ScpFile{
		"/data/empty": {Data: []byte{0x00}, Size: 0, Mode: 0o644},
	}

	ch, stat, err := sess.ScpRecv("/data/empty")
	require.NoError(t, err)
	defer ch.Close()
	assert.Equal(t, int64(0), stat.Size)

	n, err := ch.Read(make([]byte, 8))
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 0, eng.CallCount("ChannelRead"), "a zero-size cap must never reach the engine")
	assert.True(t, ch.EOF())
}

func TestClosedChannelAccessorsReturnZero(t *testing.T) {
	sess, _ := connectedSession(t)
	defer sess.Close()

	ch, err := sess.ChannelSession()
	require.NoError(t, err)
	require.NoError(t, ch.Close())

	assert.Equal(t, ReadWindow{}, ch.ReadWindow())
	assert.Equal(t, WriteWindow{}, ch.WriteWindow())
	assert.True(t, ch.EOF())
}

func TestScpRecvMissingFile(t *testing.T) {
	sess, _ := connectedSession(t)
	defer sess.Close()

	_, _, err := sess.ScpRecv("/missing")
	var werr *Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, engine.CodeScpProtocol, werr.Code())
}

func TestScpSendWrite(t *testing.T) {
	sess, eng := connectedSession(t)
	defer sess.Close()

	ch, err := sess.ScpSend("/tmp/upload.bin", 0o600, 4, 0, 0)
	require.NoError(t, err)
	defer ch.Close()

	n, err := ch.Write([]byte("data"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.NoError(t, ch.SendEOF())
	assert.Equal(t, 1, eng.CallCount("ScpSend"))
}

func TestExitSignal(t *testing.T) {
	sess, eng := connectedSession(t)
	defer sess.Close()

	ch, err := sess.ChannelSession()
	require.NoError(t, err)
	defer ch.Close()
	eng.SetExitSignal(ch.h, "KILL", "killed by admin", "en")

	sig, err := ch.ExitSignal()
	require.NoError(t, err)
	assert.Equal(t, "KILL", sig.Signal)
	assert.Equal(t, "killed by admin", sig.ErrorMessage)
	assert.Equal(t, "en", sig.LangTag)
}

func TestWindows(t *testing.T) {
	sess, _ := connectedSession(t)
	defer sess.Close()

	ch, err := sess.ChannelSession()
	require.NoError(t, err)
	defer ch.Close()

	rw := ch.ReadWindow()
	assert.Equal(t, uint32(2097152), rw.Remaining)
	ww := ch.WriteWindow()
	assert.Equal(t, uint32(2097152), ww.Initial)

	window, err := ch.AdjustReceiveWindow(1024, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(2097152+1024), window)
}

func TestForwardListenAndAccept(t *testing.T) {
	sess, eng := connectedSession(t)
	defer sess.Close()
	eng.ChannelReadData = map[int][]byte{0: []byte("forwarded")}

	l, port, err := sess.ChannelForwardListen(0, "0.0.0.0", 16)
	require.NoError(t, err)
	assert.Equal(t, 49152, port)

	ch, err := l.Accept()
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := ch.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "forwarded", string(buf[:n]))

	require.NoError(t, ch.Close())
	require.NoError(t, l.Close())
	assert.Equal(t, 1, eng.CallCount("ChannelForwardCancel"))

	_, err = l.Accept()
	var werr *Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, engine.CodeBadUse, werr.Code())
}
