package xssh

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"strings"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/bacalhau-project/sshwrap/engine"
)

func testKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return key
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'/plain/path'", shellQuote("/plain/path"))
	assert.Equal(t, "'/with space'", shellQuote("/with space"))
	assert.Equal(t, `'/it'\''s'`, shellQuote("/it's"))
}

func TestSplitRemotePath(t *testing.T) {
	dir, base := splitRemotePath("/var/log/syslog")
	assert.Equal(t, "/var/log", dir)
	assert.Equal(t, "syslog", base)

	dir, base = splitRemotePath("file.txt")
	assert.Equal(t, ".", dir)
	assert.Equal(t, "file.txt", base)

	dir, base = splitRemotePath("/rootfile")
	assert.Equal(t, "/", dir)
	assert.Equal(t, "rootfile", base)
}

func TestOpenFlags(t *testing.T) {
	assert.Equal(t, os.O_RDONLY, openFlags(engine.FxfRead))
	assert.Equal(t, os.O_WRONLY, openFlags(engine.FxfWrite))
	assert.Equal(t, os.O_RDWR, openFlags(engine.FxfRead|engine.FxfWrite))
	assert.Equal(t,
		os.O_WRONLY|os.O_CREATE|os.O_TRUNC,
		openFlags(engine.FxfWrite|engine.FxfCreate|engine.FxfTrunc))
	assert.Equal(t,
		os.O_WRONLY|os.O_APPEND|os.O_EXCL,
		openFlags(engine.FxfWrite|engine.FxfAppend|engine.FxfExcl))
}

func TestFxCode(t *testing.T) {
	assert.Equal(t, engine.FxNoSuchFile, fxCode(os.ErrNotExist))
	assert.Equal(t, engine.FxPermissionDenied, fxCode(os.ErrPermission))
	assert.Equal(t, engine.FxFailure, fxCode(assert.AnError))

	status := &sftp.StatusError{Code: engine.FxQuotaExceeded}
	assert.Equal(t, engine.FxQuotaExceeded, fxCode(status))
}

func TestReadAck(t *testing.T) {
	ok := bufio.NewReader(bytes.NewReader([]byte{0}))
	assert.NoError(t, readAck(ok))

	failed := bufio.NewReader(bytes.NewReader(append([]byte{1}, "scp: no such file\n"...)))
	err := readAck(failed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such file")
}

func TestHostKeyType(t *testing.T) {
	assert.Equal(t, engine.HostKeyTypeEd25519, hostKeyType(ssh.KeyAlgoED25519))
	assert.Equal(t, engine.HostKeyTypeRsa, hostKeyType(ssh.KeyAlgoRSA))
	assert.Equal(t, engine.HostKeyTypeUnknown, hostKeyType("something-else"))
}

func TestKnownHostsStore(t *testing.T) {
	e := New()
	s := e.SessionInit()
	kh := e.KnownHostInit(s)

	key := testKey(t)
	rc := e.KnownHostAdd(kh, "example.com", key.Marshal(), "a comment", engine.KnownHostKeyFormatUnknown)
	require.Equal(t, 0, rc)

	assert.Equal(t, engine.CheckMatch, e.KnownHostCheck(kh, "example.com", 22, key.Marshal()))
	assert.Equal(t, engine.CheckNotFound, e.KnownHostCheck(kh, "other.example.com", 22, key.Marshal()))

	otherKey := testKey(t)
	assert.Equal(t, engine.CheckMismatch, e.KnownHostCheck(kh, "example.com", 22, otherKey.Marshal()))

	cursor, rc := e.KnownHostGet(kh, 0)
	require.Equal(t, 0, rc)
	name, entryKey := e.KnownHostEntry(kh, cursor)
	assert.Equal(t, "example.com", name)
	assert.Contains(t, entryKey, key.Type())

	_, rc = e.KnownHostGet(kh, cursor)
	assert.Equal(t, 1, rc)
}

func TestKnownHostsLineRoundTrip(t *testing.T) {
	e := New()
	s := e.SessionInit()
	kh := e.KnownHostInit(s)

	key := testKey(t)
	line := knownhosts.Line([]string{"example.com"}, key)
	require.Equal(t, 0, e.KnownHostReadLine(kh, line, engine.KnownHostFileOpenSSH))

	cursor, rc := e.KnownHostGet(kh, 0)
	require.Equal(t, 0, rc)

	buf := make([]byte, 16)
	needed, rc := e.KnownHostWriteLine(kh, cursor, buf, engine.KnownHostFileOpenSSH)
	require.Equal(t, engine.CodeBufferTooSmall, rc)

	buf = make([]byte, needed)
	n, rc := e.KnownHostWriteLine(kh, cursor, buf, engine.KnownHostFileOpenSSH)
	require.Equal(t, 0, rc)
	assert.Equal(t, line+"\n", string(buf[:n]))
}

func TestKnownHostsReadFile(t *testing.T) {
	e := New()
	s := e.SessionInit()
	kh := e.KnownHostInit(s)

	key := testKey(t)
	content := strings.Join([]string{
		"# comment line",
		"",
		knownhosts.Line([]string{"a.example.com"}, key),
		knownhosts.Line([]string{"b.example.com"}, key),
	}, "\n") + "\n"
	path := t.TempDir() + "/known_hosts"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	added := e.KnownHostReadFile(kh, path, engine.KnownHostFileOpenSSH)
	assert.Equal(t, 2, added)

	out := t.TempDir() + "/out"
	require.Equal(t, 0, e.KnownHostWriteFile(kh, out, engine.KnownHostFileOpenSSH))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), key.Type()))
}

func TestKnownHostsDel(t *testing.T) {
	e := New()
	s := e.SessionInit()
	kh := e.KnownHostInit(s)

	key := testKey(t)
	require.Equal(t, 0, e.KnownHostAdd(kh, "example.com", key.Marshal(), "", 0))

	cursor, rc := e.KnownHostGet(kh, 0)
	require.Equal(t, 0, rc)
	require.Equal(t, 0, e.KnownHostDel(kh, cursor))

	_, rc = e.KnownHostGet(kh, 0)
	assert.Equal(t, 1, rc)
}

func TestSessionDefaults(t *testing.T) {
	e := New()
	s := e.SessionInit()

	assert.True(t, e.SessionGetBlocking(s))
	e.SessionSetBlocking(s, false)
	assert.False(t, e.SessionGetBlocking(s))

	e.SessionSetTimeout(s, 5000)
	assert.Equal(t, int64(5000), e.SessionGetTimeout(s))

	code, _ := e.SessionLastError(s)
	assert.Equal(t, 0, code)

	rc := e.SessionHandshake(s, nil)
	assert.Equal(t, engine.CodeBadSocket, rc)
	code, msg := e.SessionLastError(s)
	assert.Equal(t, engine.CodeBadSocket, code)
	assert.NotEmpty(t, msg)
}
