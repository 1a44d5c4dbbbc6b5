package sshwrap

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bacalhau-project/sshwrap/engine"
)

func knownHosts(t *testing.T) (*Session, *KnownHosts) {
	t.Helper()
	sess, _ := newTestSession(t)
	kh, err := sess.KnownHosts()
	require.NoError(t, err)
	return sess, kh
}

func TestKnownHostsAddAndCheck(t *testing.T) {
	sess, kh := knownHosts(t)
	defer sess.Close()
	defer kh.Close()

	key := []byte("host-key-material")
	require.NoError(t, kh.Add("example.com", key, "test entry", engine.KnownHostKeyFormatSshRsa))

	assert.Equal(t, CheckMatch, kh.Check("example.com", key))
	assert.Equal(t, CheckMismatch, kh.Check("example.com", []byte("different-key")))
	assert.Equal(t, CheckNotFound, kh.Check("other.example.com", key))
}

func TestKnownHostsReadStringAndWalk(t *testing.T) {
	sess, kh := knownHosts(t)
	defer sess.Close()
	defer kh.Close()

	encoded := base64.StdEncoding.EncodeToString([]byte("key-bytes"))
	require.NoError(t, kh.ReadString("example.com ssh-ed25519 "+encoded))

	hosts, err := kh.Hosts()
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, "example.com", hosts[0].Name())
	assert.Contains(t, hosts[0].Key(), encoded)
}

func TestKnownHostsReadStringInvalid(t *testing.T) {
	sess, kh := knownHosts(t)
	defer sess.Close()
	defer kh.Close()

	err := kh.ReadString("not-a-valid-entry")
	var werr *Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, engine.CodeKnownHosts, werr.Code())
}

func TestKnownHostsRemove(t *testing.T) {
	sess, kh := knownHosts(t)
	defer sess.Close()
	defer kh.Close()

	require.NoError(t, kh.Add("a.example.com", []byte("key-a"), "", engine.KnownHostKeyFormatSshRsa))
	require.NoError(t, kh.Add("b.example.com", []byte("key-b"), "", engine.KnownHostKeyFormatSshRsa))

	hosts, err := kh.Hosts()
	require.NoError(t, err)
	require.Len(t, hosts, 2)

	require.NoError(t, kh.Remove(hosts[0]))
	hosts, err = kh.Hosts()
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, "b.example.com", hosts[0].Name())
}

func TestKnownHostsWriteStringGrowsBuffer(t *testing.T) {
	sess, kh := knownHosts(t)
	defer sess.Close()
	defer kh.Close()

	// A key well past the initial serialization buffer.
	bigKey := []byte(strings.Repeat("k", 400))
	require.NoError(t, kh.Add("example.com", bigKey, "", engine.KnownHostKeyFormatSshRsa))

	hosts, err := kh.Hosts()
	require.NoError(t, err)
	require.Len(t, hosts, 1)

	line, err := kh.WriteString(&hosts[0])
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "example.com "))
	assert.Contains(t, line, base64.StdEncoding.EncodeToString(bigKey))
}

func TestKnownHostsFileRoundTrip(t *testing.T) {
	sess, kh := knownHosts(t)
	defer sess.Close()
	defer kh.Close()

	require.NoError(t, kh.Add("example.com", []byte("key-one"), "", engine.KnownHostKeyFormatSshRsa))
	path := t.TempDir() + "/known_hosts"
	require.NoError(t, kh.WriteFile(path))

	other, err := sess.KnownHosts()
	require.NoError(t, err)
	defer other.Close()

	n, err := other.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, CheckMatch, other.Check("example.com", []byte("key-one")))
}
