package sshwrap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bacalhau-project/sshwrap/engine"
	"github.com/bacalhau-project/sshwrap/engine/enginetest"
)

func TestAgentIdentityWalk(t *testing.T) {
	sess, eng := newTestSession(t)
	defer sess.Close()
	eng.AgentIdentities = []enginetest.Identity{
		{Blob: []byte("blob-one"), Comment: "laptop"},
		{Blob: []byte("blob-two"), Comment: "yubikey"},
	}

	agent, err := sess.Agent()
	require.NoError(t, err)
	defer agent.Close()

	require.NoError(t, agent.Connect())
	require.NoError(t, agent.ListIdentities())

	keys, err := agent.Identities()
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, []byte("blob-one"), keys[0].Blob())
	assert.Equal(t, "laptop", keys[0].Comment())
	assert.Equal(t, "yubikey", keys[1].Comment())
}

func TestAgentListBeforeConnect(t *testing.T) {
	sess, _ := newTestSession(t)
	defer sess.Close()

	agent, err := sess.Agent()
	require.NoError(t, err)
	defer agent.Close()

	err = agent.ListIdentities()
	var werr *Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, engine.CodeBadUse, werr.Code())
}

func TestAgentUserauthWrongKey(t *testing.T) {
	sess, eng := newTestSession(t)
	defer sess.Close()
	eng.AgentIdentities = []enginetest.Identity{{Blob: []byte("real-key")}}

	agent, err := sess.Agent()
	require.NoError(t, err)
	defer agent.Close()
	require.NoError(t, agent.Connect())

	err = agent.Userauth("user", &PublicKey{blob: []byte("forged-key")})
	var werr *Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, engine.CodeAuthenticationFailed, werr.Code())
	assert.False(t, sess.Authenticated())
}

func TestAgentCloseReleasesSession(t *testing.T) {
	sess, eng := newTestSession(t)

	agent, err := sess.Agent()
	require.NoError(t, err)
	inner := sess.inner.h

	require.NoError(t, sess.Close())
	assert.False(t, eng.SessionFreed(inner))
	require.NoError(t, agent.Close())
	assert.True(t, eng.SessionFreed(inner))
}
