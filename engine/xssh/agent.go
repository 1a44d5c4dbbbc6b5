package xssh

import (
	"bytes"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/bacalhau-project/sshwrap/engine"
)

type agentState struct {
	owner  *session
	socket string
	conn   net.Conn
	client agent.ExtendedAgent
	keys   []*agent.Key
}

func (e *Engine) AgentInit(h engine.SessionHandle) engine.AgentHandle {
	s := e.sessions[h]
	socket := e.AgentSocket
	if socket == "" {
		socket = os.Getenv("SSH_AUTH_SOCK")
	}
	ah := engine.AgentHandle(e.mint())
	e.agents[ah] = &agentState{owner: s, socket: socket}
	return ah
}

func (e *Engine) AgentFree(a engine.AgentHandle) {
	st := e.agents[a]
	if st.conn != nil {
		st.conn.Close()
	}
	delete(e.agents, a)
}

func (e *Engine) AgentConnect(a engine.AgentHandle) int {
	st := e.agents[a]
	if st.socket == "" {
		return st.owner.fail(engine.CodeAgentProtocol, "no ssh agent socket configured")
	}
	conn, err := net.Dial("unix", st.socket)
	if err != nil {
		return st.owner.fail(engine.CodeAgentProtocol, err.Error())
	}
	st.conn = conn
	st.client = agent.NewClient(conn)
	return 0
}

func (e *Engine) AgentDisconnect(a engine.AgentHandle) int {
	st := e.agents[a]
	if st.conn == nil {
		return st.owner.fail(engine.CodeBadUse, "agent not connected")
	}
	err := st.conn.Close()
	st.conn = nil
	st.client = nil
	st.keys = nil
	if err != nil {
		return st.owner.fail(engine.CodeAgentProtocol, err.Error())
	}
	return 0
}

func (e *Engine) AgentListIdentities(a engine.AgentHandle) int {
	st := e.agents[a]
	if st.client == nil {
		return st.owner.fail(engine.CodeBadUse, "agent not connected")
	}
	keys, err := st.client.List()
	if err != nil {
		return st.owner.fail(engine.CodeAgentProtocol, err.Error())
	}
	st.keys = keys
	return 0
}

func (e *Engine) AgentGetIdentity(a engine.AgentHandle, prev engine.IdentityCursor) (engine.IdentityCursor, int) {
	st := e.agents[a]
	idx := int(prev)
	if idx >= len(st.keys) {
		return 0, 1
	}
	return engine.IdentityCursor(idx + 1), 0
}

func (e *Engine) AgentIdentity(a engine.AgentHandle, cur engine.IdentityCursor) ([]byte, string) {
	key := e.agents[a].keys[int(cur)-1]
	return key.Blob, key.Comment
}

func (e *Engine) AgentUserauth(a engine.AgentHandle, username string, blob []byte) int {
	st := e.agents[a]
	if st.client == nil {
		return st.owner.fail(engine.CodeBadUse, "agent not connected")
	}
	auth := ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
		signers, err := st.client.Signers()
		if err != nil {
			return nil, err
		}
		for _, signer := range signers {
			if bytes.Equal(signer.PublicKey().Marshal(), blob) {
				return []ssh.Signer{signer}, nil
			}
		}
		return nil, nil
	})
	return st.owner.connect(username, auth)
}
