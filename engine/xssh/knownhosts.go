package xssh

import (
	"bytes"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/bacalhau-project/sshwrap/engine"
)

type khRecord struct {
	hosts   []string
	key     ssh.PublicKey
	comment string
}

func (r *khRecord) line() string {
	line := knownhosts.Line(r.hosts, r.key)
	if r.comment != "" {
		line += " " + r.comment
	}
	return line
}

type khState struct {
	owner   *session
	entries []*khRecord
}

func (e *Engine) KnownHostInit(h engine.SessionHandle) engine.KnownHostsHandle {
	kh := engine.KnownHostsHandle(e.mint())
	e.khs[kh] = &khState{owner: e.sessions[h]}
	return kh
}

func (e *Engine) KnownHostFree(k engine.KnownHostsHandle) {
	delete(e.khs, k)
}

func (st *khState) addLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return false
	}
	_, hosts, key, comment, _, err := ssh.ParseKnownHosts([]byte(trimmed))
	if err != nil {
		return false
	}
	st.entries = append(st.entries, &khRecord{hosts: hosts, key: key, comment: comment})
	return true
}

func (e *Engine) KnownHostReadFile(k engine.KnownHostsHandle, filename string, kind int) int {
	st := e.khs[k]
	data, err := os.ReadFile(filename)
	if err != nil {
		return st.owner.fail(engine.CodeFile, err.Error())
	}
	added := 0
	for _, line := range strings.Split(string(data), "\n") {
		if st.addLine(line) {
			added++
		}
	}
	return added
}

func (e *Engine) KnownHostReadLine(k engine.KnownHostsHandle, line string, kind int) int {
	st := e.khs[k]
	if !st.addLine(line) {
		return st.owner.fail(engine.CodeKnownHosts, "failed to parse known host entry")
	}
	return 0
}

func (e *Engine) KnownHostWriteFile(k engine.KnownHostsHandle, filename string, kind int) int {
	st := e.khs[k]
	var sb strings.Builder
	for _, entry := range st.entries {
		sb.WriteString(entry.line())
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(filename, []byte(sb.String()), 0o644); err != nil {
		return st.owner.fail(engine.CodeFile, err.Error())
	}
	return 0
}

func (e *Engine) KnownHostWriteLine(k engine.KnownHostsHandle, cur engine.HostCursor, buf []byte, kind int) (int, int) {
	st := e.khs[k]
	idx := int(cur) - 1
	if idx < 0 || idx >= len(st.entries) {
		return 0, st.owner.fail(engine.CodeKnownHosts, "invalid known host cursor")
	}
	line := st.entries[idx].line() + "\n"
	if len(line) > len(buf) {
		return len(line), engine.CodeBufferTooSmall
	}
	copy(buf, line)
	return len(line), 0
}

func (e *Engine) KnownHostGet(k engine.KnownHostsHandle, prev engine.HostCursor) (engine.HostCursor, int) {
	st := e.khs[k]
	idx := int(prev)
	if idx >= len(st.entries) {
		return 0, 1
	}
	return engine.HostCursor(idx + 1), 0
}

func (e *Engine) KnownHostEntry(k engine.KnownHostsHandle, cur engine.HostCursor) (string, string) {
	entry := e.khs[k].entries[int(cur)-1]
	return strings.Join(entry.hosts, ","), string(ssh.MarshalAuthorizedKey(entry.key))
}

func (e *Engine) KnownHostDel(k engine.KnownHostsHandle, cur engine.HostCursor) int {
	st := e.khs[k]
	idx := int(cur) - 1
	if idx < 0 || idx >= len(st.entries) {
		return st.owner.fail(engine.CodeKnownHosts, "invalid known host cursor")
	}
	st.entries = append(st.entries[:idx], st.entries[idx+1:]...)
	return 0
}

func (e *Engine) KnownHostCheck(k engine.KnownHostsHandle, host string, port int, key []byte) int {
	st := e.khs[k]
	pub, err := ssh.ParsePublicKey(key)
	if err != nil {
		return engine.CheckFailure
	}
	candidates := []string{host}
	if port > 0 {
		candidates = append(candidates, knownhosts.Normalize(fmtAddr(host, port)))
	}
	found := false
	for _, entry := range st.entries {
		for _, name := range entry.hosts {
			for _, candidate := range candidates {
				if name != candidate {
					continue
				}
				found = true
				if entry.key.Type() == pub.Type() && bytes.Equal(entry.key.Marshal(), pub.Marshal()) {
					return engine.CheckMatch
				}
			}
		}
	}
	if found {
		return engine.CheckMismatch
	}
	return engine.CheckNotFound
}

func (e *Engine) KnownHostAdd(k engine.KnownHostsHandle, host string, key []byte, comment string, keyFormat int) int {
	st := e.khs[k]
	pub, err := ssh.ParsePublicKey(key)
	if err != nil {
		return st.owner.fail(engine.CodeKnownHosts, err.Error())
	}
	st.entries = append(st.entries, &khRecord{hosts: []string{host}, key: pub, comment: comment})
	return 0
}
