// Package xssh implements the engine contract over golang.org/x/crypto/ssh
// and github.com/pkg/sftp.
//
// The transport library couples the handshake with authentication, so
// SessionHandshake only records the transport; the SSH connection is
// actually established by the first successful Userauth call. The engine is
// always effectively blocking: non-blocking mode is remembered but no call
// ever reports a would-block failure.
package xssh

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/bacalhau-project/sshwrap/engine"
)

type session struct {
	transport net.Conn
	client    *ssh.Client

	blocking     bool
	timeoutMs    int64
	clientBanner string
	remoteBanner string
	hostKey      ssh.PublicKey
	user         string

	keepaliveInterval uint

	lastCode int
	lastMsg  string
}

// fail records an error on the session and returns its code.
func (s *session) fail(code int, msg string) int {
	s.lastCode = code
	s.lastMsg = msg
	return code
}

// Engine is the x/crypto backed engine. Like every engine it is not
// goroutine-safe; the wrapper serializes access.
type Engine struct {
	next      uintptr
	sessions  map[engine.SessionHandle]*session
	channels  map[engine.ChannelHandle]*channel
	sftps     map[engine.SftpHandle]*sftpState
	files     map[engine.FileHandle]*fileState
	agents    map[engine.AgentHandle]*agentState
	khs       map[engine.KnownHostsHandle]*khState
	listeners map[engine.ListenerHandle]*listenerState

	// AgentSocket overrides the SSH_AUTH_SOCK environment variable.
	AgentSocket string
}

// New returns a fresh engine.
func New() *Engine {
	return &Engine{
		sessions:  make(map[engine.SessionHandle]*session),
		channels:  make(map[engine.ChannelHandle]*channel),
		sftps:     make(map[engine.SftpHandle]*sftpState),
		files:     make(map[engine.FileHandle]*fileState),
		agents:    make(map[engine.AgentHandle]*agentState),
		khs:       make(map[engine.KnownHostsHandle]*khState),
		listeners: make(map[engine.ListenerHandle]*listenerState),
	}
}

func (e *Engine) mint() uintptr {
	e.next++
	return e.next
}

// Init implements engine.SessionAPI. The transport library needs no global
// setup.
func (e *Engine) Init() int { return 0 }

// Exit implements engine.SessionAPI.
func (e *Engine) Exit() {}

func (e *Engine) SessionInit() engine.SessionHandle {
	h := engine.SessionHandle(e.mint())
	e.sessions[h] = &session{blocking: true}
	return h
}

func (e *Engine) SessionFree(h engine.SessionHandle) int {
	s := e.sessions[h]
	if s.client != nil {
		s.client.Close()
	}
	delete(e.sessions, h)
	return 0
}

func (e *Engine) SessionLastError(h engine.SessionHandle) (int, string) {
	s := e.sessions[h]
	return s.lastCode, s.lastMsg
}

func (e *Engine) SessionHandshake(h engine.SessionHandle, transport net.Conn) int {
	s := e.sessions[h]
	if transport == nil {
		return s.fail(engine.CodeBadSocket, "bad socket")
	}
	s.transport = transport
	return 0
}

func (e *Engine) SessionDisconnect(h engine.SessionHandle, reason int, description, lang string) int {
	s := e.sessions[h]
	if s.client == nil {
		return s.fail(engine.CodeSocketNone, "session not connected")
	}
	if err := s.client.Close(); err != nil {
		return s.fail(engine.CodeSocketDisconnect, err.Error())
	}
	s.client = nil
	return 0
}

func (e *Engine) SessionSetBlocking(h engine.SessionHandle, blocking bool) {
	e.sessions[h].blocking = blocking
}

func (e *Engine) SessionGetBlocking(h engine.SessionHandle) bool {
	return e.sessions[h].blocking
}

func (e *Engine) SessionSetTimeout(h engine.SessionHandle, timeoutMs int64) {
	e.sessions[h].timeoutMs = timeoutMs
}

func (e *Engine) SessionGetTimeout(h engine.SessionHandle) int64 {
	return e.sessions[h].timeoutMs
}

func (e *Engine) SessionSetFlag(h engine.SessionHandle, flag int, value bool) int {
	// Compression and SIGPIPE handling are fixed by the transport library.
	return e.sessions[h].fail(engine.CodeMethodNotSupported, "method not supported")
}

func (e *Engine) SessionBannerSet(h engine.SessionHandle, banner string) int {
	e.sessions[h].clientBanner = banner
	return 0
}

func (e *Engine) SessionBannerGet(h engine.SessionHandle) (string, bool) {
	s := e.sessions[h]
	if s.remoteBanner == "" {
		return "", false
	}
	return s.remoteBanner, true
}

func (e *Engine) SessionHostKey(h engine.SessionHandle) ([]byte, engine.HostKeyType, bool) {
	s := e.sessions[h]
	if s.hostKey == nil {
		return nil, engine.HostKeyTypeUnknown, false
	}
	return s.hostKey.Marshal(), hostKeyType(s.hostKey.Type()), true
}

func hostKeyType(algo string) engine.HostKeyType {
	switch algo {
	case ssh.KeyAlgoRSA:
		return engine.HostKeyTypeRsa
	case ssh.KeyAlgoDSA:
		return engine.HostKeyTypeDss
	case ssh.KeyAlgoECDSA256:
		return engine.HostKeyTypeEcdsa256
	case ssh.KeyAlgoECDSA384:
		return engine.HostKeyTypeEcdsa384
	case ssh.KeyAlgoECDSA521:
		return engine.HostKeyTypeEcdsa521
	case ssh.KeyAlgoED25519:
		return engine.HostKeyTypeEd25519
	default:
		return engine.HostKeyTypeUnknown
	}
}

func (e *Engine) SessionHostKeyHash(h engine.SessionHandle, hash engine.HashType) ([]byte, bool) {
	s := e.sessions[h]
	if s.hostKey == nil {
		return nil, false
	}
	raw := s.hostKey.Marshal()
	switch hash {
	case engine.HashMd5:
		sum := md5.Sum(raw)
		return sum[:], true
	case engine.HashSha1:
		sum := sha1.Sum(raw)
		return sum[:], true
	case engine.HashSha256:
		sum := sha256.Sum256(raw)
		return sum[:], true
	default:
		return nil, false
	}
}

func (e *Engine) SessionMethodPref(h engine.SessionHandle, method engine.MethodType, prefs string) int {
	return e.sessions[h].fail(engine.CodeMethodNotSupported, "method not supported")
}

func (e *Engine) SessionMethods(h engine.SessionHandle, method engine.MethodType) (string, bool) {
	return "", false
}

func (e *Engine) SessionSupportedAlgs(h engine.SessionHandle, method engine.MethodType) ([]string, int) {
	switch method {
	case engine.MethodKex:
		return []string{"curve25519-sha256", "ecdh-sha2-nistp256", "diffie-hellman-group14-sha256"}, 0
	case engine.MethodHostKey:
		return []string{ssh.KeyAlgoED25519, ssh.KeyAlgoRSA, ssh.KeyAlgoECDSA256}, 0
	default:
		return nil, e.sessions[h].fail(engine.CodeMethodNotSupported, "method not supported")
	}
}

func (e *Engine) SessionBlockDirections(h engine.SessionHandle) int {
	// Calls never return a would-block failure, so nothing is ever waiting.
	return 0
}

func (e *Engine) KeepaliveConfig(h engine.SessionHandle, wantReply bool, intervalSec uint) {
	e.sessions[h].keepaliveInterval = intervalSec
}

func (e *Engine) KeepaliveSend(h engine.SessionHandle) (uint, int) {
	s := e.sessions[h]
	if s.client == nil {
		return 0, s.fail(engine.CodeSocketNone, "session not connected")
	}
	if _, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
		return 0, s.fail(engine.CodeSocketSend, err.Error())
	}
	return s.keepaliveInterval, 0
}

// connect dials the SSH connection with one authentication method. Called by
// the Userauth operations; on success the session is both handshaken and
// authenticated.
func (s *session) connect(username string, auth ssh.AuthMethod) int {
	if s.client != nil {
		return s.fail(engine.CodeBadUse, "session already connected")
	}
	if s.transport == nil {
		return s.fail(engine.CodeBadSocket, "bad socket")
	}
	config := &ssh.ClientConfig{
		User: username,
		Auth: []ssh.AuthMethod{auth},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			s.hostKey = key
			return nil
		},
		BannerCallback: func(message string) error {
			s.remoteBanner = message
			return nil
		},
	}
	if s.clientBanner != "" {
		config.ClientVersion = s.clientBanner
	}
	if s.timeoutMs > 0 {
		config.Timeout = time.Duration(s.timeoutMs) * time.Millisecond
	}
	addr := s.transport.RemoteAddr().String()
	conn, chans, reqs, err := ssh.NewClientConn(s.transport, addr, config)
	if err != nil {
		return s.fail(engine.CodeAuthenticationFailed, err.Error())
	}
	s.client = ssh.NewClient(conn, chans, reqs)
	s.user = username
	return 0
}

func (e *Engine) UserauthPassword(h engine.SessionHandle, username, password string) int {
	return e.sessions[h].connect(username, ssh.Password(password))
}

func (e *Engine) UserauthKeyboardInteractive(h engine.SessionHandle, username string, prompter engine.KeyboardInteractivePrompt) int {
	challenge := func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		prompts := make([]engine.Prompt, len(questions))
		for i, q := range questions {
			prompts[i] = engine.Prompt{Text: q, Echo: echos[i]}
		}
		return prompter.Prompt(name, instruction, prompts), nil
	}
	return e.sessions[h].connect(username, ssh.KeyboardInteractive(challenge))
}

func (e *Engine) UserauthPublickeyFile(h engine.SessionHandle, username, pubkeyPath, privkeyPath, passphrase string) int {
	s := e.sessions[h]
	data, err := os.ReadFile(privkeyPath)
	if err != nil {
		return s.fail(engine.CodeFile, err.Error())
	}
	return s.connect(username, signerAuth(s, string(data), passphrase))
}

func (e *Engine) UserauthPublickeyMemory(h engine.SessionHandle, username, pubkeyData, privkeyData, passphrase string) int {
	s := e.sessions[h]
	return s.connect(username, signerAuth(s, privkeyData, passphrase))
}

// signerAuth parses a private key lazily so parse errors surface as auth
// failures with the key error recorded.
func signerAuth(s *session, privkeyData, passphrase string) ssh.AuthMethod {
	return ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
		var signer ssh.Signer
		var err error
		if passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(privkeyData), []byte(passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(privkeyData))
		}
		if err != nil {
			return nil, err
		}
		return []ssh.Signer{signer}, nil
	})
}

func (e *Engine) UserauthHostbasedFile(h engine.SessionHandle, username, pubkeyPath, privkeyPath, passphrase, hostname, localUsername string) int {
	// Host-based authentication is not available in the transport library.
	return e.sessions[h].fail(engine.CodeMethodNotSupported, "method not supported")
}

func (e *Engine) UserauthList(h engine.SessionHandle, username string) (string, int) {
	s := e.sessions[h]
	if s.transport == nil {
		return "", s.fail(engine.CodeBadSocket, "bad socket")
	}
	// Probing with the "none" method is destructive on a shared transport,
	// so advertise the methods this backend can attempt.
	return "password,keyboard-interactive,publickey", 0
}

func (e *Engine) UserauthAuthenticated(h engine.SessionHandle) bool {
	return e.sessions[h].client != nil
}

func fmtAddr(host string, port int) string {
	return net.JoinHostPort(host, fmt.Sprintf("%d", port))
}

var _ engine.Engine = (*Engine)(nil)
