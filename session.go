package sshwrap

import (
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/bacalhau-project/sshwrap/engine"
	"github.com/bacalhau-project/sshwrap/logger"
)

const (
	defaultWindowSize uint32 = 2 * 1024 * 1024
	defaultPacketSize uint32 = 32768
)

// sessionInner is the shared cell behind a Session and every handle derived
// from it. All engine calls on the session or its dependents run under mu,
// which is what makes the wrapper goroutine-safe over a single-threaded
// engine. refs counts the owners of the engine session: the Session itself
// plus one per live dependent handle. The engine session is freed exactly
// when refs reaches zero.
type sessionInner struct {
	eng       engine.Engine
	h         engine.SessionHandle
	mu        sync.Mutex
	transport net.Conn
	refs      int
	log       *logger.Logger
}

// retainLocked adds an owner. Caller holds mu.
func (in *sessionInner) retainLocked() { in.refs++ }

// releaseLocked drops an owner and frees the engine session when the last
// one goes away. Caller holds mu.
func (in *sessionInner) releaseLocked() *Error {
	in.refs--
	if in.refs > 0 {
		return nil
	}
	if rc := in.eng.SessionFree(in.h); rc < 0 {
		return errFromCode(rc)
	}
	return nil
}

// result translates an engine return code into an error, snapshotting the
// engine's message while mu is still held.
func (in *sessionInner) result(rc int) error {
	if rc >= 0 {
		return nil
	}
	return newSessionError(in.eng, in.h, rc)
}

// forceBlockingLocked runs fn with the session forced into blocking mode and
// restores the previous mode afterwards. Cleanup paths use this so that a
// handle being torn down cannot leak because the session happened to be
// non-blocking at the time. Caller holds mu.
func (in *sessionInner) forceBlockingLocked(fn func()) {
	was := in.eng.SessionGetBlocking(in.h)
	if !was {
		in.eng.SessionSetBlocking(in.h, true)
	}
	fn()
	if !was {
		in.eng.SessionSetBlocking(in.h, false)
	}
}

// Session is a handle to an engine SSH session. A Session and all handles
// derived from it may be shared across goroutines; every operation is
// serialized on one internal mutex.
type Session struct {
	inner  *sessionInner
	closed bool
}

// NewSession initializes the engine and allocates a fresh session. The
// session starts in blocking mode with no transport attached; call
// SetTransport followed by Handshake to bring it up.
func NewSession(eng engine.Engine) (*Session, error) {
	if rc := eng.Init(); rc < 0 {
		return nil, errFromCode(rc)
	}
	h := eng.SessionInit()
	if h == 0 {
		return nil, errUnknown()
	}
	s := &Session{inner: &sessionInner{
		eng:  eng,
		h:    h,
		refs: 1,
		log:  logger.Get().Named("sshwrap"),
	}}
	runtime.SetFinalizer(s, func(s *Session) { s.closeInternal(true) })
	return s, nil
}

// lock acquires the session mutex and rejects use of a closed Session.
// Callers must unlock in.mu when done.
func (s *Session) lock() (*sessionInner, *Error) {
	in := s.inner
	in.mu.Lock()
	if s.closed {
		in.mu.Unlock()
		return nil, errBadUse()
	}
	return in, nil
}

// SetTransport attaches the network connection the handshake will run over.
// A session takes exactly one transport; attaching a second fails with the
// bad-use error. The engine borrows the connection for the rest of the
// session's life; closing it remains the caller's responsibility.
func (s *Session) SetTransport(conn net.Conn) error {
	in, lerr := s.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	if in.transport != nil {
		return newError(engine.CodeBadUse, "transport already attached")
	}
	in.transport = conn
	return nil
}

// Transport returns the attached connection, or nil when none is set.
func (s *Session) Transport() net.Conn {
	in := s.inner
	in.mu.Lock()
	defer in.mu.Unlock()
	if s.closed {
		return nil
	}
	return in.transport
}

// Handshake negotiates the protocol over the attached transport. Calling it
// without a transport fails with the bad-socket code rather than reaching
// the engine.
func (s *Session) Handshake() error {
	in, lerr := s.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	if in.transport == nil {
		return newError(engine.CodeBadSocket, "failed to get raw transport")
	}
	return in.result(in.eng.SessionHandshake(in.h, in.transport))
}

// Disconnect sends a disconnect message with the given reason code from the
// Disconnect* constants.
func (s *Session) Disconnect(reason int, description, lang string) error {
	if err := checkString(description); err != nil {
		return err
	}
	if err := checkString(lang); err != nil {
		return err
	}
	in, lerr := s.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.SessionDisconnect(in.h, reason, description, lang))
}

// SetBanner configures the client banner sent during the handshake.
func (s *Session) SetBanner(banner string) error {
	if err := checkString(banner); err != nil {
		return err
	}
	in, lerr := s.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.SessionBannerSet(in.h, banner))
}

// Banner returns the remote banner received during the handshake.
func (s *Session) Banner() (string, bool) {
	in := s.inner
	in.mu.Lock()
	defer in.mu.Unlock()
	if s.closed {
		return "", false
	}
	return in.eng.SessionBannerGet(in.h)
}

// SetBlocking switches the session between blocking and non-blocking mode.
// In non-blocking mode operations that cannot progress fail with an error
// whose WouldBlock method reports true.
func (s *Session) SetBlocking(blocking bool) {
	in := s.inner
	in.mu.Lock()
	defer in.mu.Unlock()
	if s.closed {
		return
	}
	in.eng.SessionSetBlocking(in.h, blocking)
}

// IsBlocking reports whether the session is in blocking mode.
func (s *Session) IsBlocking() bool {
	in := s.inner
	in.mu.Lock()
	defer in.mu.Unlock()
	if s.closed {
		return false
	}
	return in.eng.SessionGetBlocking(in.h)
}

// SetTimeout bounds how long a blocking call may wait. Zero means no
// timeout.
func (s *Session) SetTimeout(d time.Duration) {
	in := s.inner
	in.mu.Lock()
	defer in.mu.Unlock()
	if s.closed {
		return
	}
	in.eng.SessionSetTimeout(in.h, d.Milliseconds())
}

// Timeout returns the blocking call timeout.
func (s *Session) Timeout() time.Duration {
	in := s.inner
	in.mu.Lock()
	defer in.mu.Unlock()
	if s.closed {
		return 0
	}
	return time.Duration(in.eng.SessionGetTimeout(in.h)) * time.Millisecond
}

// SetCompress requests transport compression. Takes effect on the next
// handshake.
func (s *Session) SetCompress(compress bool) error {
	in, lerr := s.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.SessionSetFlag(in.h, engine.FlagCompress, compress))
}

// SetAllowSigpipe controls whether the engine may let SIGPIPE propagate on
// transport writes.
func (s *Session) SetAllowSigpipe(allow bool) error {
	in, lerr := s.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.SessionSetFlag(in.h, engine.FlagSigpipe, allow))
}

// SetKeepalive configures keepalive messages. interval is in seconds; an
// interval of one is rounded up to two by engines that follow the reference
// behavior.
func (s *Session) SetKeepalive(wantReply bool, interval uint) {
	in := s.inner
	in.mu.Lock()
	defer in.mu.Unlock()
	if s.closed {
		return
	}
	in.eng.KeepaliveConfig(in.h, wantReply, interval)
}

// KeepaliveSend sends a keepalive if one is due and returns the number of
// seconds until the next call is needed.
func (s *Session) KeepaliveSend() (uint, error) {
	in, lerr := s.lock()
	if lerr != nil {
		return 0, lerr
	}
	defer in.mu.Unlock()
	next, rc := in.eng.KeepaliveSend(in.h)
	if rc < 0 {
		return 0, in.result(rc)
	}
	return next, nil
}

// MethodPref sets the preference list for a negotiable transport parameter.
func (s *Session) MethodPref(method engine.MethodType, prefs string) error {
	if err := checkString(prefs); err != nil {
		return err
	}
	in, lerr := s.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.SessionMethodPref(in.h, method, prefs))
}

// Methods returns the algorithm negotiated for a transport parameter.
func (s *Session) Methods(method engine.MethodType) (string, bool) {
	in := s.inner
	in.mu.Lock()
	defer in.mu.Unlock()
	if s.closed {
		return "", false
	}
	return in.eng.SessionMethods(in.h, method)
}

// SupportedAlgs lists the algorithms the engine supports for a transport
// parameter.
func (s *Session) SupportedAlgs(method engine.MethodType) ([]string, error) {
	in, lerr := s.lock()
	if lerr != nil {
		return nil, lerr
	}
	defer in.mu.Unlock()
	algs, rc := in.eng.SessionSupportedAlgs(in.h, method)
	if rc < 0 {
		return nil, in.result(rc)
	}
	return algs, nil
}

// BlockDirections reports which transport directions a would-block failure
// is waiting on, as a mask of engine.BlockInbound and engine.BlockOutbound.
func (s *Session) BlockDirections() int {
	in := s.inner
	in.mu.Lock()
	defer in.mu.Unlock()
	if s.closed {
		return 0
	}
	return in.eng.SessionBlockDirections(in.h)
}

// HostKey returns the remote host key once the handshake has completed.
func (s *Session) HostKey() ([]byte, engine.HostKeyType, bool) {
	in := s.inner
	in.mu.Lock()
	defer in.mu.Unlock()
	if s.closed {
		return nil, engine.HostKeyTypeUnknown, false
	}
	return in.eng.SessionHostKey(in.h)
}

// HostKeyHash returns a digest of the remote host key, or false when the
// hash type is unavailable.
func (s *Session) HostKeyHash(hash engine.HashType) ([]byte, bool) {
	in := s.inner
	in.mu.Lock()
	defer in.mu.Unlock()
	if s.closed {
		return nil, false
	}
	return in.eng.SessionHostKeyHash(in.h, hash)
}

// UserauthPassword authenticates with a username and password.
func (s *Session) UserauthPassword(username, password string) error {
	if err := checkString(username); err != nil {
		return err
	}
	if err := checkString(password); err != nil {
		return err
	}
	in, lerr := s.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.UserauthPassword(in.h, username, password))
}

// UserauthKeyboardInteractive authenticates with the keyboard-interactive
// scheme, delegating challenges to the prompter.
func (s *Session) UserauthKeyboardInteractive(username string, prompter engine.KeyboardInteractivePrompt) error {
	if err := checkString(username); err != nil {
		return err
	}
	in, lerr := s.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.UserauthKeyboardInteractive(in.h, username, prompter))
}

// UserauthAgent authenticates with the first identity held by the local
// ssh-agent.
func (s *Session) UserauthAgent(username string) error {
	agent, err := s.Agent()
	if err != nil {
		return err
	}
	defer agent.Close()
	if err := agent.Connect(); err != nil {
		return err
	}
	if err := agent.ListIdentities(); err != nil {
		return err
	}
	identities, err := agent.Identities()
	if err != nil {
		return err
	}
	if len(identities) == 0 {
		return newError(engine.CodeAgentProtocol, "no identities found in the ssh agent")
	}
	return agent.Userauth(username, &identities[0])
}

// UserauthPubkeyFile authenticates with a private key on disk. pubkeyPath
// may be empty, in which case the engine derives the public key from the
// private one.
func (s *Session) UserauthPubkeyFile(username, pubkeyPath, privkeyPath, passphrase string) error {
	if err := checkString(username); err != nil {
		return err
	}
	if err := checkString(passphrase); err != nil {
		return err
	}
	pub := ""
	if pubkeyPath != "" {
		var merr *Error
		pub, merr = marshalPath(pubkeyPath)
		if merr != nil {
			return merr
		}
	}
	priv, merr := marshalPath(privkeyPath)
	if merr != nil {
		return merr
	}
	in, lerr := s.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.UserauthPublickeyFile(in.h, username, pub, priv, passphrase))
}

// UserauthPubkeyMemory authenticates with key material held in memory.
func (s *Session) UserauthPubkeyMemory(username, pubkeyData, privkeyData, passphrase string) error {
	for _, str := range []string{username, pubkeyData, privkeyData, passphrase} {
		if err := checkString(str); err != nil {
			return err
		}
	}
	in, lerr := s.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.UserauthPublickeyMemory(in.h, username, pubkeyData, privkeyData, passphrase))
}

// UserauthHostbasedFile authenticates with the host-based scheme.
func (s *Session) UserauthHostbasedFile(username, pubkeyPath, privkeyPath, passphrase, hostname, localUsername string) error {
	for _, str := range []string{username, passphrase, hostname, localUsername} {
		if err := checkString(str); err != nil {
			return err
		}
	}
	pub, merr := marshalPath(pubkeyPath)
	if merr != nil {
		return merr
	}
	priv, merr := marshalPath(privkeyPath)
	if merr != nil {
		return merr
	}
	if localUsername == "" {
		localUsername = username
	}
	in, lerr := s.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.UserauthHostbasedFile(in.h, username, pub, priv, passphrase, hostname, localUsername))
}

// AuthMethods returns the comma-separated authentication schemes the server
// advertises for the user.
func (s *Session) AuthMethods(username string) (string, error) {
	if err := checkString(username); err != nil {
		return "", err
	}
	in, lerr := s.lock()
	if lerr != nil {
		return "", lerr
	}
	defer in.mu.Unlock()
	methods, rc := in.eng.UserauthList(in.h, username)
	if rc < 0 {
		return "", in.result(rc)
	}
	return methods, nil
}

// Authenticated reports whether authentication has succeeded.
func (s *Session) Authenticated() bool {
	in := s.inner
	in.mu.Lock()
	defer in.mu.Unlock()
	if s.closed {
		return false
	}
	return in.eng.UserauthAuthenticated(in.h)
}

// ChannelSession opens a channel of type "session" with default window and
// packet sizes.
func (s *Session) ChannelSession() (*Channel, error) {
	return s.ChannelOpen("session", defaultWindowSize, defaultPacketSize, "")
}

// ChannelOpen opens a channel of the named type.
func (s *Session) ChannelOpen(channelType string, windowSize, packetSize uint32, message string) (*Channel, error) {
	if err := checkString(channelType); err != nil {
		return nil, err
	}
	if err := checkString(message); err != nil {
		return nil, err
	}
	in, lerr := s.lock()
	if lerr != nil {
		return nil, lerr
	}
	defer in.mu.Unlock()
	h := in.eng.ChannelOpen(in.h, channelType, windowSize, packetSize, message)
	return newChannelLocked(in, h, false, 0)
}

// ChannelDirectTCPIP opens a direct-tcpip channel asking the server to
// connect to host:port. srcHost and srcPort describe the originator and may
// be left zero.
func (s *Session) ChannelDirectTCPIP(host string, port int, srcHost string, srcPort int) (*Channel, error) {
	if err := checkString(host); err != nil {
		return nil, err
	}
	if err := checkString(srcHost); err != nil {
		return nil, err
	}
	if srcHost == "" {
		srcHost = "127.0.0.1"
	}
	in, lerr := s.lock()
	if lerr != nil {
		return nil, lerr
	}
	defer in.mu.Unlock()
	h := in.eng.ChannelDirectTCPIP(in.h, host, port, srcHost, srcPort)
	return newChannelLocked(in, h, false, 0)
}

// ChannelForwardListen asks the server to listen on host:port and returns a
// Listener accepting the forwarded connections together with the port the
// server actually bound.
func (s *Session) ChannelForwardListen(port int, host string, queueMaxSize int) (*Listener, int, error) {
	if err := checkString(host); err != nil {
		return nil, 0, err
	}
	in, lerr := s.lock()
	if lerr != nil {
		return nil, 0, lerr
	}
	defer in.mu.Unlock()
	h, boundPort := in.eng.ChannelForwardListen(in.h, host, port, queueMaxSize)
	if h == 0 {
		if err := lastSessionError(in.eng, in.h); err != nil {
			return nil, 0, err
		}
		return nil, 0, errUnknown()
	}
	in.retainLocked()
	l := &Listener{inner: in, h: h}
	runtime.SetFinalizer(l, func(l *Listener) { l.closeInternal(true) })
	return l, boundPort, nil
}

// ScpFileStat describes the remote file behind an SCP receive channel.
type ScpFileStat struct {
	Size  int64
	Mode  int
	Mtime int64
	Atime int64
}

// ScpRecv opens a channel delivering the contents of a remote file. The
// returned channel is capped at the file's declared size; reads past it
// report EOF even though the wire may carry a trailing byte.
func (s *Session) ScpRecv(path string) (*Channel, ScpFileStat, error) {
	p, merr := marshalPath(path)
	if merr != nil {
		return nil, ScpFileStat{}, merr
	}
	in, lerr := s.lock()
	if lerr != nil {
		return nil, ScpFileStat{}, lerr
	}
	defer in.mu.Unlock()
	h, stat := in.eng.ScpRecv(in.h, p)
	ch, err := newChannelLocked(in, h, true, stat.Size)
	if err != nil {
		return nil, ScpFileStat{}, err
	}
	return ch, ScpFileStat{Size: stat.Size, Mode: stat.Mode, Mtime: stat.Mtime, Atime: stat.Atime}, nil
}

// ScpSend opens a channel for uploading size bytes to a remote file created
// with the given permission bits. mtime and atime may be zero to leave the
// remote timestamps alone.
func (s *Session) ScpSend(path string, mode int, size int64, mtime, atime int64) (*Channel, error) {
	p, merr := marshalPath(path)
	if merr != nil {
		return nil, merr
	}
	in, lerr := s.lock()
	if lerr != nil {
		return nil, lerr
	}
	defer in.mu.Unlock()
	h := in.eng.ScpSend(in.h, p, mode, size, mtime, atime)
	return newChannelLocked(in, h, false, 0)
}

// Sftp opens the SFTP subsystem.
func (s *Session) Sftp() (*Sftp, error) {
	in, lerr := s.lock()
	if lerr != nil {
		return nil, lerr
	}
	defer in.mu.Unlock()
	h := in.eng.SftpInit(in.h)
	if h == 0 {
		if err := lastSessionError(in.eng, in.h); err != nil {
			return nil, err
		}
		return nil, errUnknown()
	}
	in.retainLocked()
	sf := &Sftp{inner: &sftpInner{session: in, h: h, refs: 1}}
	runtime.SetFinalizer(sf, func(sf *Sftp) { sf.closeInternal(true) })
	return sf, nil
}

// Agent allocates a handle to the local ssh-agent. Call Connect on it before
// listing identities.
func (s *Session) Agent() (*Agent, error) {
	in, lerr := s.lock()
	if lerr != nil {
		return nil, lerr
	}
	defer in.mu.Unlock()
	h := in.eng.AgentInit(in.h)
	if h == 0 {
		if err := lastSessionError(in.eng, in.h); err != nil {
			return nil, err
		}
		return nil, errUnknown()
	}
	in.retainLocked()
	a := &Agent{inner: in, h: h}
	runtime.SetFinalizer(a, func(a *Agent) { a.closeInternal(true) })
	return a, nil
}

// KnownHosts allocates an empty known-hosts collection.
func (s *Session) KnownHosts() (*KnownHosts, error) {
	in, lerr := s.lock()
	if lerr != nil {
		return nil, lerr
	}
	defer in.mu.Unlock()
	h := in.eng.KnownHostInit(in.h)
	if h == 0 {
		if err := lastSessionError(in.eng, in.h); err != nil {
			return nil, err
		}
		return nil, errUnknown()
	}
	in.retainLocked()
	k := &KnownHosts{inner: in, h: h}
	runtime.SetFinalizer(k, func(k *KnownHosts) { k.closeInternal(true) })
	return k, nil
}

// Close releases the Session's reference to the engine session. Dependent
// handles stay usable until they are closed themselves; the engine session
// is freed when the last reference goes away. Close is idempotent.
func (s *Session) Close() error {
	return s.closeInternal(false)
}

func (s *Session) closeInternal(implicit bool) error {
	in := s.inner
	in.mu.Lock()
	defer in.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	runtime.SetFinalizer(s, nil)
	err := in.releaseLocked()
	if err != nil {
		if implicit {
			in.log.Warn("session cleanup failed", logger.Error(err))
			return nil
		}
		return err
	}
	return nil
}
