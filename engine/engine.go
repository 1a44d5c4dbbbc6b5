// Package engine defines the contract between the sshwrap wrapper layer and
// the native SSH engine it drives. The engine owns the transport state
// machine, key exchange, channel windowing and the SFTP packet protocol; it
// exposes a flat, handle-based API with integer status codes in the style of
// a C library.
//
// Engines are stateful and NOT goroutine-safe. The wrapper layer serializes
// every call to an engine through a single per-session mutex; implementations
// may assume that no two calls touching the same session (or any handle
// derived from it) run concurrently.
package engine

import "net"

// Handle types are opaque identifiers minted by an engine. The zero value is
// the null handle and is the failure sentinel for every "open" style call.
type (
	SessionHandle    uintptr
	ChannelHandle    uintptr
	SftpHandle       uintptr
	FileHandle       uintptr
	AgentHandle      uintptr
	ListenerHandle   uintptr
	KnownHostsHandle uintptr

	// IdentityCursor and HostCursor are opaque positions in the agent
	// identity list and the known-hosts collection. Zero means "start from
	// the beginning".
	IdentityCursor uintptr
	HostCursor     uintptr
)

// Prompt is a single challenge issued during keyboard-interactive
// authentication.
type Prompt struct {
	// Text is the label to show when prompting the user.
	Text string
	// Echo reports whether the typed response should be displayed. When
	// false, treat the prompt as a password entry.
	Echo bool
}

// KeyboardInteractivePrompt responds to keyboard-interactive challenges. The
// returned slice should hold one response per prompt.
type KeyboardInteractivePrompt interface {
	Prompt(username, instructions string, prompts []Prompt) []string
}

// ScpStat describes a remote file as reported by the engine when an SCP
// receive channel is opened.
type ScpStat struct {
	Size  int64
	Mode  int
	Mtime int64
	Atime int64
}

// SessionAPI is the session lifecycle and configuration surface.
type SessionAPI interface {
	// Init performs process-wide engine initialization. It must be
	// idempotent; the wrapper calls it before every session allocation.
	Init() int
	// Exit releases process-wide engine state. Idempotent.
	Exit()

	// SessionInit allocates a new engine session. Returns the null handle
	// on allocation failure.
	SessionInit() SessionHandle
	// SessionFree releases a session and everything still attached to it.
	SessionFree(s SessionHandle) int

	// SessionLastError reports the code and message of the most recent
	// failure recorded on the session. The message is only valid until the
	// next engine call on the session; callers must copy it immediately.
	// A zero code means no error is recorded.
	SessionLastError(s SessionHandle) (code int, msg string)

	// SessionHandshake performs protocol negotiation over the supplied
	// transport. The engine borrows the transport for the life of the
	// session.
	SessionHandshake(s SessionHandle, transport net.Conn) int
	SessionDisconnect(s SessionHandle, reason int, description, lang string) int

	SessionSetBlocking(s SessionHandle, blocking bool)
	SessionGetBlocking(s SessionHandle) bool
	SessionSetTimeout(s SessionHandle, timeoutMs int64)
	SessionGetTimeout(s SessionHandle) int64
	SessionSetFlag(s SessionHandle, flag int, value bool) int

	SessionBannerSet(s SessionHandle, banner string) int
	SessionBannerGet(s SessionHandle) (string, bool)

	// SessionHostKey returns the remote host key raw bytes and type once
	// the handshake has completed.
	SessionHostKey(s SessionHandle) (key []byte, typ HostKeyType, ok bool)
	SessionHostKeyHash(s SessionHandle, hash HashType) ([]byte, bool)

	SessionMethodPref(s SessionHandle, method MethodType, prefs string) int
	SessionMethods(s SessionHandle, method MethodType) (string, bool)
	SessionSupportedAlgs(s SessionHandle, method MethodType) ([]string, int)

	// SessionBlockDirections reports the transport directions a would-block
	// failure is waiting on, as a bitmask of BlockInbound and BlockOutbound.
	SessionBlockDirections(s SessionHandle) int

	KeepaliveConfig(s SessionHandle, wantReply bool, intervalSec uint)
	// KeepaliveSend sends a keepalive if one is due and reports how many
	// seconds may pass before the next call is needed.
	KeepaliveSend(s SessionHandle) (secondsToNext uint, rc int)
}

// AuthAPI is the user authentication surface.
type AuthAPI interface {
	UserauthPassword(s SessionHandle, username, password string) int
	UserauthKeyboardInteractive(s SessionHandle, username string, prompter KeyboardInteractivePrompt) int
	// UserauthPublickeyFile authenticates with a private key stored on
	// disk. pubkeyPath may be empty, in which case the public key is
	// derived from the private key.
	UserauthPublickeyFile(s SessionHandle, username, pubkeyPath, privkeyPath, passphrase string) int
	UserauthPublickeyMemory(s SessionHandle, username, pubkeyData, privkeyData, passphrase string) int
	UserauthHostbasedFile(s SessionHandle, username, pubkeyPath, privkeyPath, passphrase, hostname, localUsername string) int
	// UserauthList returns the comma-separated authentication schemes the
	// server advertises for the user.
	UserauthList(s SessionHandle, username string) (string, int)
	UserauthAuthenticated(s SessionHandle) bool
}

// ChannelAPI covers general-purpose channels, SCP channels and port
// forwarding.
type ChannelAPI interface {
	// ChannelOpen opens a channel of the named type. Returns the null
	// handle on failure; the cause is retrievable via SessionLastError.
	ChannelOpen(s SessionHandle, channelType string, windowSize, packetSize uint32, message string) ChannelHandle
	ChannelDirectTCPIP(s SessionHandle, host string, port int, srcHost string, srcPort int) ChannelHandle
	ChannelForwardListen(s SessionHandle, host string, port, queueMaxSize int) (ListenerHandle, int)
	ChannelForwardAccept(l ListenerHandle) ChannelHandle
	ChannelForwardCancel(l ListenerHandle) int

	ChannelSetenv(c ChannelHandle, name, value string) int
	ChannelRequestPty(c ChannelHandle, term string, modes []byte, width, height, widthPx, heightPx int) int
	ChannelRequestPtySize(c ChannelHandle, width, height, widthPx, heightPx int) int
	ChannelRequestAuthAgent(c ChannelHandle) int
	// ChannelProcessStartup issues a process service request: "exec",
	// "shell" or "subsystem".
	ChannelProcessStartup(c ChannelHandle, request, message string) int
	ChannelHandleExtendedData(c ChannelHandle, mode int) int

	// ChannelRead reads from the stream with the given id (0 for stdout,
	// ExtendedDataStderr for stderr). Returns the byte count read, 0 at end
	// of stream, or a negative status code.
	ChannelRead(c ChannelHandle, streamID int, buf []byte) int
	ChannelWrite(c ChannelHandle, streamID int, data []byte) int
	ChannelFlush(c ChannelHandle, streamID int) int

	ChannelEOF(c ChannelHandle) bool
	ChannelSendEOF(c ChannelHandle) int
	ChannelWaitEOF(c ChannelHandle) int
	ChannelClose(c ChannelHandle) int
	ChannelWaitClosed(c ChannelHandle) int
	// ChannelFree releases the channel handle. Called exactly once per
	// successfully opened channel.
	ChannelFree(c ChannelHandle) int

	ChannelExitStatus(c ChannelHandle) int
	ChannelExitSignal(c ChannelHandle) (signal, errMsg, langTag string, rc int)
	ChannelReadWindow(c ChannelHandle) (remaining, available, initial uint32)
	ChannelWriteWindow(c ChannelHandle) (remaining, initial uint32)
	ChannelReceiveWindowAdjust(c ChannelHandle, adjustment uint64, force bool) (uint64, int)

	// ScpRecv opens a channel delivering the named remote file and reports
	// its stat information. Returns the null handle on failure.
	ScpRecv(s SessionHandle, path string) (ChannelHandle, ScpStat)
	ScpSend(s SessionHandle, path string, mode int, size int64, mtime, atime int64) ChannelHandle
}

// SftpAPI is the SFTP subsystem surface. Failures during SFTP calls record
// the generic CodeSftpProtocol on the session; the precise cause is then
// available from SftpLastError in the Fx code namespace.
type SftpAPI interface {
	SftpInit(s SessionHandle) SftpHandle
	SftpShutdown(h SftpHandle) int
	// SftpLastError reports the subsystem status code of the most recent
	// SFTP failure on this handle.
	SftpLastError(h SftpHandle) uint32

	// SftpOpen opens a file or directory. filename has already been
	// marshalled by the wrapper (separator-normalized, NUL-checked).
	SftpOpen(h SftpHandle, filename string, flags uint32, mode int64, openType int) FileHandle
	SftpCloseHandle(f FileHandle) int

	SftpRead(f FileHandle, buf []byte) int
	SftpWrite(f FileHandle, data []byte) int
	SftpSeek(f FileHandle, offset uint64)
	SftpTell(f FileHandle) uint64
	// SftpFstat retrieves (set=false) or applies (set=true) attributes on
	// an open handle.
	SftpFstat(f FileHandle, set bool, attrs *FileAttributes) int
	SftpFsync(f FileHandle) int
	// SftpReaddir copies the next directory entry name into buf and fills
	// attrs. Returns the name length, 0 when no entries remain, or
	// CodeBufferTooSmall when buf cannot hold the name.
	SftpReaddir(f FileHandle, buf []byte, attrs *FileAttributes) int

	// SftpStat performs StatOpStat, StatOpLstat or StatOpSetstat on a path.
	SftpStat(h SftpHandle, path string, op int, attrs *FileAttributes) int
	SftpMkdir(h SftpHandle, path string, mode int64) int
	SftpRmdir(h SftpHandle, path string) int
	SftpUnlink(h SftpHandle, path string) int
	SftpRename(h SftpHandle, src, dst string, flags int64) int
	SftpSymlink(h SftpHandle, path, target string) int
	// SftpReadlink resolves a link (LinkOpReadlink) or canonicalizes a path
	// (LinkOpRealpath) into buf. Returns the byte count or a status code;
	// CodeBufferTooSmall when buf is insufficient.
	SftpReadlink(h SftpHandle, path string, buf []byte, op int) int
}

// AgentAPI is the ssh-agent surface.
type AgentAPI interface {
	AgentInit(s SessionHandle) AgentHandle
	AgentFree(a AgentHandle)
	AgentConnect(a AgentHandle) int
	AgentDisconnect(a AgentHandle) int
	// AgentListIdentities fetches the agent's identities into the handle's
	// internal collection, to be walked with AgentGetIdentity.
	AgentListIdentities(a AgentHandle) int
	// AgentGetIdentity advances the identity walk. rc is 0 when an entry
	// was produced, 1 when no entries remain, negative on error.
	AgentGetIdentity(a AgentHandle, prev IdentityCursor) (next IdentityCursor, rc int)
	AgentIdentity(a AgentHandle, cur IdentityCursor) (blob []byte, comment string)
	// AgentUserauth attempts public key authentication with the identity
	// whose key blob matches.
	AgentUserauth(a AgentHandle, username string, blob []byte) int
}

// KnownHostsAPI is the known-hosts collection surface.
type KnownHostsAPI interface {
	KnownHostInit(s SessionHandle) KnownHostsHandle
	KnownHostFree(k KnownHostsHandle)
	// KnownHostReadFile parses a known-hosts file into the collection and
	// returns the number of entries added, or a negative status code.
	KnownHostReadFile(k KnownHostsHandle, filename string, kind int) int
	KnownHostReadLine(k KnownHostsHandle, line string, kind int) int
	KnownHostWriteFile(k KnownHostsHandle, filename string, kind int) int
	// KnownHostWriteLine serializes one entry into buf. When buf is too
	// small it returns the needed size together with CodeBufferTooSmall.
	KnownHostWriteLine(k KnownHostsHandle, cur HostCursor, buf []byte, kind int) (n, rc int)
	// KnownHostGet advances the host walk; same rc convention as
	// AgentGetIdentity.
	KnownHostGet(k KnownHostsHandle, prev HostCursor) (next HostCursor, rc int)
	KnownHostEntry(k KnownHostsHandle, cur HostCursor) (name, key string)
	KnownHostDel(k KnownHostsHandle, cur HostCursor) int
	// KnownHostCheck checks a host/key pair against the collection and
	// returns a CheckResult value.
	KnownHostCheck(k KnownHostsHandle, host string, port int, key []byte) int
	KnownHostAdd(k KnownHostsHandle, host string, key []byte, comment string, keyFormat int) int
}

// Engine is the full native-engine contract.
type Engine interface {
	SessionAPI
	AuthAPI
	ChannelAPI
	SftpAPI
	AgentAPI
	KnownHostsAPI
}
