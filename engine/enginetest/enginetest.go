// Package enginetest provides an in-memory, scriptable implementation of
// engine.Engine for tests. Behavior is canned: stage remote files, agent
// identities and channel output on the Engine, queue failures per operation,
// and inspect the call log afterwards.
//
// Like any engine it is not goroutine-safe; the wrapper under test provides
// the serialization.
package enginetest

import (
	"bytes"
	"encoding/base64"
	"net"
	"os"
	"path"
	"strings"

	"github.com/bacalhau-project/sshwrap/engine"
)

type scriptedError struct {
	rc  int
	msg string
}

type sessionState struct {
	freed         bool
	blocking      bool
	timeoutMs     int64
	banner        string
	handshaken    bool
	transport     net.Conn
	authenticated bool
	lastCode      int
	lastMsg       string
	// blockingLog records every SetBlocking call, in order. Tests use it to
	// verify that cleanup paths force blocking mode and restore it after.
	blockingLog []bool
	flags       map[int]bool
	keepalive   uint
}

type channelState struct {
	freed      bool
	session    engine.SessionHandle
	streams    map[int]*bytes.Buffer
	written    map[int]*bytes.Buffer
	remoteEOF  bool
	eofSent    bool
	closeSent  bool
	exitStatus int
	exitSignal [3]string
	env        map[string]string
	request    string
	message    string
}

type sftpState struct {
	freed   bool
	session engine.SessionHandle
	lastFx  uint32
}

type fileState struct {
	freed   bool
	sftp    engine.SftpHandle
	path    string
	isDir   bool
	offset  uint64
	entries []string
	pos     int
}

type agentState struct {
	freed     bool
	session   engine.SessionHandle
	connected bool
	listed    bool
}

type khEntry struct {
	name string
	key  string
}

type khState struct {
	freed   bool
	session engine.SessionHandle
	entries []khEntry
}

type listenerState struct {
	freed   bool
	session engine.SessionHandle
	port    int
}

// FSNode is one entry of the canned remote filesystem.
type FSNode struct {
	Data  []byte
	Attrs engine.FileAttributes
	IsDir bool
	Link  string
}

// ScpFile is a canned remote file served over SCP. Size is the size the
// engine declares when the file is requested, including a declared size of
// zero. Data longer than Size models the trailing byte the wire protocol
// appends.
type ScpFile struct {
	Data  []byte
	Size  int64
	Mode  int
	Mtime int64
	Atime int64
}

// Identity is a canned agent identity.
type Identity struct {
	Blob    []byte
	Comment string
}

// Engine is the scriptable test double.
type Engine struct {
	// InitRC is returned by Init.
	InitRC int
	// RejectAuth makes every authentication attempt fail.
	RejectAuth bool
	// RemoteBanner is returned by SessionBannerGet after a handshake.
	RemoteBanner string
	// HostKey and HostKeyType are reported after a handshake.
	HostKey     []byte
	HostKeyType engine.HostKeyType
	// ChannelReadData seeds the per-stream read buffers of every newly
	// opened channel.
	ChannelReadData map[int][]byte
	// ExitStatus is reported for every channel.
	ExitStatus int
	// ScpFiles is the canned SCP filesystem, keyed by path.
	ScpFiles map[string]ScpFile
	// FS is the canned SFTP filesystem, keyed by slash-separated path.
	FS map[string]*FSNode
	// AgentIdentities are returned by the identity walk after
	// AgentListIdentities.
	AgentIdentities []Identity

	initCalls int
	exitCalls int

	next      uintptr
	sessions  map[engine.SessionHandle]*sessionState
	channels  map[engine.ChannelHandle]*channelState
	sftps     map[engine.SftpHandle]*sftpState
	files     map[engine.FileHandle]*fileState
	agents    map[engine.AgentHandle]*agentState
	khs       map[engine.KnownHostsHandle]*khState
	listeners map[engine.ListenerHandle]*listenerState

	errQueues map[string][]scriptedError
	calls     []string
}

// New returns an Engine with an empty filesystem and no scripted failures.
func New() *Engine {
	return &Engine{
		sessions:  make(map[engine.SessionHandle]*sessionState),
		channels:  make(map[engine.ChannelHandle]*channelState),
		sftps:     make(map[engine.SftpHandle]*sftpState),
		files:     make(map[engine.FileHandle]*fileState),
		agents:    make(map[engine.AgentHandle]*agentState),
		khs:       make(map[engine.KnownHostsHandle]*khState),
		listeners: make(map[engine.ListenerHandle]*listenerState),
		errQueues: make(map[string][]scriptedError),
		FS:        make(map[string]*FSNode),
	}
}

// QueueError scripts the next call of the named operation to fail with rc,
// recording msg as the session's last error. Repeated calls queue up.
func (e *Engine) QueueError(op string, rc int, msg string) {
	e.errQueues[op] = append(e.errQueues[op], scriptedError{rc: rc, msg: msg})
}

// Calls returns the operation log.
func (e *Engine) Calls() []string { return e.calls }

// CallCount reports how many times the named operation ran.
func (e *Engine) CallCount(op string) int {
	n := 0
	for _, c := range e.calls {
		if c == op {
			n++
		}
	}
	return n
}

// BlockingLog returns every blocking-mode value set on the session, in
// order.
func (e *Engine) BlockingLog(s engine.SessionHandle) []bool {
	return e.sessions[s].blockingLog
}

// SessionFreed reports whether the session has been freed.
func (e *Engine) SessionFreed(s engine.SessionHandle) bool {
	return e.sessions[s].freed
}

// ChannelFreed reports whether the channel has been freed.
func (e *Engine) ChannelFreed(c engine.ChannelHandle) bool {
	return e.channels[c].freed
}

// SftpFreed reports whether the SFTP handle has been shut down.
func (e *Engine) SftpFreed(h engine.SftpHandle) bool {
	return e.sftps[h].freed
}

// ChannelWritten returns the bytes written to a channel stream.
func (e *Engine) ChannelWritten(c engine.ChannelHandle, streamID int) []byte {
	st := e.channels[c]
	if st.written[streamID] == nil {
		return nil
	}
	return st.written[streamID].Bytes()
}

// SetLastError plants an error record on the session without failing a call.
func (e *Engine) SetLastError(s engine.SessionHandle, code int, msg string) {
	st := e.sessions[s]
	st.lastCode = code
	st.lastMsg = msg
}

// AddDir stages a directory node.
func (e *Engine) AddDir(p string) {
	e.FS[path.Clean(p)] = &FSNode{
		IsDir: true,
		Attrs: engine.FileAttributes{
			Flags:       engine.AttrPermissions,
			Permissions: engine.FileTypeDirectory | 0o755,
		},
	}
}

// AddFile stages a regular file node.
func (e *Engine) AddFile(p string, data []byte) {
	e.FS[path.Clean(p)] = &FSNode{
		Data: data,
		Attrs: engine.FileAttributes{
			Flags:       engine.AttrSize | engine.AttrPermissions,
			Size:        uint64(len(data)),
			Permissions: engine.FileTypeRegular | 0o644,
		},
	}
}

func (e *Engine) record(op string) {
	e.calls = append(e.calls, op)
}

// take pops a scripted failure for op, recording it on the session.
func (e *Engine) take(op string, s engine.SessionHandle) (int, bool) {
	q := e.errQueues[op]
	if len(q) == 0 {
		return 0, false
	}
	item := q[0]
	e.errQueues[op] = q[1:]
	if st, ok := e.sessions[s]; ok {
		st.lastCode = item.rc
		st.lastMsg = item.msg
	}
	return item.rc, true
}

func (e *Engine) mint() uintptr {
	e.next++
	return e.next
}

// Init implements engine.SessionAPI.
func (e *Engine) Init() int {
	e.record("Init")
	e.initCalls++
	return e.InitRC
}

// Exit implements engine.SessionAPI.
func (e *Engine) Exit() {
	e.record("Exit")
	e.exitCalls++
}

func (e *Engine) SessionInit() engine.SessionHandle {
	e.record("SessionInit")
	if rc, ok := e.take("SessionInit", 0); ok && rc < 0 {
		return 0
	}
	h := engine.SessionHandle(e.mint())
	e.sessions[h] = &sessionState{blocking: true, flags: make(map[int]bool)}
	return h
}

func (e *Engine) SessionFree(s engine.SessionHandle) int {
	e.record("SessionFree")
	if rc, ok := e.take("SessionFree", s); ok {
		return rc
	}
	e.sessions[s].freed = true
	return 0
}

func (e *Engine) SessionLastError(s engine.SessionHandle) (int, string) {
	st := e.sessions[s]
	return st.lastCode, st.lastMsg
}

func (e *Engine) SessionHandshake(s engine.SessionHandle, transport net.Conn) int {
	e.record("SessionHandshake")
	if rc, ok := e.take("SessionHandshake", s); ok {
		return rc
	}
	st := e.sessions[s]
	st.transport = transport
	st.handshaken = true
	return 0
}

func (e *Engine) SessionDisconnect(s engine.SessionHandle, reason int, description, lang string) int {
	e.record("SessionDisconnect")
	if rc, ok := e.take("SessionDisconnect", s); ok {
		return rc
	}
	e.sessions[s].handshaken = false
	return 0
}

func (e *Engine) SessionSetBlocking(s engine.SessionHandle, blocking bool) {
	e.record("SessionSetBlocking")
	st := e.sessions[s]
	st.blocking = blocking
	st.blockingLog = append(st.blockingLog, blocking)
}

func (e *Engine) SessionGetBlocking(s engine.SessionHandle) bool {
	return e.sessions[s].blocking
}

func (e *Engine) SessionSetTimeout(s engine.SessionHandle, timeoutMs int64) {
	e.record("SessionSetTimeout")
	e.sessions[s].timeoutMs = timeoutMs
}

func (e *Engine) SessionGetTimeout(s engine.SessionHandle) int64 {
	return e.sessions[s].timeoutMs
}

func (e *Engine) SessionSetFlag(s engine.SessionHandle, flag int, value bool) int {
	e.record("SessionSetFlag")
	if rc, ok := e.take("SessionSetFlag", s); ok {
		return rc
	}
	e.sessions[s].flags[flag] = value
	return 0
}

func (e *Engine) SessionBannerSet(s engine.SessionHandle, banner string) int {
	e.record("SessionBannerSet")
	if rc, ok := e.take("SessionBannerSet", s); ok {
		return rc
	}
	e.sessions[s].banner = banner
	return 0
}

func (e *Engine) SessionBannerGet(s engine.SessionHandle) (string, bool) {
	if !e.sessions[s].handshaken || e.RemoteBanner == "" {
		return "", false
	}
	return e.RemoteBanner, true
}

func (e *Engine) SessionHostKey(s engine.SessionHandle) ([]byte, engine.HostKeyType, bool) {
	if !e.sessions[s].handshaken || len(e.HostKey) == 0 {
		return nil, engine.HostKeyTypeUnknown, false
	}
	return e.HostKey, e.HostKeyType, true
}

func (e *Engine) SessionHostKeyHash(s engine.SessionHandle, hash engine.HashType) ([]byte, bool) {
	key, _, ok := e.SessionHostKey(s)
	if !ok {
		return nil, false
	}
	// Not a real digest; tests only care about stability.
	sum := byte(0)
	for _, b := range key {
		sum ^= b
	}
	return []byte{sum, byte(hash)}, true
}

func (e *Engine) SessionMethodPref(s engine.SessionHandle, method engine.MethodType, prefs string) int {
	e.record("SessionMethodPref")
	if rc, ok := e.take("SessionMethodPref", s); ok {
		return rc
	}
	return 0
}

func (e *Engine) SessionMethods(s engine.SessionHandle, method engine.MethodType) (string, bool) {
	if !e.sessions[s].handshaken {
		return "", false
	}
	return "test-method", true
}

func (e *Engine) SessionSupportedAlgs(s engine.SessionHandle, method engine.MethodType) ([]string, int) {
	e.record("SessionSupportedAlgs")
	if rc, ok := e.take("SessionSupportedAlgs", s); ok {
		return nil, rc
	}
	return []string{"alg-a", "alg-b"}, 0
}

func (e *Engine) SessionBlockDirections(s engine.SessionHandle) int {
	return engine.BlockInbound
}

func (e *Engine) KeepaliveConfig(s engine.SessionHandle, wantReply bool, intervalSec uint) {
	e.record("KeepaliveConfig")
	e.sessions[s].keepalive = intervalSec
}

func (e *Engine) KeepaliveSend(s engine.SessionHandle) (uint, int) {
	e.record("KeepaliveSend")
	if rc, ok := e.take("KeepaliveSend", s); ok {
		return 0, rc
	}
	return e.sessions[s].keepalive, 0
}

func (e *Engine) auth(op string, s engine.SessionHandle) int {
	e.record(op)
	if rc, ok := e.take(op, s); ok {
		return rc
	}
	if e.RejectAuth {
		st := e.sessions[s]
		st.lastCode = engine.CodeAuthenticationFailed
		st.lastMsg = "authentication failed"
		return engine.CodeAuthenticationFailed
	}
	e.sessions[s].authenticated = true
	return 0
}

func (e *Engine) UserauthPassword(s engine.SessionHandle, username, password string) int {
	return e.auth("UserauthPassword", s)
}

func (e *Engine) UserauthKeyboardInteractive(s engine.SessionHandle, username string, prompter engine.KeyboardInteractivePrompt) int {
	if prompter != nil {
		prompter.Prompt(username, "", []engine.Prompt{{Text: "Password: ", Echo: false}})
	}
	return e.auth("UserauthKeyboardInteractive", s)
}

func (e *Engine) UserauthPublickeyFile(s engine.SessionHandle, username, pubkeyPath, privkeyPath, passphrase string) int {
	return e.auth("UserauthPublickeyFile", s)
}

func (e *Engine) UserauthPublickeyMemory(s engine.SessionHandle, username, pubkeyData, privkeyData, passphrase string) int {
	return e.auth("UserauthPublickeyMemory", s)
}

func (e *Engine) UserauthHostbasedFile(s engine.SessionHandle, username, pubkeyPath, privkeyPath, passphrase, hostname, localUsername string) int {
	return e.auth("UserauthHostbasedFile", s)
}

func (e *Engine) UserauthList(s engine.SessionHandle, username string) (string, int) {
	e.record("UserauthList")
	if rc, ok := e.take("UserauthList", s); ok {
		return "", rc
	}
	return "password,publickey", 0
}

func (e *Engine) UserauthAuthenticated(s engine.SessionHandle) bool {
	return e.sessions[s].authenticated
}

func (e *Engine) newChannel(s engine.SessionHandle) engine.ChannelHandle {
	h := engine.ChannelHandle(e.mint())
	st := &channelState{
		session:    s,
		streams:    make(map[int]*bytes.Buffer),
		written:    make(map[int]*bytes.Buffer),
		exitStatus: e.ExitStatus,
		env:        make(map[string]string),
	}
	for id, data := range e.ChannelReadData {
		st.streams[id] = bytes.NewBuffer(append([]byte(nil), data...))
	}
	e.channels[h] = st
	return h
}

func (e *Engine) ChannelOpen(s engine.SessionHandle, channelType string, windowSize, packetSize uint32, message string) engine.ChannelHandle {
	e.record("ChannelOpen")
	if rc, ok := e.take("ChannelOpen", s); ok && rc < 0 {
		return 0
	}
	return e.newChannel(s)
}

func (e *Engine) ChannelDirectTCPIP(s engine.SessionHandle, host string, port int, srcHost string, srcPort int) engine.ChannelHandle {
	e.record("ChannelDirectTCPIP")
	if rc, ok := e.take("ChannelDirectTCPIP", s); ok && rc < 0 {
		return 0
	}
	return e.newChannel(s)
}

func (e *Engine) ChannelForwardListen(s engine.SessionHandle, host string, port, queueMaxSize int) (engine.ListenerHandle, int) {
	e.record("ChannelForwardListen")
	if rc, ok := e.take("ChannelForwardListen", s); ok && rc < 0 {
		return 0, rc
	}
	bound := port
	if bound == 0 {
		bound = 49152
	}
	h := engine.ListenerHandle(e.mint())
	e.listeners[h] = &listenerState{session: s, port: bound}
	return h, bound
}

func (e *Engine) ChannelForwardAccept(l engine.ListenerHandle) engine.ChannelHandle {
	e.record("ChannelForwardAccept")
	st := e.listeners[l]
	if rc, ok := e.take("ChannelForwardAccept", st.session); ok && rc < 0 {
		return 0
	}
	return e.newChannel(st.session)
}

func (e *Engine) ChannelForwardCancel(l engine.ListenerHandle) int {
	e.record("ChannelForwardCancel")
	st := e.listeners[l]
	if rc, ok := e.take("ChannelForwardCancel", st.session); ok {
		return rc
	}
	st.freed = true
	return 0
}

func (e *Engine) ChannelSetenv(c engine.ChannelHandle, name, value string) int {
	e.record("ChannelSetenv")
	st := e.channels[c]
	if rc, ok := e.take("ChannelSetenv", st.session); ok {
		return rc
	}
	st.env[name] = value
	return 0
}

func (e *Engine) ChannelRequestPty(c engine.ChannelHandle, term string, modes []byte, width, height, widthPx, heightPx int) int {
	e.record("ChannelRequestPty")
	if rc, ok := e.take("ChannelRequestPty", e.channels[c].session); ok {
		return rc
	}
	return 0
}

func (e *Engine) ChannelRequestPtySize(c engine.ChannelHandle, width, height, widthPx, heightPx int) int {
	e.record("ChannelRequestPtySize")
	if rc, ok := e.take("ChannelRequestPtySize", e.channels[c].session); ok {
		return rc
	}
	return 0
}

func (e *Engine) ChannelRequestAuthAgent(c engine.ChannelHandle) int {
	e.record("ChannelRequestAuthAgent")
	if rc, ok := e.take("ChannelRequestAuthAgent", e.channels[c].session); ok {
		return rc
	}
	return 0
}

func (e *Engine) ChannelProcessStartup(c engine.ChannelHandle, request, message string) int {
	e.record("ChannelProcessStartup")
	st := e.channels[c]
	if rc, ok := e.take("ChannelProcessStartup", st.session); ok {
		return rc
	}
	st.request = request
	st.message = message
	return 0
}

func (e *Engine) ChannelHandleExtendedData(c engine.ChannelHandle, mode int) int {
	e.record("ChannelHandleExtendedData")
	if rc, ok := e.take("ChannelHandleExtendedData", e.channels[c].session); ok {
		return rc
	}
	return 0
}

func (e *Engine) ChannelRead(c engine.ChannelHandle, streamID int, buf []byte) int {
	e.record("ChannelRead")
	st := e.channels[c]
	if rc, ok := e.take("ChannelRead", st.session); ok {
		return rc
	}
	src := st.streams[streamID]
	if src == nil || src.Len() == 0 {
		st.remoteEOF = true
		return 0
	}
	n, _ := src.Read(buf)
	return n
}

func (e *Engine) ChannelWrite(c engine.ChannelHandle, streamID int, data []byte) int {
	e.record("ChannelWrite")
	st := e.channels[c]
	if rc, ok := e.take("ChannelWrite", st.session); ok {
		return rc
	}
	if st.written[streamID] == nil {
		st.written[streamID] = &bytes.Buffer{}
	}
	st.written[streamID].Write(data)
	return len(data)
}

func (e *Engine) ChannelFlush(c engine.ChannelHandle, streamID int) int {
	e.record("ChannelFlush")
	if rc, ok := e.take("ChannelFlush", e.channels[c].session); ok {
		return rc
	}
	return 0
}

func (e *Engine) ChannelEOF(c engine.ChannelHandle) bool {
	st := e.channels[c]
	for _, buf := range st.streams {
		if buf.Len() > 0 {
			return false
		}
	}
	return st.remoteEOF
}

func (e *Engine) ChannelSendEOF(c engine.ChannelHandle) int {
	e.record("ChannelSendEOF")
	st := e.channels[c]
	if rc, ok := e.take("ChannelSendEOF", st.session); ok {
		return rc
	}
	st.eofSent = true
	return 0
}

func (e *Engine) ChannelWaitEOF(c engine.ChannelHandle) int {
	e.record("ChannelWaitEOF")
	st := e.channels[c]
	if rc, ok := e.take("ChannelWaitEOF", st.session); ok {
		return rc
	}
	st.remoteEOF = true
	return 0
}

func (e *Engine) ChannelClose(c engine.ChannelHandle) int {
	e.record("ChannelClose")
	st := e.channels[c]
	if rc, ok := e.take("ChannelClose", st.session); ok {
		return rc
	}
	st.closeSent = true
	return 0
}

func (e *Engine) ChannelWaitClosed(c engine.ChannelHandle) int {
	e.record("ChannelWaitClosed")
	if rc, ok := e.take("ChannelWaitClosed", e.channels[c].session); ok {
		return rc
	}
	return 0
}

func (e *Engine) ChannelFree(c engine.ChannelHandle) int {
	e.record("ChannelFree")
	st := e.channels[c]
	if rc, ok := e.take("ChannelFree", st.session); ok {
		return rc
	}
	st.freed = true
	return 0
}

func (e *Engine) ChannelExitStatus(c engine.ChannelHandle) int {
	e.record("ChannelExitStatus")
	return e.channels[c].exitStatus
}

func (e *Engine) ChannelExitSignal(c engine.ChannelHandle) (string, string, string, int) {
	e.record("ChannelExitSignal")
	st := e.channels[c]
	if rc, ok := e.take("ChannelExitSignal", st.session); ok {
		return "", "", "", rc
	}
	return st.exitSignal[0], st.exitSignal[1], st.exitSignal[2], 0
}

// SetExitSignal stages the signal termination record of a channel.
func (e *Engine) SetExitSignal(c engine.ChannelHandle, signal, errMsg, lang string) {
	e.channels[c].exitSignal = [3]string{signal, errMsg, lang}
}

func (e *Engine) ChannelReadWindow(c engine.ChannelHandle) (uint32, uint32, uint32) {
	return 2097152, 0, 2097152
}

func (e *Engine) ChannelWriteWindow(c engine.ChannelHandle) (uint32, uint32) {
	return 2097152, 2097152
}

func (e *Engine) ChannelReceiveWindowAdjust(c engine.ChannelHandle, adjustment uint64, force bool) (uint64, int) {
	e.record("ChannelReceiveWindowAdjust")
	if rc, ok := e.take("ChannelReceiveWindowAdjust", e.channels[c].session); ok {
		return 0, rc
	}
	return 2097152 + adjustment, 0
}

func (e *Engine) ScpRecv(s engine.SessionHandle, p string) (engine.ChannelHandle, engine.ScpStat) {
	e.record("ScpRecv")
	if rc, ok := e.take("ScpRecv", s); ok && rc < 0 {
		return 0, engine.ScpStat{}
	}
	file, ok := e.ScpFiles[p]
	if !ok {
		st := e.sessions[s]
		st.lastCode = engine.CodeScpProtocol
		st.lastMsg = "scp protocol error"
		return 0, engine.ScpStat{}
	}
	h := e.newChannel(s)
	e.channels[h].streams[0] = bytes.NewBuffer(append([]byte(nil), file.Data...))
	return h, engine.ScpStat{Size: file.Size, Mode: file.Mode, Mtime: file.Mtime, Atime: file.Atime}
}

func (e *Engine) ScpSend(s engine.SessionHandle, p string, mode int, size int64, mtime, atime int64) engine.ChannelHandle {
	e.record("ScpSend")
	if rc, ok := e.take("ScpSend", s); ok && rc < 0 {
		return 0
	}
	return e.newChannel(s)
}

func (e *Engine) SftpInit(s engine.SessionHandle) engine.SftpHandle {
	e.record("SftpInit")
	if rc, ok := e.take("SftpInit", s); ok && rc < 0 {
		return 0
	}
	h := engine.SftpHandle(e.mint())
	e.sftps[h] = &sftpState{session: s}
	return h
}

func (e *Engine) SftpShutdown(h engine.SftpHandle) int {
	e.record("SftpShutdown")
	st := e.sftps[h]
	if rc, ok := e.take("SftpShutdown", st.session); ok {
		return rc
	}
	st.freed = true
	return 0
}

func (e *Engine) SftpLastError(h engine.SftpHandle) uint32 {
	return e.sftps[h].lastFx
}

// sftpFail records an SFTP failure in both namespaces and returns the
// generic protocol code.
func (e *Engine) sftpFail(h engine.SftpHandle, fx uint32, msg string) int {
	st := e.sftps[h]
	st.lastFx = fx
	sess := e.sessions[st.session]
	sess.lastCode = engine.CodeSftpProtocol
	sess.lastMsg = msg
	return engine.CodeSftpProtocol
}

func (e *Engine) SftpOpen(h engine.SftpHandle, filename string, flags uint32, mode int64, openType int) engine.FileHandle {
	e.record("SftpOpen")
	st := e.sftps[h]
	if rc, ok := e.take("SftpOpen", st.session); ok && rc < 0 {
		return 0
	}
	p := path.Clean(filename)
	node := e.FS[p]
	if openType == engine.OpenDir {
		if node == nil || !node.IsDir {
			e.sftpFail(h, engine.FxNoSuchFile, "sftp protocol error")
			return 0
		}
		fh := engine.FileHandle(e.mint())
		e.files[fh] = &fileState{sftp: h, path: p, isDir: true, entries: e.dirEntries(p)}
		return fh
	}
	if node == nil {
		if flags&engine.FxfCreate == 0 {
			e.sftpFail(h, engine.FxNoSuchFile, "sftp protocol error")
			return 0
		}
		e.AddFile(p, nil)
		node = e.FS[p]
	} else if flags&engine.FxfTrunc != 0 {
		node.Data = nil
		node.Attrs.Size = 0
	}
	fh := engine.FileHandle(e.mint())
	fs := &fileState{sftp: h, path: p}
	if flags&engine.FxfAppend != 0 {
		fs.offset = uint64(len(node.Data))
	}
	e.files[fh] = fs
	return fh
}

func (e *Engine) dirEntries(dir string) []string {
	entries := []string{".", ".."}
	prefix := dir
	if prefix != "/" {
		prefix += "/"
	}
	for p := range e.FS {
		if p == dir || !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := p[len(prefix):]
		if !strings.Contains(rest, "/") {
			entries = append(entries, rest)
		}
	}
	return entries
}

func (e *Engine) SftpCloseHandle(f engine.FileHandle) int {
	e.record("SftpCloseHandle")
	st := e.files[f]
	if rc, ok := e.take("SftpCloseHandle", e.sftps[st.sftp].session); ok {
		return rc
	}
	st.freed = true
	return 0
}

func (e *Engine) SftpRead(f engine.FileHandle, buf []byte) int {
	e.record("SftpRead")
	st := e.files[f]
	if rc, ok := e.take("SftpRead", e.sftps[st.sftp].session); ok {
		return rc
	}
	node := e.FS[st.path]
	if node == nil {
		return e.sftpFail(st.sftp, engine.FxNoSuchFile, "sftp protocol error")
	}
	if st.offset >= uint64(len(node.Data)) {
		return 0
	}
	n := copy(buf, node.Data[st.offset:])
	st.offset += uint64(n)
	return n
}

func (e *Engine) SftpWrite(f engine.FileHandle, data []byte) int {
	e.record("SftpWrite")
	st := e.files[f]
	if rc, ok := e.take("SftpWrite", e.sftps[st.sftp].session); ok {
		return rc
	}
	node := e.FS[st.path]
	if node == nil {
		return e.sftpFail(st.sftp, engine.FxNoSuchFile, "sftp protocol error")
	}
	end := st.offset + uint64(len(data))
	if end > uint64(len(node.Data)) {
		grown := make([]byte, end)
		copy(grown, node.Data)
		node.Data = grown
	}
	copy(node.Data[st.offset:], data)
	st.offset = end
	node.Attrs.Size = uint64(len(node.Data))
	return len(data)
}

func (e *Engine) SftpSeek(f engine.FileHandle, offset uint64) {
	e.record("SftpSeek")
	e.files[f].offset = offset
}

func (e *Engine) SftpTell(f engine.FileHandle) uint64 {
	return e.files[f].offset
}

func (e *Engine) SftpFstat(f engine.FileHandle, set bool, attrs *engine.FileAttributes) int {
	e.record("SftpFstat")
	st := e.files[f]
	if rc, ok := e.take("SftpFstat", e.sftps[st.sftp].session); ok {
		return rc
	}
	node := e.FS[st.path]
	if node == nil {
		return e.sftpFail(st.sftp, engine.FxNoSuchFile, "sftp protocol error")
	}
	if set {
		applyAttrs(&node.Attrs, attrs)
	} else {
		*attrs = node.Attrs
	}
	return 0
}

func applyAttrs(dst, src *engine.FileAttributes) {
	if src.Flags&engine.AttrSize != 0 {
		dst.Size = src.Size
		dst.Flags |= engine.AttrSize
	}
	if src.Flags&engine.AttrUIDGID != 0 {
		dst.UID = src.UID
		dst.GID = src.GID
		dst.Flags |= engine.AttrUIDGID
	}
	if src.Flags&engine.AttrPermissions != 0 {
		dst.Permissions = src.Permissions
		dst.Flags |= engine.AttrPermissions
	}
	if src.Flags&engine.AttrACModTime != 0 {
		dst.Atime = src.Atime
		dst.Mtime = src.Mtime
		dst.Flags |= engine.AttrACModTime
	}
}

func (e *Engine) SftpFsync(f engine.FileHandle) int {
	e.record("SftpFsync")
	if rc, ok := e.take("SftpFsync", e.sftps[e.files[f].sftp].session); ok {
		return rc
	}
	return 0
}

func (e *Engine) SftpReaddir(f engine.FileHandle, buf []byte, attrs *engine.FileAttributes) int {
	e.record("SftpReaddir")
	st := e.files[f]
	if rc, ok := e.take("SftpReaddir", e.sftps[st.sftp].session); ok {
		return rc
	}
	if st.pos >= len(st.entries) {
		return 0
	}
	name := st.entries[st.pos]
	if len(name) > len(buf) {
		return engine.CodeBufferTooSmall
	}
	st.pos++
	copy(buf, name)
	child := path.Join(st.path, name)
	if node := e.FS[child]; node != nil {
		*attrs = node.Attrs
	} else {
		*attrs = engine.FileAttributes{}
	}
	return len(name)
}

func (e *Engine) SftpStat(h engine.SftpHandle, p string, op int, attrs *engine.FileAttributes) int {
	e.record("SftpStat")
	st := e.sftps[h]
	if rc, ok := e.take("SftpStat", st.session); ok {
		return rc
	}
	p = path.Clean(p)
	node := e.FS[p]
	if node == nil {
		return e.sftpFail(h, engine.FxNoSuchFile, "sftp protocol error")
	}
	switch op {
	case engine.StatOpStat:
		if node.Link != "" {
			target := e.FS[path.Clean(node.Link)]
			if target == nil {
				return e.sftpFail(h, engine.FxNoSuchFile, "sftp protocol error")
			}
			*attrs = target.Attrs
			return 0
		}
		*attrs = node.Attrs
	case engine.StatOpLstat:
		*attrs = node.Attrs
	case engine.StatOpSetstat:
		applyAttrs(&node.Attrs, attrs)
	}
	return 0
}

func (e *Engine) SftpMkdir(h engine.SftpHandle, p string, mode int64) int {
	e.record("SftpMkdir")
	if rc, ok := e.take("SftpMkdir", e.sftps[h].session); ok {
		return rc
	}
	p = path.Clean(p)
	if e.FS[p] != nil {
		return e.sftpFail(h, engine.FxFileAlreadyExists, "sftp protocol error")
	}
	e.FS[p] = &FSNode{
		IsDir: true,
		Attrs: engine.FileAttributes{
			Flags:       engine.AttrPermissions,
			Permissions: engine.FileTypeDirectory | uint32(mode),
		},
	}
	return 0
}

func (e *Engine) SftpRmdir(h engine.SftpHandle, p string) int {
	e.record("SftpRmdir")
	if rc, ok := e.take("SftpRmdir", e.sftps[h].session); ok {
		return rc
	}
	p = path.Clean(p)
	node := e.FS[p]
	if node == nil || !node.IsDir {
		return e.sftpFail(h, engine.FxNoSuchFile, "sftp protocol error")
	}
	if len(e.dirEntries(p)) > 2 {
		return e.sftpFail(h, engine.FxDirNotEmpty, "sftp protocol error")
	}
	delete(e.FS, p)
	return 0
}

func (e *Engine) SftpUnlink(h engine.SftpHandle, p string) int {
	e.record("SftpUnlink")
	if rc, ok := e.take("SftpUnlink", e.sftps[h].session); ok {
		return rc
	}
	p = path.Clean(p)
	node := e.FS[p]
	if node == nil || node.IsDir {
		return e.sftpFail(h, engine.FxNoSuchFile, "sftp protocol error")
	}
	delete(e.FS, p)
	return 0
}

func (e *Engine) SftpRename(h engine.SftpHandle, src, dst string, flags int64) int {
	e.record("SftpRename")
	if rc, ok := e.take("SftpRename", e.sftps[h].session); ok {
		return rc
	}
	src, dst = path.Clean(src), path.Clean(dst)
	node := e.FS[src]
	if node == nil {
		return e.sftpFail(h, engine.FxNoSuchFile, "sftp protocol error")
	}
	if e.FS[dst] != nil && flags&engine.RenameOverwrite == 0 {
		return e.sftpFail(h, engine.FxFileAlreadyExists, "sftp protocol error")
	}
	delete(e.FS, src)
	e.FS[dst] = node
	return 0
}

func (e *Engine) SftpSymlink(h engine.SftpHandle, p, target string) int {
	e.record("SftpSymlink")
	if rc, ok := e.take("SftpSymlink", e.sftps[h].session); ok {
		return rc
	}
	e.FS[path.Clean(p)] = &FSNode{
		Link: target,
		Attrs: engine.FileAttributes{
			Flags:       engine.AttrPermissions,
			Permissions: engine.FileTypeSymlink | 0o777,
		},
	}
	return 0
}

func (e *Engine) SftpReadlink(h engine.SftpHandle, p string, buf []byte, op int) int {
	e.record("SftpReadlink")
	if rc, ok := e.take("SftpReadlink", e.sftps[h].session); ok {
		return rc
	}
	p = path.Clean(p)
	var result string
	switch op {
	case engine.LinkOpReadlink:
		node := e.FS[p]
		if node == nil || node.Link == "" {
			return e.sftpFail(h, engine.FxNoSuchFile, "sftp protocol error")
		}
		result = node.Link
	case engine.LinkOpRealpath:
		result = p
		for {
			node := e.FS[result]
			if node == nil || node.Link == "" {
				break
			}
			result = path.Clean(node.Link)
		}
	}
	if len(result) > len(buf) {
		return engine.CodeBufferTooSmall
	}
	copy(buf, result)
	return len(result)
}

func (e *Engine) AgentInit(s engine.SessionHandle) engine.AgentHandle {
	e.record("AgentInit")
	if rc, ok := e.take("AgentInit", s); ok && rc < 0 {
		return 0
	}
	h := engine.AgentHandle(e.mint())
	e.agents[h] = &agentState{session: s}
	return h
}

func (e *Engine) AgentFree(a engine.AgentHandle) {
	e.record("AgentFree")
	e.agents[a].freed = true
}

func (e *Engine) AgentConnect(a engine.AgentHandle) int {
	e.record("AgentConnect")
	st := e.agents[a]
	if rc, ok := e.take("AgentConnect", st.session); ok {
		return rc
	}
	st.connected = true
	return 0
}

func (e *Engine) AgentDisconnect(a engine.AgentHandle) int {
	e.record("AgentDisconnect")
	st := e.agents[a]
	if rc, ok := e.take("AgentDisconnect", st.session); ok {
		return rc
	}
	st.connected = false
	return 0
}

func (e *Engine) AgentListIdentities(a engine.AgentHandle) int {
	e.record("AgentListIdentities")
	st := e.agents[a]
	if rc, ok := e.take("AgentListIdentities", st.session); ok {
		return rc
	}
	if !st.connected {
		sess := e.sessions[st.session]
		sess.lastCode = engine.CodeBadUse
		sess.lastMsg = "agent not connected"
		return engine.CodeBadUse
	}
	st.listed = true
	return 0
}

func (e *Engine) AgentGetIdentity(a engine.AgentHandle, prev engine.IdentityCursor) (engine.IdentityCursor, int) {
	e.record("AgentGetIdentity")
	st := e.agents[a]
	if rc, ok := e.take("AgentGetIdentity", st.session); ok && rc < 0 {
		return 0, rc
	}
	if !st.listed {
		return 0, 1
	}
	idx := int(prev)
	if idx >= len(e.AgentIdentities) {
		return 0, 1
	}
	return engine.IdentityCursor(idx + 1), 0
}

func (e *Engine) AgentIdentity(a engine.AgentHandle, cur engine.IdentityCursor) ([]byte, string) {
	id := e.AgentIdentities[int(cur)-1]
	return id.Blob, id.Comment
}

func (e *Engine) AgentUserauth(a engine.AgentHandle, username string, blob []byte) int {
	e.record("AgentUserauth")
	st := e.agents[a]
	if rc, ok := e.take("AgentUserauth", st.session); ok {
		return rc
	}
	for _, id := range e.AgentIdentities {
		if bytes.Equal(id.Blob, blob) && !e.RejectAuth {
			e.sessions[st.session].authenticated = true
			return 0
		}
	}
	sess := e.sessions[st.session]
	sess.lastCode = engine.CodeAuthenticationFailed
	sess.lastMsg = "authentication failed"
	return engine.CodeAuthenticationFailed
}

func (e *Engine) KnownHostInit(s engine.SessionHandle) engine.KnownHostsHandle {
	e.record("KnownHostInit")
	if rc, ok := e.take("KnownHostInit", s); ok && rc < 0 {
		return 0
	}
	h := engine.KnownHostsHandle(e.mint())
	e.khs[h] = &khState{session: s}
	return h
}

func (e *Engine) KnownHostFree(k engine.KnownHostsHandle) {
	e.record("KnownHostFree")
	e.khs[k].freed = true
}

func (e *Engine) KnownHostReadFile(k engine.KnownHostsHandle, filename string, kind int) int {
	e.record("KnownHostReadFile")
	st := e.khs[k]
	if rc, ok := e.take("KnownHostReadFile", st.session); ok {
		return rc
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		sess := e.sessions[st.session]
		sess.lastCode = engine.CodeFile
		sess.lastMsg = "file error"
		return engine.CodeFile
	}
	added := 0
	for _, line := range strings.Split(string(data), "\n") {
		if e.readLine(st, line) {
			added++
		}
	}
	return added
}

func (e *Engine) readLine(st *khState, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return false
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return false
	}
	st.entries = append(st.entries, khEntry{name: fields[0], key: strings.Join(fields[1:], " ")})
	return true
}

func (e *Engine) KnownHostReadLine(k engine.KnownHostsHandle, line string, kind int) int {
	e.record("KnownHostReadLine")
	st := e.khs[k]
	if rc, ok := e.take("KnownHostReadLine", st.session); ok {
		return rc
	}
	if !e.readLine(st, line) {
		sess := e.sessions[st.session]
		sess.lastCode = engine.CodeKnownHosts
		sess.lastMsg = "known hosts error"
		return engine.CodeKnownHosts
	}
	return 0
}

func (e *Engine) KnownHostWriteFile(k engine.KnownHostsHandle, filename string, kind int) int {
	e.record("KnownHostWriteFile")
	st := e.khs[k]
	if rc, ok := e.take("KnownHostWriteFile", st.session); ok {
		return rc
	}
	var sb strings.Builder
	for _, entry := range st.entries {
		sb.WriteString(entry.name)
		sb.WriteByte(' ')
		sb.WriteString(entry.key)
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(filename, []byte(sb.String()), 0o644); err != nil {
		sess := e.sessions[st.session]
		sess.lastCode = engine.CodeFile
		sess.lastMsg = "file error"
		return engine.CodeFile
	}
	return 0
}

func (e *Engine) KnownHostWriteLine(k engine.KnownHostsHandle, cur engine.HostCursor, buf []byte, kind int) (int, int) {
	e.record("KnownHostWriteLine")
	st := e.khs[k]
	if rc, ok := e.take("KnownHostWriteLine", st.session); ok && rc < 0 {
		return 0, rc
	}
	entry := st.entries[int(cur)-1]
	line := entry.name + " " + entry.key + "\n"
	if len(line) > len(buf) {
		return len(line), engine.CodeBufferTooSmall
	}
	copy(buf, line)
	return len(line), 0
}

func (e *Engine) KnownHostGet(k engine.KnownHostsHandle, prev engine.HostCursor) (engine.HostCursor, int) {
	e.record("KnownHostGet")
	st := e.khs[k]
	if rc, ok := e.take("KnownHostGet", st.session); ok && rc < 0 {
		return 0, rc
	}
	idx := int(prev)
	if idx >= len(st.entries) {
		return 0, 1
	}
	return engine.HostCursor(idx + 1), 0
}

func (e *Engine) KnownHostEntry(k engine.KnownHostsHandle, cur engine.HostCursor) (string, string) {
	entry := e.khs[k].entries[int(cur)-1]
	return entry.name, entry.key
}

func (e *Engine) KnownHostDel(k engine.KnownHostsHandle, cur engine.HostCursor) int {
	e.record("KnownHostDel")
	st := e.khs[k]
	if rc, ok := e.take("KnownHostDel", st.session); ok {
		return rc
	}
	idx := int(cur) - 1
	if idx < 0 || idx >= len(st.entries) {
		return engine.CodeKnownHosts
	}
	st.entries = append(st.entries[:idx], st.entries[idx+1:]...)
	return 0
}

func (e *Engine) KnownHostCheck(k engine.KnownHostsHandle, host string, port int, key []byte) int {
	e.record("KnownHostCheck")
	st := e.khs[k]
	encoded := base64.StdEncoding.EncodeToString(key)
	found := false
	for _, entry := range st.entries {
		if entry.name != host {
			continue
		}
		found = true
		if strings.Contains(entry.key, encoded) {
			return engine.CheckMatch
		}
	}
	if found {
		return engine.CheckMismatch
	}
	return engine.CheckNotFound
}

func (e *Engine) KnownHostAdd(k engine.KnownHostsHandle, host string, key []byte, comment string, keyFormat int) int {
	e.record("KnownHostAdd")
	st := e.khs[k]
	if rc, ok := e.take("KnownHostAdd", st.session); ok {
		return rc
	}
	st.entries = append(st.entries, khEntry{
		name: host,
		key:  base64.StdEncoding.EncodeToString(key),
	})
	return 0
}

var _ engine.Engine = (*Engine)(nil)
