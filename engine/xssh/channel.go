package xssh

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"go.uber.org/multierr"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/bacalhau-project/sshwrap/engine"
)

type channel struct {
	owner *session

	// Exactly one of sshSess and conn is set: sshSess for "session" type
	// channels, conn for direct-tcpip and forwarded connections.
	sshSess *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader
	conn    net.Conn

	ignoreExtended bool
	remoteEOF      bool
	waited         bool
	exitStatus     int
	exitSignal     string
	exitMsg        string
	exitLang       string

	// scpSend channels must write the final zero ack before closing stdin.
	scpSend bool
}

// wait collects the remote process result once. Safe to call repeatedly.
func (c *channel) wait() {
	if c.waited || c.sshSess == nil {
		return
	}
	c.waited = true
	c.remoteEOF = true
	err := c.sshSess.Wait()
	if err == nil {
		return
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		c.exitStatus = exitErr.ExitStatus()
		c.exitSignal = exitErr.Signal()
		c.exitMsg = exitErr.Msg()
		c.exitLang = exitErr.Lang()
	}
}

func (e *Engine) newSessionChannel(h engine.SessionHandle) (engine.ChannelHandle, error) {
	s := e.sessions[h]
	if s.client == nil {
		return 0, errors.New("session not connected")
	}
	sess, err := s.client.NewSession()
	if err != nil {
		return 0, err
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return 0, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return 0, err
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return 0, err
	}
	ch := engine.ChannelHandle(e.mint())
	e.channels[ch] = &channel{owner: s, sshSess: sess, stdin: stdin, stdout: stdout, stderr: stderr}
	return ch, nil
}

func (e *Engine) ChannelOpen(h engine.SessionHandle, channelType string, windowSize, packetSize uint32, message string) engine.ChannelHandle {
	s := e.sessions[h]
	if channelType != "session" {
		s.fail(engine.CodeChannelUnknown, "unknown channel type "+channelType)
		return 0
	}
	ch, err := e.newSessionChannel(h)
	if err != nil {
		s.fail(engine.CodeChannelFailure, err.Error())
		return 0
	}
	return ch
}

func (e *Engine) ChannelDirectTCPIP(h engine.SessionHandle, host string, port int, srcHost string, srcPort int) engine.ChannelHandle {
	s := e.sessions[h]
	if s.client == nil {
		s.fail(engine.CodeSocketNone, "session not connected")
		return 0
	}
	conn, err := s.client.Dial("tcp", fmtAddr(host, port))
	if err != nil {
		s.fail(engine.CodeChannelFailure, err.Error())
		return 0
	}
	ch := engine.ChannelHandle(e.mint())
	e.channels[ch] = &channel{owner: s, conn: conn}
	return ch
}

type listenerState struct {
	owner *session
	ln    net.Listener
}

func (e *Engine) ChannelForwardListen(h engine.SessionHandle, host string, port, queueMaxSize int) (engine.ListenerHandle, int) {
	s := e.sessions[h]
	if s.client == nil {
		return 0, s.fail(engine.CodeSocketNone, "session not connected")
	}
	ln, err := s.client.Listen("tcp", fmtAddr(host, port))
	if err != nil {
		return 0, s.fail(engine.CodeRequestDenied, err.Error())
	}
	bound := port
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		bound = addr.Port
	}
	lh := engine.ListenerHandle(e.mint())
	e.listeners[lh] = &listenerState{owner: s, ln: ln}
	return lh, bound
}

func (e *Engine) ChannelForwardAccept(l engine.ListenerHandle) engine.ChannelHandle {
	st := e.listeners[l]
	conn, err := st.ln.Accept()
	if err != nil {
		st.owner.fail(engine.CodeChannelFailure, err.Error())
		return 0
	}
	ch := engine.ChannelHandle(e.mint())
	e.channels[ch] = &channel{owner: st.owner, conn: conn}
	return ch
}

func (e *Engine) ChannelForwardCancel(l engine.ListenerHandle) int {
	st := e.listeners[l]
	if err := st.ln.Close(); err != nil {
		return st.owner.fail(engine.CodeRequestDenied, err.Error())
	}
	delete(e.listeners, l)
	return 0
}

func (e *Engine) ChannelSetenv(c engine.ChannelHandle, name, value string) int {
	ch := e.channels[c]
	if ch.sshSess == nil {
		return ch.owner.fail(engine.CodeChannelFailure, "not a session channel")
	}
	if err := ch.sshSess.Setenv(name, value); err != nil {
		return ch.owner.fail(engine.CodeChannelRequestDenied, err.Error())
	}
	return 0
}

func (e *Engine) ChannelRequestPty(c engine.ChannelHandle, term string, modes []byte, width, height, widthPx, heightPx int) int {
	ch := e.channels[c]
	if ch.sshSess == nil {
		return ch.owner.fail(engine.CodeChannelFailure, "not a session channel")
	}
	// The transport library takes decoded terminal modes; raw encoded mode
	// strings are not translatable, so only dimensions are honored.
	if err := ch.sshSess.RequestPty(term, height, width, ssh.TerminalModes{}); err != nil {
		return ch.owner.fail(engine.CodeChannelRequestDenied, err.Error())
	}
	return 0
}

func (e *Engine) ChannelRequestPtySize(c engine.ChannelHandle, width, height, widthPx, heightPx int) int {
	ch := e.channels[c]
	if ch.sshSess == nil {
		return ch.owner.fail(engine.CodeChannelFailure, "not a session channel")
	}
	if err := ch.sshSess.WindowChange(height, width); err != nil {
		return ch.owner.fail(engine.CodeChannelRequestDenied, err.Error())
	}
	return 0
}

func (e *Engine) ChannelRequestAuthAgent(c engine.ChannelHandle) int {
	ch := e.channels[c]
	if ch.sshSess == nil {
		return ch.owner.fail(engine.CodeChannelFailure, "not a session channel")
	}
	if err := agent.RequestAgentForwarding(ch.sshSess); err != nil {
		return ch.owner.fail(engine.CodeChannelRequestDenied, err.Error())
	}
	return 0
}

func (e *Engine) ChannelProcessStartup(c engine.ChannelHandle, request, message string) int {
	ch := e.channels[c]
	if ch.sshSess == nil {
		return ch.owner.fail(engine.CodeChannelFailure, "not a session channel")
	}
	var err error
	switch request {
	case "exec":
		err = ch.sshSess.Start(message)
	case "shell":
		err = ch.sshSess.Shell()
	case "subsystem":
		err = ch.sshSess.RequestSubsystem(message)
	default:
		return ch.owner.fail(engine.CodeChannelRequestDenied, "unknown request "+request)
	}
	if err != nil {
		return ch.owner.fail(engine.CodeChannelRequestDenied, err.Error())
	}
	return 0
}

func (e *Engine) ChannelHandleExtendedData(c engine.ChannelHandle, mode int) int {
	ch := e.channels[c]
	switch mode {
	case engine.ExtendedDataNormal:
		ch.ignoreExtended = false
	case engine.ExtendedDataIgnore:
		ch.ignoreExtended = true
	default:
		return ch.owner.fail(engine.CodeMethodNotSupported, "method not supported")
	}
	return 0
}

func (e *Engine) ChannelRead(c engine.ChannelHandle, streamID int, buf []byte) int {
	ch := e.channels[c]
	var src io.Reader
	switch {
	case ch.conn != nil:
		src = ch.conn
	case streamID == 0:
		src = ch.stdout
	case streamID == engine.ExtendedDataStderr:
		if ch.ignoreExtended {
			return 0
		}
		src = ch.stderr
	default:
		return ch.owner.fail(engine.CodeChannelUnknown, "unknown stream")
	}
	n, err := src.Read(buf)
	if n > 0 {
		return n
	}
	if err == io.EOF || err == nil {
		if ch.conn == nil && streamID == 0 {
			ch.wait()
		}
		return 0
	}
	return ch.owner.fail(engine.CodeSocketRecv, err.Error())
}

func (e *Engine) ChannelWrite(c engine.ChannelHandle, streamID int, data []byte) int {
	ch := e.channels[c]
	var dst io.Writer
	switch {
	case ch.conn != nil:
		dst = ch.conn
	case streamID == 0:
		dst = ch.stdin
	default:
		return ch.owner.fail(engine.CodeChannelUnknown, "unknown stream")
	}
	n, err := dst.Write(data)
	if err != nil {
		return ch.owner.fail(engine.CodeSocketSend, err.Error())
	}
	return n
}

func (e *Engine) ChannelFlush(c engine.ChannelHandle, streamID int) int {
	// Writes are unbuffered in this backend.
	return 0
}

func (e *Engine) ChannelEOF(c engine.ChannelHandle) bool {
	return e.channels[c].remoteEOF
}

func (e *Engine) ChannelSendEOF(c engine.ChannelHandle) int {
	ch := e.channels[c]
	if ch.conn != nil {
		type closeWriter interface{ CloseWrite() error }
		if cw, ok := ch.conn.(closeWriter); ok {
			if err := cw.CloseWrite(); err != nil {
				return ch.owner.fail(engine.CodeSocketSend, err.Error())
			}
			return 0
		}
		return ch.owner.fail(engine.CodeMethodNotSupported, "method not supported")
	}
	if ch.scpSend {
		// The zero ack tells the remote scp the file body is complete.
		if _, err := ch.stdin.Write([]byte{0}); err != nil {
			return ch.owner.fail(engine.CodeSocketSend, err.Error())
		}
	}
	if err := ch.stdin.Close(); err != nil {
		return ch.owner.fail(engine.CodeSocketSend, err.Error())
	}
	return 0
}

func (e *Engine) ChannelWaitEOF(c engine.ChannelHandle) int {
	ch := e.channels[c]
	if ch.conn != nil {
		return 0
	}
	ch.wait()
	return 0
}

func (e *Engine) ChannelClose(c engine.ChannelHandle) int {
	ch := e.channels[c]
	var err error
	if ch.conn != nil {
		err = ch.conn.Close()
	} else {
		err = ch.sshSess.Close()
	}
	if err != nil && err != io.EOF {
		return ch.owner.fail(engine.CodeSocketDisconnect, err.Error())
	}
	return 0
}

func (e *Engine) ChannelWaitClosed(c engine.ChannelHandle) int {
	ch := e.channels[c]
	if ch.conn == nil {
		ch.wait()
	}
	return 0
}

func (e *Engine) ChannelFree(c engine.ChannelHandle) int {
	ch := e.channels[c]
	var err error
	if ch.conn != nil {
		err = ch.conn.Close()
	} else {
		if ch.stdin != nil {
			err = multierr.Append(err, ch.stdin.Close())
		}
		err = multierr.Append(err, ch.sshSess.Close())
	}
	delete(e.channels, c)
	if err != nil && err != io.EOF && !errors.Is(err, net.ErrClosed) {
		return ch.owner.fail(engine.CodeChannelFailure, err.Error())
	}
	return 0
}

func (e *Engine) ChannelExitStatus(c engine.ChannelHandle) int {
	ch := e.channels[c]
	ch.wait()
	return ch.exitStatus
}

func (e *Engine) ChannelExitSignal(c engine.ChannelHandle) (string, string, string, int) {
	ch := e.channels[c]
	ch.wait()
	return ch.exitSignal, ch.exitMsg, ch.exitLang, 0
}

func (e *Engine) ChannelReadWindow(c engine.ChannelHandle) (uint32, uint32, uint32) {
	// The transport library manages windows internally and does not expose
	// them; report the defaults it uses.
	return 2097152, 0, 2097152
}

func (e *Engine) ChannelWriteWindow(c engine.ChannelHandle) (uint32, uint32) {
	return 2097152, 2097152
}

func (e *Engine) ChannelReceiveWindowAdjust(c engine.ChannelHandle, adjustment uint64, force bool) (uint64, int) {
	ch := e.channels[c]
	return 0, ch.owner.fail(engine.CodeMethodNotSupported, "method not supported")
}

// shellQuote wraps a path for safe interpolation into the remote scp
// command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// readAck consumes one scp acknowledgement byte. Codes 1 and 2 are followed
// by an error message line.
func readAck(r *bufio.Reader) error {
	code, err := r.ReadByte()
	if err != nil {
		return err
	}
	if code == 0 {
		return nil
	}
	line, _ := r.ReadString('\n')
	return fmt.Errorf("scp: %s", strings.TrimSpace(line))
}

func (e *Engine) ScpRecv(h engine.SessionHandle, path string) (engine.ChannelHandle, engine.ScpStat) {
	s := e.sessions[h]
	chHandle, err := e.newSessionChannel(h)
	if err != nil {
		s.fail(engine.CodeChannelFailure, err.Error())
		return 0, engine.ScpStat{}
	}
	ch := e.channels[chHandle]
	fail := func(err error) (engine.ChannelHandle, engine.ScpStat) {
		e.ChannelFree(chHandle)
		s.fail(engine.CodeScpProtocol, err.Error())
		return 0, engine.ScpStat{}
	}
	if err := ch.sshSess.Start("scp -p -f " + shellQuote(path)); err != nil {
		return fail(err)
	}
	r := bufio.NewReader(ch.stdout)
	ch.stdout = r
	stat := engine.ScpStat{}
	for {
		if _, err := ch.stdin.Write([]byte{0}); err != nil {
			return fail(err)
		}
		line, err := r.ReadString('\n')
		if err != nil {
			return fail(err)
		}
		switch line[0] {
		case 'T':
			// "T<mtime> 0 <atime> 0"
			if _, err := fmt.Sscanf(line, "T%d 0 %d 0", &stat.Mtime, &stat.Atime); err != nil {
				return fail(err)
			}
		case 'C':
			var name string
			if _, err := fmt.Sscanf(line, "C%o %d %s", &stat.Mode, &stat.Size, &name); err != nil {
				return fail(err)
			}
			if _, err := ch.stdin.Write([]byte{0}); err != nil {
				return fail(err)
			}
			return chHandle, stat
		default:
			return fail(fmt.Errorf("scp: unexpected response %q", strings.TrimSpace(line)))
		}
	}
}

func (e *Engine) ScpSend(h engine.SessionHandle, path string, mode int, size int64, mtime, atime int64) engine.ChannelHandle {
	s := e.sessions[h]
	chHandle, err := e.newSessionChannel(h)
	if err != nil {
		s.fail(engine.CodeChannelFailure, err.Error())
		return 0
	}
	ch := e.channels[chHandle]
	fail := func(err error) engine.ChannelHandle {
		e.ChannelFree(chHandle)
		s.fail(engine.CodeScpProtocol, err.Error())
		return 0
	}
	dir, base := splitRemotePath(path)
	if err := ch.sshSess.Start("scp -p -t " + shellQuote(dir)); err != nil {
		return fail(err)
	}
	r := bufio.NewReader(ch.stdout)
	ch.stdout = r
	if err := readAck(r); err != nil {
		return fail(err)
	}
	if mtime != 0 || atime != 0 {
		if _, err := fmt.Fprintf(ch.stdin, "T%d 0 %d 0\n", mtime, atime); err != nil {
			return fail(err)
		}
		if err := readAck(r); err != nil {
			return fail(err)
		}
	}
	if _, err := fmt.Fprintf(ch.stdin, "C%04o %d %s\n", mode, size, base); err != nil {
		return fail(err)
	}
	if err := readAck(r); err != nil {
		return fail(err)
	}
	ch.scpSend = true
	return chHandle
}

// splitRemotePath splits a slash-separated remote path into directory and
// base name.
func splitRemotePath(p string) (string, string) {
	idx := strings.LastIndexByte(p, '/')
	if idx < 0 {
		return ".", p
	}
	if idx == 0 {
		return "/", p[1:]
	}
	return p[:idx], p[idx+1:]
}
