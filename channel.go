package sshwrap

import (
	"io"
	"runtime"

	"github.com/bacalhau-project/sshwrap/engine"
	"github.com/bacalhau-project/sshwrap/logger"
)

// Channel is a bidirectional SSH channel. Stream 0 is the main data stream;
// extended streams are addressed by id, with stderr at
// engine.ExtendedDataStderr. The Channel itself reads and writes stream 0.
type Channel struct {
	inner  *sessionInner
	h      engine.ChannelHandle
	closed bool

	// limited caps reads at limit remaining bytes. Set on SCP receive
	// channels, where the server appends a trailing byte after the declared
	// file size that must never reach the caller. A declared size of zero is
	// still a cap, so limited is carried separately from the count.
	limited bool
	limit   int64
}

// newChannelLocked wraps a raw channel handle. A null handle turns into the
// error captured on the session at the moment of failure, snapshotted before
// anything else can overwrite it. Caller holds the session lock.
func newChannelLocked(in *sessionInner, h engine.ChannelHandle, limited bool, readLimit int64) (*Channel, error) {
	if h == 0 {
		if err := lastSessionError(in.eng, in.h); err != nil {
			return nil, err
		}
		return nil, errUnknown()
	}
	in.retainLocked()
	c := &Channel{inner: in, h: h, limited: limited, limit: readLimit}
	runtime.SetFinalizer(c, func(c *Channel) { c.closeInternal(true) })
	return c, nil
}

func (c *Channel) lock() (*sessionInner, *Error) {
	in := c.inner
	in.mu.Lock()
	if c.closed {
		in.mu.Unlock()
		return nil, errBadUse()
	}
	return in, nil
}

// Exec asks the remote end to run a command on this channel.
func (c *Channel) Exec(command string) error {
	return c.ProcessStartup("exec", command)
}

// Shell asks the remote end to start the user's default shell.
func (c *Channel) Shell() error {
	return c.ProcessStartup("shell", "")
}

// Subsystem asks the remote end to start the named subsystem.
func (c *Channel) Subsystem(name string) error {
	return c.ProcessStartup("subsystem", name)
}

// ProcessStartup issues a process service request: "exec", "shell" or
// "subsystem".
func (c *Channel) ProcessStartup(request, message string) error {
	if err := checkString(request); err != nil {
		return err
	}
	if err := checkString(message); err != nil {
		return err
	}
	in, lerr := c.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.ChannelProcessStartup(c.h, request, message))
}

// Setenv sets an environment variable for the process to be started.
func (c *Channel) Setenv(name, value string) error {
	if err := checkString(name); err != nil {
		return err
	}
	if err := checkString(value); err != nil {
		return err
	}
	in, lerr := c.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.ChannelSetenv(c.h, name, value))
}

// RequestPty requests a pseudo-terminal. modes carries encoded terminal
// modes and may be nil; zero dimensions leave the server defaults.
func (c *Channel) RequestPty(term string, modes []byte, width, height, widthPx, heightPx int) error {
	if err := checkString(term); err != nil {
		return err
	}
	in, lerr := c.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.ChannelRequestPty(c.h, term, modes, width, height, widthPx, heightPx))
}

// RequestPtySize resizes a previously requested pseudo-terminal.
func (c *Channel) RequestPtySize(width, height, widthPx, heightPx int) error {
	in, lerr := c.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.ChannelRequestPtySize(c.h, width, height, widthPx, heightPx))
}

// RequestAuthAgentForwarding asks the remote end to forward agent requests
// back to the local ssh-agent.
func (c *Channel) RequestAuthAgentForwarding() error {
	in, lerr := c.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.ChannelRequestAuthAgent(c.h))
}

// HandleExtendedData changes how extended data like stderr is delivered; see
// the engine.ExtendedData* modes.
func (c *Channel) HandleExtendedData(mode int) error {
	in, lerr := c.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.ChannelHandleExtendedData(c.h, mode))
}

// Stream returns a reader/writer for the substream with the given id.
// Closing the Channel invalidates its streams.
func (c *Channel) Stream(id int) *Stream {
	return &Stream{channel: c, id: id}
}

// Stderr returns the stderr substream.
func (c *Channel) Stderr() *Stream {
	return c.Stream(engine.ExtendedDataStderr)
}

// Read reads from the main data stream.
func (c *Channel) Read(p []byte) (int, error) {
	return c.readStream(0, p)
}

// Write writes to the main data stream.
func (c *Channel) Write(p []byte) (int, error) {
	return c.writeStream(0, p)
}

func (c *Channel) readStream(streamID int, p []byte) (int, error) {
	in, lerr := c.lock()
	if lerr != nil {
		return 0, lerr
	}
	defer in.mu.Unlock()
	if c.limited {
		if c.limit == 0 {
			return 0, io.EOF
		}
		if int64(len(p)) > c.limit {
			p = p[:c.limit]
		}
	}
	rc := in.eng.ChannelRead(c.h, streamID, p)
	if rc < 0 {
		return 0, in.result(rc)
	}
	if c.limited {
		c.limit -= int64(rc)
	}
	if rc == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return rc, nil
}

func (c *Channel) writeStream(streamID int, p []byte) (int, error) {
	in, lerr := c.lock()
	if lerr != nil {
		return 0, lerr
	}
	defer in.mu.Unlock()
	rc := in.eng.ChannelWrite(c.h, streamID, p)
	if rc < 0 {
		return 0, in.result(rc)
	}
	return rc, nil
}

func (c *Channel) flushStream(streamID int) error {
	in, lerr := c.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.ChannelFlush(c.h, streamID))
}

// Flush drains pending data on the main stream.
func (c *Channel) Flush() error {
	return c.flushStream(0)
}

// ExitStatus returns the exit status of the remote process once it has
// finished.
func (c *Channel) ExitStatus() (int, error) {
	in, lerr := c.lock()
	if lerr != nil {
		return 0, lerr
	}
	defer in.mu.Unlock()
	rc := in.eng.ChannelExitStatus(c.h)
	if err := lastSessionError(in.eng, in.h); err != nil {
		return 0, err
	}
	return rc, nil
}

// ExitSignal describes how a remote process was terminated by a signal.
type ExitSignal struct {
	// Signal is the name of the terminating signal, empty when the process
	// exited normally.
	Signal       string
	ErrorMessage string
	LangTag      string
}

// ExitSignal returns the signal termination record of the remote process.
func (c *Channel) ExitSignal() (ExitSignal, error) {
	in, lerr := c.lock()
	if lerr != nil {
		return ExitSignal{}, lerr
	}
	defer in.mu.Unlock()
	sig, errMsg, lang, rc := in.eng.ChannelExitSignal(c.h)
	if rc < 0 {
		return ExitSignal{}, in.result(rc)
	}
	return ExitSignal{Signal: sig, ErrorMessage: errMsg, LangTag: lang}, nil
}

// ReadWindow describes the receive window of a channel.
type ReadWindow struct {
	Remaining uint32
	Available uint32
	Initial   uint32
}

// WriteWindow describes the send window of a channel.
type WriteWindow struct {
	Remaining uint32
	Initial   uint32
}

// ReadWindow reports the state of the receive window.
func (c *Channel) ReadWindow() ReadWindow {
	in := c.inner
	in.mu.Lock()
	defer in.mu.Unlock()
	if c.closed {
		return ReadWindow{}
	}
	remaining, available, initial := in.eng.ChannelReadWindow(c.h)
	return ReadWindow{Remaining: remaining, Available: available, Initial: initial}
}

// WriteWindow reports the state of the send window.
func (c *Channel) WriteWindow() WriteWindow {
	in := c.inner
	in.mu.Lock()
	defer in.mu.Unlock()
	if c.closed {
		return WriteWindow{}
	}
	remaining, initial := in.eng.ChannelWriteWindow(c.h)
	return WriteWindow{Remaining: remaining, Initial: initial}
}

// AdjustReceiveWindow grows the receive window by adjustment bytes and
// returns the new size.
func (c *Channel) AdjustReceiveWindow(adjustment uint64, force bool) (uint64, error) {
	in, lerr := c.lock()
	if lerr != nil {
		return 0, lerr
	}
	defer in.mu.Unlock()
	window, rc := in.eng.ChannelReceiveWindowAdjust(c.h, adjustment, force)
	if rc < 0 {
		return 0, in.result(rc)
	}
	return window, nil
}

// EOF reports whether the remote end has announced end of stream. A capped
// channel whose budget is exhausted reports EOF regardless of wire state.
func (c *Channel) EOF() bool {
	in := c.inner
	in.mu.Lock()
	defer in.mu.Unlock()
	if c.closed {
		return true
	}
	if c.limited && c.limit == 0 {
		return true
	}
	return in.eng.ChannelEOF(c.h)
}

// SendEOF announces that no more data will be written to the channel.
func (c *Channel) SendEOF() error {
	in, lerr := c.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.ChannelSendEOF(c.h))
}

// WaitEOF blocks until the remote end announces end of stream.
func (c *Channel) WaitEOF() error {
	in, lerr := c.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.ChannelWaitEOF(c.h))
}

// CloseChannel sends the channel close message. The handle stays allocated
// until Close releases it.
func (c *Channel) CloseChannel() error {
	in, lerr := c.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.ChannelClose(c.h))
}

// WaitClosed blocks until the remote end acknowledges the close.
func (c *Channel) WaitClosed() error {
	in, lerr := c.lock()
	if lerr != nil {
		return lerr
	}
	defer in.mu.Unlock()
	return in.result(in.eng.ChannelWaitClosed(c.h))
}

// Close releases the channel handle and its reference to the session. Close
// is idempotent; the first call wins.
func (c *Channel) Close() error {
	return c.closeInternal(false)
}

func (c *Channel) closeInternal(implicit bool) error {
	in := c.inner
	in.mu.Lock()
	defer in.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	runtime.SetFinalizer(c, nil)
	var rc int
	in.forceBlockingLocked(func() {
		rc = in.eng.ChannelFree(c.h)
	})
	var freeErr error
	if rc < 0 {
		freeErr = newSessionError(in.eng, in.h, rc)
	}
	relErr := in.releaseLocked()
	if freeErr == nil && relErr != nil {
		freeErr = relErr
	}
	if freeErr != nil && implicit {
		in.log.Warn("channel cleanup failed", logger.Error(freeErr))
		return nil
	}
	return freeErr
}

// Stream addresses one substream of a Channel.
type Stream struct {
	channel *Channel
	id      int
}

// Read reads from the substream.
func (s *Stream) Read(p []byte) (int, error) {
	return s.channel.readStream(s.id, p)
}

// Write writes to the substream.
func (s *Stream) Write(p []byte) (int, error) {
	return s.channel.writeStream(s.id, p)
}

// Flush drains pending data on the substream.
func (s *Stream) Flush() error {
	return s.channel.flushStream(s.id)
}
