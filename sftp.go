package sshwrap

import (
	"io"
	"runtime"

	"github.com/bacalhau-project/sshwrap/engine"
	"github.com/bacalhau-project/sshwrap/logger"
)

// FileStat is the attribute record for SFTP files.
type FileStat = engine.FileAttributes

// DirEntry is one directory entry produced by Readdir.
type DirEntry struct {
	Name  string
	Attrs FileStat
}

// sftpInner is the shared cell behind an Sftp handle and its open Files.
// refs counts the owners of the engine SFTP handle: the Sftp value plus one
// per open File. The subsystem is shut down and the session reference
// released when refs reaches zero. Guarded by the session mutex.
type sftpInner struct {
	session *sessionInner
	h       engine.SftpHandle
	refs    int
}

func (si *sftpInner) retainLocked() { si.refs++ }

// releaseLocked drops an owner; the last one out shuts the subsystem down
// under forced blocking mode and returns the session's reference.
func (si *sftpInner) releaseLocked() error {
	si.refs--
	if si.refs > 0 {
		return nil
	}
	in := si.session
	var rc int
	in.forceBlockingLocked(func() {
		rc = in.eng.SftpShutdown(si.h)
	})
	var err error
	if rc < 0 {
		err = newSftpError(in.eng, in.h, si.h, rc)
	}
	if relErr := in.releaseLocked(); err == nil && relErr != nil {
		err = relErr
	}
	return err
}

// result translates an SFTP return code, resolving the precise subsystem
// cause when the generic protocol code is reported. Caller holds the session
// lock.
func (si *sftpInner) result(rc int) error {
	if rc >= 0 {
		return nil
	}
	return newSftpError(si.session.eng, si.session.h, si.h, rc)
}

// lastErrorLocked snapshots the error behind a null handle returned by an
// SFTP open call.
func (si *sftpInner) lastErrorLocked() *Error {
	eng := si.session.eng
	code, msg := eng.SessionLastError(si.session.h)
	if code == 0 {
		return errUnknown()
	}
	if code == engine.CodeSftpProtocol {
		fx := eng.SftpLastError(si.h)
		return &Error{code: code, sftpCode: fx, isSftp: true, msg: sftpMessage(fx)}
	}
	return newError(code, msg)
}

// Sftp is a handle to the SFTP subsystem of a session.
type Sftp struct {
	inner  *sftpInner
	closed bool
}

func (sf *Sftp) lock() (*sftpInner, *Error) {
	si := sf.inner
	si.session.mu.Lock()
	if sf.closed {
		si.session.mu.Unlock()
		return nil, errBadUse()
	}
	return si, nil
}

// OpenMode opens a file or directory with explicit flags, creation mode and
// open type.
func (sf *Sftp) OpenMode(path string, flags uint32, mode int64, openType int) (*File, error) {
	p, merr := marshalPath(path)
	if merr != nil {
		return nil, merr
	}
	si, lerr := sf.lock()
	if lerr != nil {
		return nil, lerr
	}
	defer si.session.mu.Unlock()
	h := si.session.eng.SftpOpen(si.h, p, flags, mode, openType)
	if h == 0 {
		return nil, si.lastErrorLocked()
	}
	si.retainLocked()
	f := &File{inner: si, h: h}
	runtime.SetFinalizer(f, func(f *File) { f.closeInternal(true) })
	return f, nil
}

// Open opens an existing file for reading.
func (sf *Sftp) Open(path string) (*File, error) {
	return sf.OpenMode(path, engine.FxfRead, 0, engine.OpenFile)
}

// Create opens a file for writing, creating it if needed and truncating it
// otherwise.
func (sf *Sftp) Create(path string) (*File, error) {
	return sf.OpenMode(path, engine.FxfWrite|engine.FxfTrunc|engine.FxfCreate, 0o644, engine.OpenFile)
}

// Opendir opens a directory for reading entries with File.ReadDirNext.
func (sf *Sftp) Opendir(path string) (*File, error) {
	return sf.OpenMode(path, 0, 0, engine.OpenDir)
}

// Readdir lists a directory, skipping the "." and ".." entries.
func (sf *Sftp) Readdir(dirname string) ([]DirEntry, error) {
	dir, err := sf.Opendir(dirname)
	if err != nil {
		return nil, err
	}
	defer dir.Close()
	var entries []DirEntry
	for {
		entry, err := dir.ReadDirNext()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		if entry.Name == "." || entry.Name == ".." {
			continue
		}
		entries = append(entries, entry)
	}
}

// Mkdir creates a directory with the given permission bits.
func (sf *Sftp) Mkdir(path string, mode int64) error {
	return sf.pathOp(path, func(si *sftpInner, p string) int {
		return si.session.eng.SftpMkdir(si.h, p, mode)
	})
}

// Rmdir removes an empty directory.
func (sf *Sftp) Rmdir(path string) error {
	return sf.pathOp(path, func(si *sftpInner, p string) int {
		return si.session.eng.SftpRmdir(si.h, p)
	})
}

// Unlink removes a file.
func (sf *Sftp) Unlink(path string) error {
	return sf.pathOp(path, func(si *sftpInner, p string) int {
		return si.session.eng.SftpUnlink(si.h, p)
	})
}

func (sf *Sftp) pathOp(path string, op func(si *sftpInner, p string) int) error {
	p, merr := marshalPath(path)
	if merr != nil {
		return merr
	}
	si, lerr := sf.lock()
	if lerr != nil {
		return lerr
	}
	defer si.session.mu.Unlock()
	return si.result(op(si, p))
}

// Stat retrieves attributes for a path, following symlinks.
func (sf *Sftp) Stat(path string) (FileStat, error) {
	return sf.statOp(path, engine.StatOpStat)
}

// Lstat retrieves attributes for a path without following symlinks.
func (sf *Sftp) Lstat(path string) (FileStat, error) {
	return sf.statOp(path, engine.StatOpLstat)
}

func (sf *Sftp) statOp(path string, op int) (FileStat, error) {
	p, merr := marshalPath(path)
	if merr != nil {
		return FileStat{}, merr
	}
	si, lerr := sf.lock()
	if lerr != nil {
		return FileStat{}, lerr
	}
	defer si.session.mu.Unlock()
	var attrs FileStat
	if rc := si.session.eng.SftpStat(si.h, p, op, &attrs); rc < 0 {
		return FileStat{}, si.result(rc)
	}
	return attrs, nil
}

// Setstat applies the flagged attributes to a path.
func (sf *Sftp) Setstat(path string, attrs FileStat) error {
	p, merr := marshalPath(path)
	if merr != nil {
		return merr
	}
	si, lerr := sf.lock()
	if lerr != nil {
		return lerr
	}
	defer si.session.mu.Unlock()
	return si.result(si.session.eng.SftpStat(si.h, p, engine.StatOpSetstat, &attrs))
}

// Symlink creates a symbolic link at path pointing to target.
func (sf *Sftp) Symlink(path, target string) error {
	p, merr := marshalPath(path)
	if merr != nil {
		return merr
	}
	t, merr := marshalPath(target)
	if merr != nil {
		return merr
	}
	si, lerr := sf.lock()
	if lerr != nil {
		return lerr
	}
	defer si.session.mu.Unlock()
	return si.result(si.session.eng.SftpSymlink(si.h, p, t))
}

// Readlink resolves the target of a symbolic link.
func (sf *Sftp) Readlink(path string) (string, error) {
	return sf.linkOp(path, engine.LinkOpReadlink)
}

// Realpath canonicalizes a path on the remote side.
func (sf *Sftp) Realpath(path string) (string, error) {
	return sf.linkOp(path, engine.LinkOpRealpath)
}

func (sf *Sftp) linkOp(path string, op int) (string, error) {
	p, merr := marshalPath(path)
	if merr != nil {
		return "", merr
	}
	si, lerr := sf.lock()
	if lerr != nil {
		return "", lerr
	}
	defer si.session.mu.Unlock()
	buf, rc := growRetry(128, func(buf []byte) (int, int) {
		n := si.session.eng.SftpReadlink(si.h, p, buf, op)
		return n, n
	})
	if rc < 0 {
		return "", si.result(rc)
	}
	return string(buf), nil
}

// Rename moves src to dst. flags is a mask of the engine.Rename* values;
// zero selects overwrite, atomic and native.
func (sf *Sftp) Rename(src, dst string, flags int64) error {
	s, merr := marshalPath(src)
	if merr != nil {
		return merr
	}
	d, merr := marshalPath(dst)
	if merr != nil {
		return merr
	}
	if flags == 0 {
		flags = engine.RenameOverwrite | engine.RenameAtomic | engine.RenameNative
	}
	si, lerr := sf.lock()
	if lerr != nil {
		return lerr
	}
	defer si.session.mu.Unlock()
	return si.result(si.session.eng.SftpRename(si.h, s, d, flags))
}

// Shutdown tears the subsystem down eagerly. It refuses with a bad-use error
// while any File opened through this handle is still open, leaving the
// subsystem fully usable. After a successful Shutdown the Sftp behaves as
// closed.
func (sf *Sftp) Shutdown() error {
	si := sf.inner
	si.session.mu.Lock()
	defer si.session.mu.Unlock()
	if sf.closed {
		return errBadUse()
	}
	if si.refs > 1 {
		return errBadUse()
	}
	sf.closed = true
	runtime.SetFinalizer(sf, nil)
	return si.releaseLocked()
}

// Close releases the Sftp's reference; the subsystem shuts down once the
// last open File is closed too. Idempotent.
func (sf *Sftp) Close() error {
	return sf.closeInternal(false)
}

func (sf *Sftp) closeInternal(implicit bool) error {
	si := sf.inner
	si.session.mu.Lock()
	defer si.session.mu.Unlock()
	if sf.closed {
		return nil
	}
	sf.closed = true
	runtime.SetFinalizer(sf, nil)
	err := si.releaseLocked()
	if err != nil && implicit {
		si.session.log.Warn("sftp cleanup failed", logger.Error(err))
		return nil
	}
	return err
}

// File is an open SFTP file or directory handle.
type File struct {
	inner  *sftpInner
	h      engine.FileHandle
	closed bool
}

func (f *File) lock() (*sftpInner, *Error) {
	si := f.inner
	si.session.mu.Lock()
	if f.closed {
		si.session.mu.Unlock()
		return nil, errBadUse()
	}
	return si, nil
}

// Read reads from the file at its current position.
func (f *File) Read(p []byte) (int, error) {
	si, lerr := f.lock()
	if lerr != nil {
		return 0, lerr
	}
	defer si.session.mu.Unlock()
	rc := si.session.eng.SftpRead(f.h, p)
	if rc < 0 {
		return 0, si.result(rc)
	}
	if rc == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return rc, nil
}

// Write writes to the file at its current position.
func (f *File) Write(p []byte) (int, error) {
	si, lerr := f.lock()
	if lerr != nil {
		return 0, lerr
	}
	defer si.session.mu.Unlock()
	rc := si.session.eng.SftpWrite(f.h, p)
	if rc < 0 {
		return 0, si.result(rc)
	}
	return rc, nil
}

// Seek repositions the file cursor. Seeking relative to the end costs a
// stat round trip to learn the file size.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	si, lerr := f.lock()
	if lerr != nil {
		return 0, lerr
	}
	defer si.session.mu.Unlock()
	eng := si.session.eng
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = int64(eng.SftpTell(f.h))
	case io.SeekEnd:
		var attrs FileStat
		if rc := eng.SftpFstat(f.h, false, &attrs); rc < 0 {
			return 0, si.result(rc)
		}
		base = int64(attrs.Size)
	default:
		return 0, errFromCode(engine.CodeInval)
	}
	target := base + offset
	if target < 0 {
		return 0, errFromCode(engine.CodeInval)
	}
	eng.SftpSeek(f.h, uint64(target))
	return target, nil
}

// Stat retrieves the attributes of the open file.
func (f *File) Stat() (FileStat, error) {
	si, lerr := f.lock()
	if lerr != nil {
		return FileStat{}, lerr
	}
	defer si.session.mu.Unlock()
	var attrs FileStat
	if rc := si.session.eng.SftpFstat(f.h, false, &attrs); rc < 0 {
		return FileStat{}, si.result(rc)
	}
	return attrs, nil
}

// Setstat applies the flagged attributes to the open file.
func (f *File) Setstat(attrs FileStat) error {
	si, lerr := f.lock()
	if lerr != nil {
		return lerr
	}
	defer si.session.mu.Unlock()
	return si.result(si.session.eng.SftpFstat(f.h, true, &attrs))
}

// Fsync asks the server to flush the file to stable storage.
func (f *File) Fsync() error {
	si, lerr := f.lock()
	if lerr != nil {
		return lerr
	}
	defer si.session.mu.Unlock()
	return si.result(si.session.eng.SftpFsync(f.h))
}

// ReadDirNext returns the next entry of a directory handle. io.EOF signals
// that no entries remain.
func (f *File) ReadDirNext() (DirEntry, error) {
	si, lerr := f.lock()
	if lerr != nil {
		return DirEntry{}, lerr
	}
	defer si.session.mu.Unlock()
	var attrs FileStat
	name, rc := growRetry(128, func(buf []byte) (int, int) {
		n := si.session.eng.SftpReaddir(f.h, buf, &attrs)
		return n, n
	})
	if rc < 0 {
		return DirEntry{}, si.result(rc)
	}
	if len(name) == 0 {
		return DirEntry{}, io.EOF
	}
	return DirEntry{Name: string(name), Attrs: attrs}, nil
}

// Close closes the file and releases its reference to the subsystem. On a
// non-blocking session a would-block failure leaves the file open so the
// close can be retried. Idempotent once it has succeeded.
func (f *File) Close() error {
	return f.closeInternal(false)
}

func (f *File) closeInternal(implicit bool) error {
	si := f.inner
	si.session.mu.Lock()
	defer si.session.mu.Unlock()
	if f.closed {
		return nil
	}
	var rc int
	if implicit {
		si.session.forceBlockingLocked(func() {
			rc = si.session.eng.SftpCloseHandle(f.h)
		})
	} else {
		rc = si.session.eng.SftpCloseHandle(f.h)
		if rc == engine.CodeEAGAIN {
			return si.result(rc)
		}
	}
	f.closed = true
	runtime.SetFinalizer(f, nil)
	var err error
	if rc < 0 {
		err = si.result(rc)
	}
	if relErr := si.releaseLocked(); err == nil && relErr != nil {
		err = relErr
	}
	if err != nil && implicit {
		si.session.log.Warn("sftp file cleanup failed", logger.Error(err))
		return nil
	}
	return err
}
