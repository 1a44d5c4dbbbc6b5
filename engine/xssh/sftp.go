package xssh

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/pkg/sftp"

	"github.com/bacalhau-project/sshwrap/engine"
)

type sftpState struct {
	owner  *session
	client *sftp.Client
	lastFx uint32
}

type fileState struct {
	sf   *sftpState
	file *sftp.File
	path string

	dir     bool
	entries []os.FileInfo
	pos     int
}

// fail records an SFTP failure in both error namespaces: the precise
// subsystem code on the handle and the generic protocol code on the session.
func (sf *sftpState) fail(err error) int {
	sf.lastFx = fxCode(err)
	sf.owner.lastCode = engine.CodeSftpProtocol
	sf.owner.lastMsg = err.Error()
	return engine.CodeSftpProtocol
}

// fxCode maps a client error to the SFTP status namespace.
func fxCode(err error) uint32 {
	var status *sftp.StatusError
	if errors.As(err, &status) {
		return status.Code
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return engine.FxNoSuchFile
	case errors.Is(err, os.ErrPermission):
		return engine.FxPermissionDenied
	case errors.Is(err, io.EOF):
		return engine.FxEOF
	default:
		return engine.FxFailure
	}
}

func (e *Engine) SftpInit(h engine.SessionHandle) engine.SftpHandle {
	s := e.sessions[h]
	if s.client == nil {
		s.fail(engine.CodeSocketNone, "session not connected")
		return 0
	}
	client, err := sftp.NewClient(s.client)
	if err != nil {
		s.fail(engine.CodeSftpProtocol, err.Error())
		return 0
	}
	sh := engine.SftpHandle(e.mint())
	e.sftps[sh] = &sftpState{owner: s, client: client}
	return sh
}

func (e *Engine) SftpShutdown(h engine.SftpHandle) int {
	sf := e.sftps[h]
	err := sf.client.Close()
	delete(e.sftps, h)
	if err != nil {
		return sf.fail(err)
	}
	return 0
}

func (e *Engine) SftpLastError(h engine.SftpHandle) uint32 {
	return e.sftps[h].lastFx
}

func openFlags(flags uint32) int {
	var f int
	switch {
	case flags&engine.FxfRead != 0 && flags&engine.FxfWrite != 0:
		f = os.O_RDWR
	case flags&engine.FxfWrite != 0:
		f = os.O_WRONLY
	default:
		f = os.O_RDONLY
	}
	if flags&engine.FxfAppend != 0 {
		f |= os.O_APPEND
	}
	if flags&engine.FxfCreate != 0 {
		f |= os.O_CREATE
	}
	if flags&engine.FxfTrunc != 0 {
		f |= os.O_TRUNC
	}
	if flags&engine.FxfExcl != 0 {
		f |= os.O_EXCL
	}
	return f
}

func (e *Engine) SftpOpen(h engine.SftpHandle, filename string, flags uint32, mode int64, openType int) engine.FileHandle {
	sf := e.sftps[h]
	if openType == engine.OpenDir {
		entries, err := sf.client.ReadDir(filename)
		if err != nil {
			sf.fail(err)
			return 0
		}
		fh := engine.FileHandle(e.mint())
		e.files[fh] = &fileState{sf: sf, path: filename, dir: true, entries: entries}
		return fh
	}
	file, err := sf.client.OpenFile(filename, openFlags(flags))
	if err != nil {
		sf.fail(err)
		return 0
	}
	if flags&engine.FxfCreate != 0 && mode != 0 {
		if err := sf.client.Chmod(filename, os.FileMode(mode&0o777)); err != nil {
			file.Close()
			sf.fail(err)
			return 0
		}
	}
	fh := engine.FileHandle(e.mint())
	e.files[fh] = &fileState{sf: sf, file: file, path: filename}
	return fh
}

func (e *Engine) SftpCloseHandle(f engine.FileHandle) int {
	fs := e.files[f]
	delete(e.files, f)
	if fs.dir {
		return 0
	}
	if err := fs.file.Close(); err != nil {
		return fs.sf.fail(err)
	}
	return 0
}

func (e *Engine) SftpRead(f engine.FileHandle, buf []byte) int {
	fs := e.files[f]
	n, err := fs.file.Read(buf)
	if n > 0 {
		return n
	}
	if err == io.EOF || err == nil {
		return 0
	}
	return fs.sf.fail(err)
}

func (e *Engine) SftpWrite(f engine.FileHandle, data []byte) int {
	fs := e.files[f]
	n, err := fs.file.Write(data)
	if err != nil {
		return fs.sf.fail(err)
	}
	return n
}

func (e *Engine) SftpSeek(f engine.FileHandle, offset uint64) {
	fs := e.files[f]
	fs.file.Seek(int64(offset), io.SeekStart) //nolint:errcheck
}

func (e *Engine) SftpTell(f engine.FileHandle) uint64 {
	fs := e.files[f]
	pos, err := fs.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0
	}
	return uint64(pos)
}

// infoToAttrs converts a client stat record to the engine attribute format.
func infoToAttrs(fi os.FileInfo) engine.FileAttributes {
	attrs := engine.FileAttributes{
		Flags: engine.AttrSize | engine.AttrPermissions | engine.AttrACModTime,
		Size:  uint64(fi.Size()),
		Mtime: uint64(fi.ModTime().Unix()),
	}
	if st, ok := fi.Sys().(*sftp.FileStat); ok {
		attrs.Flags |= engine.AttrUIDGID
		attrs.UID = st.UID
		attrs.GID = st.GID
		attrs.Permissions = st.Mode
		attrs.Atime = uint64(st.Atime)
		return attrs
	}
	attrs.Permissions = uint32(fi.Mode().Perm())
	if fi.IsDir() {
		attrs.Permissions |= engine.FileTypeDirectory
	} else {
		attrs.Permissions |= engine.FileTypeRegular
	}
	return attrs
}

func (e *Engine) SftpFstat(f engine.FileHandle, set bool, attrs *engine.FileAttributes) int {
	fs := e.files[f]
	if !set {
		fi, err := fs.file.Stat()
		if err != nil {
			return fs.sf.fail(err)
		}
		*attrs = infoToAttrs(fi)
		return 0
	}
	return applyPathAttrs(fs.sf, fs.path, attrs)
}

// applyPathAttrs applies the flagged attribute fields one request at a time,
// the way the subsystem protocol models setstat.
func applyPathAttrs(sf *sftpState, path string, attrs *engine.FileAttributes) int {
	if attrs.Flags&engine.AttrSize != 0 {
		if err := sf.client.Truncate(path, int64(attrs.Size)); err != nil {
			return sf.fail(err)
		}
	}
	if attrs.Flags&engine.AttrPermissions != 0 {
		if err := sf.client.Chmod(path, os.FileMode(attrs.Permissions&0o777)); err != nil {
			return sf.fail(err)
		}
	}
	if attrs.Flags&engine.AttrUIDGID != 0 {
		if err := sf.client.Chown(path, int(attrs.UID), int(attrs.GID)); err != nil {
			return sf.fail(err)
		}
	}
	if attrs.Flags&engine.AttrACModTime != 0 {
		atime := time.Unix(int64(attrs.Atime), 0)
		mtime := time.Unix(int64(attrs.Mtime), 0)
		if err := sf.client.Chtimes(path, atime, mtime); err != nil {
			return sf.fail(err)
		}
	}
	return 0
}

func (e *Engine) SftpFsync(f engine.FileHandle) int {
	fs := e.files[f]
	if err := fs.file.Sync(); err != nil {
		return fs.sf.fail(err)
	}
	return 0
}

func (e *Engine) SftpReaddir(f engine.FileHandle, buf []byte, attrs *engine.FileAttributes) int {
	fs := e.files[f]
	if fs.pos >= len(fs.entries) {
		return 0
	}
	fi := fs.entries[fs.pos]
	name := fi.Name()
	if len(name) > len(buf) {
		return engine.CodeBufferTooSmall
	}
	fs.pos++
	copy(buf, name)
	*attrs = infoToAttrs(fi)
	return len(name)
}

func (e *Engine) SftpStat(h engine.SftpHandle, path string, op int, attrs *engine.FileAttributes) int {
	sf := e.sftps[h]
	switch op {
	case engine.StatOpStat:
		fi, err := sf.client.Stat(path)
		if err != nil {
			return sf.fail(err)
		}
		*attrs = infoToAttrs(fi)
	case engine.StatOpLstat:
		fi, err := sf.client.Lstat(path)
		if err != nil {
			return sf.fail(err)
		}
		*attrs = infoToAttrs(fi)
	case engine.StatOpSetstat:
		return applyPathAttrs(sf, path, attrs)
	}
	return 0
}

func (e *Engine) SftpMkdir(h engine.SftpHandle, path string, mode int64) int {
	sf := e.sftps[h]
	if err := sf.client.Mkdir(path); err != nil {
		return sf.fail(err)
	}
	if err := sf.client.Chmod(path, os.FileMode(mode&0o777)); err != nil {
		return sf.fail(err)
	}
	return 0
}

func (e *Engine) SftpRmdir(h engine.SftpHandle, path string) int {
	sf := e.sftps[h]
	if err := sf.client.RemoveDirectory(path); err != nil {
		return sf.fail(err)
	}
	return 0
}

func (e *Engine) SftpUnlink(h engine.SftpHandle, path string) int {
	sf := e.sftps[h]
	if err := sf.client.Remove(path); err != nil {
		return sf.fail(err)
	}
	return 0
}

func (e *Engine) SftpRename(h engine.SftpHandle, src, dst string, flags int64) int {
	sf := e.sftps[h]
	var err error
	if flags&engine.RenameOverwrite != 0 {
		err = sf.client.PosixRename(src, dst)
	} else {
		err = sf.client.Rename(src, dst)
	}
	if err != nil {
		return sf.fail(err)
	}
	return 0
}

func (e *Engine) SftpSymlink(h engine.SftpHandle, path, target string) int {
	sf := e.sftps[h]
	if err := sf.client.Symlink(target, path); err != nil {
		return sf.fail(err)
	}
	return 0
}

func (e *Engine) SftpReadlink(h engine.SftpHandle, path string, buf []byte, op int) int {
	sf := e.sftps[h]
	var result string
	var err error
	switch op {
	case engine.LinkOpReadlink:
		result, err = sf.client.ReadLink(path)
	case engine.LinkOpRealpath:
		result, err = sf.client.RealPath(path)
	}
	if err != nil {
		return sf.fail(err)
	}
	if len(result) > len(buf) {
		return engine.CodeBufferTooSmall
	}
	copy(buf, result)
	return len(result)
}
