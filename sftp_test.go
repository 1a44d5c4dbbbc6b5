package sshwrap

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bacalhau-project/sshwrap/engine"
	"github.com/bacalhau-project/sshwrap/engine/enginetest"
)

func sftpSession(t *testing.T) (*Session, *Sftp, *enginetest.Engine) {
	t.Helper()
	sess, eng := connectedSession(t)
	eng.AddDir("/home/user")
	eng.AddFile("/home/user/notes.txt", []byte("some notes"))
	sf, err := sess.Sftp()
	require.NoError(t, err)
	return sess, sf, eng
}

func TestSftpShutdownRefusedWhileFilesOpen(t *testing.T) {
	sess, sf, eng := sftpSession(t)
	defer sess.Close()

	f, err := sf.Open("/home/user/notes.txt")
	require.NoError(t, err)

	err = sf.Shutdown()
	var werr *Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, engine.CodeBadUse, werr.Code())
	assert.Equal(t, 0, eng.CallCount("SftpShutdown"), "state must be unchanged")

	// The subsystem stays fully usable after the refusal.
	_, err = sf.Stat("/home/user/notes.txt")
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = f.Read(buf)
	require.NoError(t, err)

	require.NoError(t, f.Close())
	require.NoError(t, sf.Shutdown())
	assert.Equal(t, 1, eng.CallCount("SftpShutdown"))

	_, err = sf.Stat("/home/user/notes.txt")
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, engine.CodeBadUse, werr.Code())
}

func TestSftpSecondaryErrorCode(t *testing.T) {
	sess, sf, _ := sftpSession(t)
	defer sess.Close()
	defer sf.Close()

	_, err := sf.Open("/home/user/does-not-exist")
	var werr *Error
	require.ErrorAs(t, err, &werr)
	fx, isSftp := werr.SftpCode()
	assert.True(t, isSftp)
	assert.Equal(t, engine.FxNoSuchFile, fx)
	assert.Equal(t, engine.CodeSftpProtocol, werr.Code())
	assert.Contains(t, werr.Error(), "sftp")
}

func TestFileReadWriteSeek(t *testing.T) {
	sess, sf, _ := sftpSession(t)
	defer sess.Close()
	defer sf.Close()

	f, err := sf.Create("/home/user/out.bin")
	require.NoError(t, err)
	defer f.Close()

	n, err := f.Write([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	pos, err := f.Seek(6, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(6), pos)

	buf := make([]byte, 16)
	n, err = f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))

	pos, err = f.Seek(-5, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(6), pos)

	pos, err = f.Seek(0, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(6), pos)

	_, err = f.Seek(-100, io.SeekStart)
	require.Error(t, err)
}

func TestFileReadEOF(t *testing.T) {
	sess, sf, _ := sftpSession(t)
	defer sess.Close()
	defer sf.Close()

	f, err := sf.Open("/home/user/notes.txt")
	require.NoError(t, err)
	defer f.Close()

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "some notes", string(got))
}

func TestFileCloseWouldBlockKeepsHandleUsable(t *testing.T) {
	sess, sf, eng := sftpSession(t)
	defer sess.Close()
	defer sf.Close()

	f, err := sf.Open("/home/user/notes.txt")
	require.NoError(t, err)

	eng.QueueError("SftpCloseHandle", engine.CodeEAGAIN, "operation would block")
	err = f.Close()
	var werr *Error
	require.ErrorAs(t, err, &werr)
	assert.True(t, werr.WouldBlock())

	// The handle is still open; retrying succeeds.
	require.NoError(t, f.Close())
}

func TestReaddirSkipsDotEntries(t *testing.T) {
	sess, sf, eng := sftpSession(t)
	defer sess.Close()
	defer sf.Close()
	eng.AddFile("/home/user/a.txt", []byte("a"))
	eng.AddDir("/home/user/sub")

	entries, err := sf.Readdir("/home/user")
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	var subIsDir bool
	for _, entry := range entries {
		names = append(names, entry.Name)
		if entry.Name == "sub" {
			subIsDir = entry.Attrs.IsDir()
		}
	}
	assert.ElementsMatch(t, []string{"notes.txt", "a.txt", "sub"}, names)
	assert.True(t, subIsDir)
}

func TestStatLstatSetstat(t *testing.T) {
	sess, sf, _ := sftpSession(t)
	defer sess.Close()
	defer sf.Close()

	st, err := sf.Stat("/home/user/notes.txt")
	require.NoError(t, err)
	assert.True(t, st.IsFile())
	assert.Equal(t, uint64(10), st.Size)

	require.NoError(t, sf.Setstat("/home/user/notes.txt", FileStat{
		Flags:       engine.AttrPermissions,
		Permissions: engine.FileTypeRegular | 0o600,
	}))
	st, err = sf.Lstat("/home/user/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, engine.FileTypeRegular|uint32(0o600), st.Permissions)
}

func TestSymlinkReadlinkRealpath(t *testing.T) {
	sess, sf, _ := sftpSession(t)
	defer sess.Close()
	defer sf.Close()

	require.NoError(t, sf.Symlink("/home/user/link", "/home/user/notes.txt"))
	target, err := sf.Readlink("/home/user/link")
	require.NoError(t, err)
	assert.Equal(t, "/home/user/notes.txt", target)

	resolved, err := sf.Realpath("/home/user/link")
	require.NoError(t, err)
	assert.Equal(t, "/home/user/notes.txt", resolved)
}

func TestRealpathGrowsBuffer(t *testing.T) {
	sess, sf, eng := sftpSession(t)
	defer sess.Close()
	defer sf.Close()

	long := "/deep/" + strings.Repeat("d", 200)
	eng.AddFile(long, []byte("x"))

	resolved, err := sf.Realpath(long)
	require.NoError(t, err)
	assert.Equal(t, long, resolved)
	// The first attempt with the initial buffer is too small, the retry
	// after doubling succeeds.
	assert.Equal(t, 2, eng.CallCount("SftpReadlink"))
}

func TestMkdirRmdirUnlinkRename(t *testing.T) {
	sess, sf, _ := sftpSession(t)
	defer sess.Close()
	defer sf.Close()

	require.NoError(t, sf.Mkdir("/home/user/newdir", 0o750))
	st, err := sf.Stat("/home/user/newdir")
	require.NoError(t, err)
	assert.True(t, st.IsDir())
	require.NoError(t, sf.Rmdir("/home/user/newdir"))

	require.NoError(t, sf.Rename("/home/user/notes.txt", "/home/user/renamed.txt", 0))
	_, err = sf.Stat("/home/user/notes.txt")
	require.Error(t, err)
	require.NoError(t, sf.Unlink("/home/user/renamed.txt"))
}

func TestSftpPathWithNulByte(t *testing.T) {
	sess, sf, eng := sftpSession(t)
	defer sess.Close()
	defer sf.Close()

	_, err := sf.Open("/home/\x00user")
	var werr *Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, engine.CodeInval, werr.Code())
	assert.Equal(t, 0, eng.CallCount("SftpOpen"))
}

func TestSftpCloseReleasesAfterFiles(t *testing.T) {
	sess, sf, eng := sftpSession(t)
	defer sess.Close()

	f, err := sf.Open("/home/user/notes.txt")
	require.NoError(t, err)

	require.NoError(t, sf.Close())
	assert.Equal(t, 0, eng.CallCount("SftpShutdown"), "open file keeps the subsystem alive")

	require.NoError(t, f.Close())
	assert.Equal(t, 1, eng.CallCount("SftpShutdown"))
}
