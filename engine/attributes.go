package engine

// Attribute validity flags for FileAttributes.Flags.
const (
	AttrSize        uint32 = 0x00000001
	AttrUIDGID      uint32 = 0x00000002
	AttrPermissions uint32 = 0x00000004
	AttrACModTime   uint32 = 0x00000008
)

// Permission bits carried in FileAttributes.Permissions.
const (
	FileTypeMask uint32 = 0170000

	FileTypeNamedPipe   uint32 = 0010000
	FileTypeCharDevice  uint32 = 0020000
	FileTypeDirectory   uint32 = 0040000
	FileTypeBlockDevice uint32 = 0060000
	FileTypeRegular     uint32 = 0100000
	FileTypeSymlink     uint32 = 0120000
	FileTypeSocket      uint32 = 0140000
)

// FileAttributes is the stat record exchanged with the engine for SFTP
// operations. Only fields whose bit is set in Flags carry meaning; when
// applying attributes (setstat style calls) the engine touches only flagged
// fields.
type FileAttributes struct {
	Flags       uint32
	Size        uint64
	UID         uint32
	GID         uint32
	Permissions uint32
	Atime       uint64
	Mtime       uint64
}

// HasSize reports whether Size is meaningful.
func (a *FileAttributes) HasSize() bool { return a.Flags&AttrSize != 0 }

// HasPermissions reports whether Permissions is meaningful.
func (a *FileAttributes) HasPermissions() bool { return a.Flags&AttrPermissions != 0 }

// FileType extracts the file type bits from Permissions.
func (a *FileAttributes) FileType() uint32 {
	return a.Permissions & FileTypeMask
}

// IsDir reports whether the record describes a directory.
func (a *FileAttributes) IsDir() bool {
	return a.HasPermissions() && a.FileType() == FileTypeDirectory
}

// IsFile reports whether the record describes a regular file.
func (a *FileAttributes) IsFile() bool {
	return a.HasPermissions() && a.FileType() == FileTypeRegular
}

// IsSymlink reports whether the record describes a symbolic link.
func (a *FileAttributes) IsSymlink() bool {
	return a.HasPermissions() && a.FileType() == FileTypeSymlink
}
