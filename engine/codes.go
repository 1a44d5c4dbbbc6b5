package engine

// Engine-level status codes. Non-negative values are success (and, for read
// and write style calls, byte counts); negative values identify failures.
// The numbering matches the wire-tested values of the wrapped library so
// that codes can be logged and compared against its documentation.
const (
	CodeNone                  = 0
	CodeSocketNone            = -1
	CodeBannerRecv            = -2
	CodeBannerSend            = -3
	CodeInvalidMAC            = -4
	CodeKexFailure            = -5
	CodeAlloc                 = -6
	CodeSocketSend            = -7
	CodeKeyExchangeFailure    = -8
	CodeTimeout               = -9
	CodeHostkeyInit           = -10
	CodeHostkeySign           = -11
	CodeDecrypt               = -12
	CodeSocketDisconnect      = -13
	CodeProto                 = -14
	CodePasswordExpired       = -15
	CodeFile                  = -16
	CodeMethodNone            = -17
	CodeAuthenticationFailed  = -18
	CodePublickeyUnverified   = -19
	CodeChannelOutOfOrder     = -20
	CodeChannelFailure        = -21
	CodeChannelRequestDenied  = -22
	CodeChannelUnknown        = -23
	CodeChannelWindowExceeded = -24
	CodeChannelPacketExceeded = -25
	CodeChannelClosed         = -26
	CodeChannelEOFSent        = -27
	CodeScpProtocol           = -28
	CodeZlib                  = -29
	CodeSocketTimeout         = -30
	CodeSftpProtocol          = -31
	CodeRequestDenied         = -32
	CodeMethodNotSupported    = -33
	CodeInval                 = -34
	CodeInvalidPollType       = -35
	CodePublickeyProtocol     = -36
	CodeEAGAIN                = -37
	CodeBufferTooSmall        = -38
	CodeBadUse                = -39
	CodeCompress              = -40
	CodeOutOfBoundary         = -41
	CodeAgentProtocol         = -42
	CodeSocketRecv            = -43
	CodeEncrypt               = -44
	CodeBadSocket             = -45
	CodeKnownHosts            = -46
)

// SFTP subsystem status codes, a numbering space distinct from the engine
// codes above. Reached via SftpLastError when an SFTP call fails with
// CodeSftpProtocol.
const (
	FxOK                  uint32 = 0
	FxEOF                 uint32 = 1
	FxNoSuchFile          uint32 = 2
	FxPermissionDenied    uint32 = 3
	FxFailure             uint32 = 4
	FxBadMessage          uint32 = 5
	FxNoConnection        uint32 = 6
	FxConnectionLost      uint32 = 7
	FxOpUnsupported       uint32 = 8
	FxInvalidHandle       uint32 = 9
	FxNoSuchPath          uint32 = 10
	FxFileAlreadyExists   uint32 = 11
	FxWriteProtect        uint32 = 12
	FxNoMedia             uint32 = 13
	FxNoSpaceOnFilesystem uint32 = 14
	FxQuotaExceeded       uint32 = 15
	FxUnknownPrincipal    uint32 = 16
	FxLockConflict        uint32 = 17
	FxDirNotEmpty         uint32 = 18
	FxNotADirectory       uint32 = 19
	FxInvalidFilename     uint32 = 20
	FxLinkLoop            uint32 = 21
)

// File open flags for SftpOpen.
const (
	FxfRead   uint32 = 0x00000001
	FxfWrite  uint32 = 0x00000002
	FxfAppend uint32 = 0x00000004
	FxfCreate uint32 = 0x00000008
	FxfTrunc  uint32 = 0x00000010
	FxfExcl   uint32 = 0x00000020
)

// Open types for SftpOpen.
const (
	OpenFile = 0
	OpenDir  = 1
)

// Path stat operations for SftpStat.
const (
	StatOpStat    = 0
	StatOpLstat   = 1
	StatOpSetstat = 2
)

// Link operations for SftpReadlink.
const (
	LinkOpReadlink = 1
	LinkOpRealpath = 2
)

// Rename flags for SftpRename.
const (
	RenameOverwrite int64 = 0x1
	RenameAtomic    int64 = 0x2
	RenameNative    int64 = 0x4
)

// Blocked transport directions reported by SessionBlockDirections.
const (
	BlockInbound  = 1
	BlockOutbound = 2
)

// Session flags for SessionSetFlag.
const (
	FlagSigpipe  = 1
	FlagCompress = 2
)

// Stream ids for ChannelRead/ChannelWrite/ChannelFlush.
const (
	// ExtendedDataStderr is the stream id of the stderr substream.
	ExtendedDataStderr = 1

	// FlushExtendedData and FlushAll flush groups of substreams when passed
	// to ChannelFlush.
	FlushExtendedData = -1
	FlushAll          = -2
)

// Extended data handling modes for ChannelHandleExtendedData.
const (
	ExtendedDataNormal = 0
	ExtendedDataIgnore = 1
	ExtendedDataMerge  = 2
)

// HostKeyType identifies the algorithm of a host key.
type HostKeyType int

const (
	HostKeyTypeUnknown HostKeyType = iota
	HostKeyTypeRsa
	HostKeyTypeDss
	HostKeyTypeEcdsa256
	HostKeyTypeEcdsa384
	HostKeyTypeEcdsa521
	HostKeyTypeEd25519
)

// HashType selects a host key digest for SessionHostKeyHash.
type HashType int

const (
	HashMd5 HashType = iota + 1
	HashSha1
	HashSha256
)

// MethodType identifies a negotiable transport parameter.
type MethodType int

const (
	MethodKex MethodType = iota
	MethodHostKey
	MethodCryptCs
	MethodCryptSc
	MethodMacCs
	MethodMacSc
	MethodCompCs
	MethodCompSc
	MethodLangCs
	MethodLangSc
)

// Disconnect reason codes for SessionDisconnect.
const (
	DisconnectHostNotAllowedToConnect     = 1
	DisconnectProtocolError               = 2
	DisconnectKeyExchangeFailed           = 3
	DisconnectReserved                    = 4
	DisconnectMacError                    = 5
	DisconnectCompressionError            = 6
	DisconnectServiceNotAvailable         = 7
	DisconnectProtocolVersionNotSupported = 8
	DisconnectHostKeyNotVerifiable        = 9
	DisconnectConnectionLost              = 10
	DisconnectByApplication               = 11
	DisconnectTooManyConnections          = 12
	DisconnectAuthCancelledByUser         = 13
	DisconnectNoMoreAuthMethodsAvailable  = 14
	DisconnectIllegalUserName             = 15
)

// Known-hosts file kinds.
const (
	KnownHostFileOpenSSH = 1
)

// Known-hosts key formats for KnownHostAdd.
const (
	KnownHostKeyFormatRsa1    = 1
	KnownHostKeyFormatSshRsa  = 2
	KnownHostKeyFormatSshDss  = 3
	KnownHostKeyFormatUnknown = 0
)

// KnownHostCheck results.
const (
	CheckMatch    = 0
	CheckMismatch = 1
	CheckNotFound = 2
	CheckFailure  = 3
)
