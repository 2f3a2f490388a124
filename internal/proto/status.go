package proto

// Structural failure categories carried by StatusError.
const (
	StatusOK              byte = 0
	StatusInvalidSettings byte = 1
	StatusUnsupported     byte = 2
	StatusOpenFailed      byte = 3
	StatusNoDrive         byte = 4
	StatusInternal        byte = 5
	StatusCanceled        byte = 6
)

// Commodore DOS error channel codes used by the engine.
const (
	DOSOk              = 0
	DOSFilesScratched  = 1
	DOSHeaderNotFound  = 20
	DOSNoSync          = 21
	DOSDataNotFound    = 22
	DOSChecksum        = 23
	DOSByteDecoding    = 24
	DOSVerify          = 25
	DOSWriteProtect    = 26
	DOSHeaderChecksum  = 27
	DOSLongDataBlock   = 28
	DOSIDMismatch      = 29
	DOSSyntax          = 30
	DOSDriveNotReady   = 74
	DOSIllegalTS       = 66
	DOSNoChannel       = 70
	DOSPowerUp         = 73
	MoreDataFollows    = 0xff
	errorMapOK         = 1
	firstReadErrorCode = DOSHeaderNotFound
	lastReadErrorCode  = DOSIDMismatch
)

// JobCode converts a block status to the one-byte form stored in the error
// map of a disk image: 1 means no error, DOS codes 20-29 become the drive job
// codes 2-11, GCR job codes (below 20) and everything else are kept.
func JobCode(code int) byte {
	switch {
	case code == DOSOk:
		return errorMapOK
	case code >= firstReadErrorCode && code <= lastReadErrorCode:
		return byte(code - 18)
	case code < 0 || code > 0xff:
		return 0xff
	default:
		return byte(code)
	}
}

// DOSMessage returns the error channel text for a DOS code.
func DOSMessage(code int) string {
	switch code {
	case DOSOk:
		return "OK"
	case DOSFilesScratched:
		return "FILES SCRATCHED"
	case DOSHeaderNotFound:
		return "READ ERROR"
	case DOSNoSync:
		return "READ ERROR"
	case DOSDataNotFound:
		return "READ ERROR"
	case DOSChecksum:
		return "READ ERROR"
	case DOSByteDecoding:
		return "READ ERROR"
	case DOSVerify:
		return "WRITE ERROR"
	case DOSWriteProtect:
		return "WRITE PROTECT ON"
	case DOSHeaderChecksum:
		return "READ ERROR"
	case DOSLongDataBlock:
		return "WRITE ERROR"
	case DOSIDMismatch:
		return "DISK ID MISMATCH"
	case DOSSyntax:
		return "SYNTAX ERROR"
	case DOSIllegalTS:
		return "ILLEGAL TRACK OR SECTOR"
	case DOSNoChannel:
		return "NO CHANNEL"
	case DOSPowerUp:
		return "CBM DOS EMULATION"
	case DOSDriveNotReady:
		return "DRIVE NOT READY"
	default:
		return "ERROR"
	}
}
