package filesync

import "os"

// ADB reports raw Linux st_mode values.
const (
	modeTypeMask = 0170000
	modeSocket   = 0140000
	modeSymlink  = 0120000
	modeRegular  = 0100000
	modeBlock    = 0060000
	modeDir      = 0040000
	modeChar     = 0020000
	modeFIFO     = 0010000

	modeSetuid = 04000
	modeSetgid = 02000
	modeSticky = 01000
)

// ParseFileMode converts a Linux st_mode into an os.FileMode.
func ParseFileMode(raw uint32) os.FileMode {
	mode := os.FileMode(raw & 0777)

	switch raw & modeTypeMask {
	case modeSocket:
		mode |= os.ModeSocket
	case modeSymlink:
		mode |= os.ModeSymlink
	case modeBlock:
		mode |= os.ModeDevice
	case modeDir:
		mode |= os.ModeDir
	case modeChar:
		mode |= os.ModeDevice | os.ModeCharDevice
	case modeFIFO:
		mode |= os.ModeNamedPipe
	}

	if raw&modeSetuid != 0 {
		mode |= os.ModeSetuid
	}
	if raw&modeSetgid != 0 {
		mode |= os.ModeSetgid
	}
	if raw&modeSticky != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

// FormatFileMode is the inverse of ParseFileMode, used for the SEND header.
func FormatFileMode(mode os.FileMode) uint32 {
	raw := uint32(mode.Perm())

	switch {
	case mode&os.ModeSocket != 0:
		raw |= modeSocket
	case mode&os.ModeSymlink != 0:
		raw |= modeSymlink
	case mode&os.ModeCharDevice != 0:
		raw |= modeChar
	case mode&os.ModeDevice != 0:
		raw |= modeBlock
	case mode&os.ModeDir != 0:
		raw |= modeDir
	case mode&os.ModeNamedPipe != 0:
		raw |= modeFIFO
	default:
		raw |= modeRegular
	}

	if mode&os.ModeSetuid != 0 {
		raw |= modeSetuid
	}
	if mode&os.ModeSetgid != 0 {
		raw |= modeSetgid
	}
	if mode&os.ModeSticky != 0 {
		raw |= modeSticky
	}
	return raw
}
