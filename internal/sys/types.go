package sys

import "io/fs"

// HostSystem is the upper byte of "version made by" in a ZIP entry.
type HostSystem uint8

// HostSystemUNIX marks external attributes holding a Unix st_mode.
const HostSystemUNIX HostSystem = 3

// Unix constants for file types (standard POSIX)
const (
	S_IFREG = 0100000 // Regular file
	S_IFDIR = 0040000 // Directory
)

// UnixMode returns the st_mode form of mode, as stored in the upper half of
// the external attributes of a ZIP entry.
func UnixMode(mode fs.FileMode) uint32 {
	m := uint32(mode.Perm())
	if mode.IsDir() {
		return m | S_IFDIR
	}
	return m | S_IFREG
}
