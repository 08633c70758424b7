// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gsf

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// Time conversion functions
func timeToMsDos(t time.Time) (dosDate uint16, dosTime uint16) {
	if t.IsZero() || t.Year() < 1980 {
		// 1980-01-01 00:00:00, the DOS epoch
		return 1<<5 | 1, 0
	}

	year := min(t.Year()-1980, 127)
	month := uint16(t.Month())
	day := uint16(t.Day())
	hour := uint16(t.Hour())
	minute := uint16(t.Minute())
	second := uint16(t.Second())

	dosDate = uint16(year)<<9 | month<<5 | day
	dosTime = hour<<11 | minute<<5 | second/2
	return dosDate, dosTime
}

// 116444736000000000 is the number of 100ns intervals between
// Jan 1, 1601 (UTC) and Jan 1, 1970 (UTC).
const filetimeUnixOffset = 116444736000000000

// timeToWinFiletime converts t to Windows FILETIME (100ns ticks since 1601).
// The zero time maps to 0, which CFB readers treat as "not set".
func timeToWinFiletime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	ticks := t.Unix()*10000000 + int64(t.Nanosecond()/100)
	if ticks < -filetimeUnixOffset {
		return 0
	}
	return uint64(ticks + filetimeUnixOffset)
}

// guidBytes lays out id the way Windows stores a GUID: the first three
// groups little-endian, the last eight bytes as-is.
func guidBytes(id uuid.UUID) [16]byte {
	var b [16]byte
	if id == uuid.Nil {
		return b
	}
	binary.LittleEndian.PutUint32(b[0:4], binary.BigEndian.Uint32(id[0:4]))
	binary.LittleEndian.PutUint16(b[4:6], binary.BigEndian.Uint16(id[4:6]))
	binary.LittleEndian.PutUint16(b[6:8], binary.BigEndian.Uint16(id[6:8]))
	copy(b[8:], id[8:])
	return b
}
