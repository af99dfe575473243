// Package arcfmt holds the data model shared by the archive codecs in this
// module: the per-entry metadata record, the directive values every
// Process call reports, and the semantic error kinds.
//
// The codecs themselves live in the format subpackages (gz, xz, tar, iso,
// sevenz, zip). They never perform I/O: a reader consumes caller-supplied
// byte chunks and answers with a [Result] telling the caller what to do
// next (feed more bytes, seek, collect output, ...); a writer produces
// byte chunks the same way. All state needed to resume lives inside the
// reader or writer between calls.
package arcfmt

import (
	"time"

	"github.com/rs/zerolog"
)

// Result is the directive returned by a codec's Process method.
type Result uint8

const (
	// More means the codec needs more input bytes (reader) or more file
	// data (writer) before it can make progress.
	More Result = iota

	// Seek means the caller must provide the next input from the absolute
	// offset reported by the codec's Offset method, or write the next
	// output chunk at that offset.
	Seek

	// Info means archive-level metadata is available (gz header, xz index,
	// ISO volume descriptor).
	Info

	// FileHeader means a file entry's metadata is available.
	FileHeader

	// ListEnd means the archive's table of contents has been fully
	// enumerated; per-file reads may begin.
	ListEnd

	// Data means the codec produced a chunk of output bytes.
	Data

	// FileDone means the current file's data is complete.
	FileDone

	// Done means the whole archive is complete.
	Done

	// Warning reports a recoverable defect (typically a data CRC
	// mismatch); processing may continue.
	Warning

	// Error reports a fatal defect for the current entry or archive.
	Error
)

var resultNames = [...]string{
	More:       "more",
	Seek:       "seek",
	Info:       "info",
	FileHeader: "fileheader",
	ListEnd:    "listend",
	Data:       "data",
	FileDone:   "filedone",
	Done:       "done",
	Warning:    "warning",
	Error:      "error",
}

func (r Result) String() string {
	if int(r) < len(resultNames) {
		return resultNames[r]
	}
	return "invalid"
}

// UnknownSize is passed as the total-size hint when the caller cannot
// determine the input length; readers that would otherwise seek to a
// trailer first then start from offset zero instead.
const UnknownSize int64 = -1

// File is the common per-entry record. Format packages embed it in their
// entry types and fill the fields their container carries; absent fields
// are zero.
type File struct {
	// Name is the entry path, UTF-8, normalized to forward slashes with
	// relative elements resolved.
	Name string

	// Mtime is the modification time at whatever resolution the container
	// stores (2 s for zip DOS times, 1 s for tar and ISO, 100 ns for 7z).
	Mtime time.Time

	// Attr holds POSIX mode bits (file type in the 0170000 nibble),
	// WinAttr the FAT/NTFS attribute byte. A container fills one or both.
	Attr    uint32
	WinAttr uint32

	UID uint32
	GID uint32

	// Size is the uncompressed byte count.
	Size uint64

	// CRC is the CRC-32 (IEEE) of the uncompressed data, when the
	// container declares one.
	CRC uint32
}

// IsDir reports whether the entry is a directory under either attribute
// convention.
func (f *File) IsDir() bool {
	return f.Attr&0170000 == 0040000 || f.WinAttr&0x10 != 0
}

// MarshalZerologObject implements [zerolog.LogObjectMarshaler].
func (f *File) MarshalZerologObject(e *zerolog.Event) {
	e.Str("name", f.Name).
		Uint64("size", f.Size).
		Time("mtime", f.Mtime)
	if f.Attr != 0 {
		e.Uint32("attr", f.Attr)
	}
	if f.WinAttr != 0 {
		e.Uint32("winattr", f.WinAttr)
	}
}
