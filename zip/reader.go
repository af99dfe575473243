package zip

import (
	"bytes"
	"context"
	"hash/crc32"
	"time"
	"unicode/utf8"

	"github.com/quay/zlog"

	"github.com/arcfmt/arcfmt"
	"github.com/arcfmt/arcfmt/internal/filter"
	"github.com/arcfmt/arcfmt/internal/fspath"
	"github.com/arcfmt/arcfmt/internal/gather"
	"github.com/arcfmt/arcfmt/internal/names"
)

// ReaderOpts configures a [Reader].
type ReaderOpts struct {
	// Codepage decodes member names that are neither flagged nor valid
	// UTF-8. The default is Windows-1252.
	Codepage names.Codepage
	// Location interprets DOS timestamps; nil means UTC.
	Location *time.Location
}

// Reader is the zip read state machine.
//
// Process first walks the central directory, reporting FileHeader for
// each entry and Done at the end of the listing. The caller then starts
// individual members with [Reader.ReadFile] and keeps calling Process to
// stream their data.
type Reader struct {
	ctx  context.Context
	opts ReaderOpts

	state, next int
	g           gather.Buffer
	off         uint64
	cdirEnd     uint64

	info     FileInfo
	flags    uint16
	nameLen  int
	extraLen int
	sentU    bool
	sentC    bool
	sentO    bool
	dec      filter.Stage
	stored   bool
	compSize uint64
	fileRd   uint64
	crc      uint32
	haveFtrl bool
	ftrl64   bool

	out     []byte
	err     error
	warning error
}

const (
	rTrlSeek = iota
	rGather
	rTrl
	rLoc64
	rEOCD64
	rCdirNext
	rCdir
	rCdirData
	rFhdrSeek
	rFhdr
	rFhdrData
	rData
	rFtrl
	rFtrl64
	rFileDone
	rFileDone2
	rDone
)

// NewReader prepares a reader; totalSize is the archive length and must
// be known, since discovery starts from the end of the input.
func NewReader(ctx context.Context, totalSize int64, opts ReaderOpts) (*Reader, error) {
	if totalSize < eocdSize {
		return nil, arcfmt.Errf("zip", arcfmt.ErrTruncated, "no room for an end-of-central-directory record")
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	r := &Reader{
		ctx:  zlog.ContextWithValues(ctx, "component", "zip/Reader"),
		opts: opts,
		off:  uint64(totalSize),
	}
	openCounter.Add(ctx, 1)
	return r, nil
}

// Offset is the reader's absolute input position and the seek target
// after a Seek directive.
func (r *Reader) Offset() uint64 { return r.off }

// Data returns the chunk produced by the last Data directive.
func (r *Reader) Data() []byte { return r.out }

// FileInfo returns the current entry; valid from the FileHeader
// directive.
func (r *Reader) FileInfo() *FileInfo { return &r.info }

// Err returns the error behind the last Error or Warning directive.
func (r *Reader) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.warning
}

// Close releases decoder state.
func (r *Reader) Close() error {
	r.closeDec()
	return nil
}

func (r *Reader) closeDec() {
	if r.dec != nil {
		r.dec.Close()
		r.dec = nil
	}
}

// ReadFile starts streaming the member whose central directory entry
// reported the given header offset and compressed size.
func (r *Reader) ReadFile(hdrOffset, compSize uint64) {
	r.closeDec()
	r.state = rFhdrSeek
	r.off = hdrOffset
	r.compSize = compSize
}

func (r *Reader) fail(err error) arcfmt.Result {
	r.err = err
	return arcfmt.Error
}

func (r *Reader) warn(err error) arcfmt.Result {
	r.warning = err
	return arcfmt.Warning
}

// copyName decodes and normalizes a member name.
func (r *Reader) copyName(raw []byte, flags uint16) error {
	var s string
	if flags&flagUTF8 != 0 || utf8.Valid(raw) {
		s = string(raw)
	} else {
		var err error
		s, err = names.DecodeCodepage(raw, r.opts.Codepage)
		if err != nil {
			return arcfmt.ErrWrap("zip", arcfmt.ErrNameInvalid, err)
		}
	}
	r.info.Name = fspath.Normalize(s, fspath.Backslashes|fspath.Simple)
	if r.info.Name == "" {
		return arcfmt.Errf("zip", arcfmt.ErrNameInvalid, "name %q normalizes to nothing", s)
	}
	// Directory entries keep their marker slash.
	if c := s[len(s)-1]; c == '/' || c == '\\' {
		r.info.Name += "/"
	}
	return nil
}

// readExtras applies the recognized extra fields. cdir selects which
// record's sentinel layout governs the zip64 extra.
func (r *Reader) readExtras(b []byte, cdir bool, sentUsize, sentCsize, sentOff bool) {
	r.ftrl64 = false
	extras(b, func(id uint16, val []byte) {
		zlog.Debug(r.ctx).
			Uint("id", uint(id)).
			Int("len", len(val)).
			Msg("extra field")
		switch id {
		case extraZip64:
			readExtraZip64(val, &r.info, sentUsize, sentCsize, sentOff)
			if !cdir {
				r.ftrl64 = true
			}
		case extraNTFS:
			readExtraNTFS(val, &r.info)
		case extraUnixTime:
			readExtraUnixTime(val, &r.info)
		case extraNewUnix:
			readExtraNewUnix(val, &r.info)
		}
	})
}

// Process consumes bytes from *in and returns the next directive.
func (r *Reader) Process(in *[]byte) arcfmt.Result {
	var rec []byte
	for {
		switch r.state {

		case rTrlSeek:
			total := r.off
			n := uint64(trlMaxSize)
			if n > total {
				n = total
			}
			r.g.Next(int(n))
			r.off = total - n
			r.state, r.next = rGather, rTrl
			return arcfmt.Seek

		case rGather:
			var ok bool
			var n int
			if rec, n, ok = r.g.Feed(in); !ok {
				r.off += uint64(n)
				return arcfmt.More
			}
			r.off += uint64(n)
			r.state = r.next

		case rTrl:
			i := bytes.LastIndex(rec, sigEOCD)
			if i < 0 {
				return r.fail(arcfmt.Errf("zip", arcfmt.ErrBadMagic, "no end-of-central-directory record"))
			}
			trl := rec[i:]
			if len(trl) < eocdSize {
				return r.fail(arcfmt.Errf("zip", arcfmt.ErrTruncated, "short end-of-central-directory record"))
			}
			if le16(trl[4:]) != 0 || le16(trl[6:]) != 0 {
				return r.fail(arcfmt.Errf("zip", arcfmt.ErrBadStructure, "multi-disk archive"))
			}
			count := le16(trl[10:])
			size := le32(trl[12:])
			off := le32(trl[16:])
			if off == 0xFFFFFFFF || size == 0xFFFFFFFF || count == 0xFFFF {
				r.off = r.off - uint64(len(rec)-i) - loc64Size
				r.g.Next(loc64Size)
				r.state, r.next = rGather, rLoc64
				return arcfmt.Seek
			}
			r.cdirEnd = uint64(off) + uint64(size)
			r.off = uint64(off)
			r.state = rCdirNext
			return arcfmt.Seek

		case rLoc64:
			if string(rec[:4]) != string(sigLoc64) {
				return r.fail(arcfmt.Errf("zip", arcfmt.ErrBadMagic, "bad zip64 locator"))
			}
			if le32(rec[4:]) != 0 || le32(rec[16:]) != 1 {
				return r.fail(arcfmt.Errf("zip", arcfmt.ErrBadStructure, "multi-disk archive"))
			}
			r.off = le64(rec[8:])
			r.g.Next(eocd64Size)
			r.state, r.next = rGather, rEOCD64
			return arcfmt.Seek

		case rEOCD64:
			if string(rec[:4]) != string(sigEOCD64) {
				return r.fail(arcfmt.Errf("zip", arcfmt.ErrBadMagic, "bad zip64 end-of-central-directory record"))
			}
			if le64(rec[4:]) < eocd64Size-12 {
				return r.fail(arcfmt.Errf("zip", arcfmt.ErrBadStructure, "short zip64 end-of-central-directory record"))
			}
			if le32(rec[16:]) != 0 || le32(rec[20:]) != 0 {
				return r.fail(arcfmt.Errf("zip", arcfmt.ErrBadStructure, "multi-disk archive"))
			}
			size := le64(rec[40:])
			off := le64(rec[48:])
			if off+size < off {
				return r.fail(arcfmt.Errf("zip", arcfmt.ErrBadStructure, "central directory bounds overflow"))
			}
			r.cdirEnd = off + size
			r.off = off
			r.state = rCdirNext
			return arcfmt.Seek

		case rCdirNext:
			if r.off+cdirSize > r.cdirEnd {
				r.state = rDone
				return arcfmt.Done
			}
			r.g.Next(cdirSize)
			r.state, r.next = rGather, rCdir

		case rCdir:
			r.info = FileInfo{}
			n, err := readCdir(rec, &r.info, r.opts.Location)
			if err != nil {
				return r.fail(err)
			}
			r.flags = le16(rec[8:])
			r.nameLen = int(le16(rec[28:]))
			r.extraLen = int(le16(rec[30:]))
			r.sentU = le32(rec[24:]) == 0xFFFFFFFF
			r.sentC = le32(rec[20:]) == 0xFFFFFFFF
			r.sentO = le32(rec[42:]) == 0xFFFFFFFF
			r.g.Next(n - cdirSize)
			r.state, r.next = rGather, rCdirData

		case rCdirData:
			if err := r.copyName(rec[:r.nameLen], r.flags); err != nil {
				return r.fail(err)
			}
			r.readExtras(rec[r.nameLen:r.nameLen+r.extraLen], true, r.sentU, r.sentC, r.sentO)
			r.state = rCdirNext
			zlog.Debug(r.ctx).
				Str("name", r.info.Name).
				Uint64("size", r.info.Size).
				Uint("method", uint(r.info.Method)).
				Msg("central directory entry")
			return arcfmt.FileHeader

		case rFhdrSeek:
			r.g.Next(fhdrSize)
			r.state, r.next = rGather, rFhdr
			return arcfmt.Seek

		case rFhdr:
			r.info = FileInfo{}
			n, flags, err := readFhdr(rec, &r.info, r.opts.Location)
			if err != nil {
				return r.fail(err)
			}
			r.flags = flags
			r.haveFtrl = flags&flagDataDesc != 0
			switch r.info.Method {
			case MethodStored:
				r.stored = true
			case MethodDeflated:
				r.stored = false
				r.dec = filter.Inflate()
			case MethodZstandard:
				r.stored = false
				r.dec = filter.ZstdDecode()
			default:
				return r.fail(arcfmt.Errf("zip", arcfmt.ErrUnsupportedCodec, "method %d", r.info.Method))
			}
			r.crc = 0
			r.fileRd = 0
			r.nameLen = int(le16(rec[26:]))
			r.extraLen = int(le16(rec[28:]))
			r.sentU = le32(rec[22:]) == 0xFFFFFFFF
			r.sentC = le32(rec[18:]) == 0xFFFFFFFF
			r.g.Next(n - fhdrSize)
			r.state, r.next = rGather, rFhdrData

		case rFhdrData:
			if err := r.copyName(rec[:r.nameLen], r.flags); err != nil {
				return r.fail(err)
			}
			r.readExtras(rec[r.nameLen:r.nameLen+r.extraLen], false, r.sentU, r.sentC, false)
			r.state = rData
			return arcfmt.FileHeader

		case rData:
			remaining := r.compSize - r.fileRd
			src := *in
			if uint64(len(src)) > remaining {
				src = src[:remaining]
			}
			fin := remaining == 0
			if r.stored {
				if len(src) == 0 && !fin {
					return arcfmt.More
				}
				*in = (*in)[len(src):]
				r.off += uint64(len(src))
				r.fileRd += uint64(len(src))
				if len(src) > 0 {
					r.crc = crc32.Update(r.crc, crc32.IEEETable, src)
					r.out = src
					if r.fileRd == r.compSize {
						r.finishData()
					}
					return arcfmt.Data
				}
				r.finishData()
				continue
			}
			st, n, out, err := r.dec.Process(src, fin)
			*in = (*in)[n:]
			r.off += uint64(n)
			r.fileRd += uint64(n)
			switch {
			case err != nil:
				return r.fail(arcfmt.ErrWrap("zip", arcfmt.ErrCodec, err))
			case st == filter.Data:
				r.crc = crc32.Update(r.crc, crc32.IEEETable, out)
				r.out = out
				return arcfmt.Data
			case st == filter.Done:
				if lo, ok := r.dec.(interface{ Leftover() []byte }); ok {
					r.fileRd -= uint64(len(lo.Leftover()))
				}
				r.closeDec()
				if r.fileRd != r.compSize {
					return r.fail(arcfmt.Errf("zip", arcfmt.ErrBadStructure,
						"decoder finished with %d of %d payload bytes", r.fileRd, r.compSize))
				}
				r.finishData()
			default:
				if fin {
					return r.fail(arcfmt.Errf("zip", arcfmt.ErrTruncated, "payload ended mid-stream"))
				}
				return arcfmt.More
			}

		case rFtrl:
			desc := rec
			if bytes.Equal(desc[:4], sigDesc) {
				desc = desc[4:]
			}
			r.info.CRC = le32(desc)
			r.info.CompressedSize = uint64(le32(desc[4:]))
			r.info.Size = uint64(le32(desc[8:]))
			r.state = rFileDone

		case rFtrl64:
			desc := rec
			if bytes.Equal(desc[:4], sigDesc) {
				desc = desc[4:]
			}
			r.info.CRC = le32(desc)
			r.info.CompressedSize = le64(desc[4:])
			r.info.Size = le64(desc[12:])
			r.state = rFileDone

		case rFileDone:
			r.state = rFileDone2
			if r.crc != r.info.CRC {
				return r.warn(arcfmt.Errf("zip", arcfmt.ErrBadDataCRC,
					"computed %#x, header %#x", r.crc, r.info.CRC))
			}

		case rFileDone2:
			r.state = rDone
			return arcfmt.FileDone

		case rDone:
			return r.fail(arcfmt.Errf("zip", arcfmt.ErrNotReady, "no member selected"))
		}
	}
}

func (r *Reader) finishData() {
	r.state = rFileDone
	if r.haveFtrl {
		if r.ftrl64 {
			r.g.Next(4 + 20)
			r.state, r.next = rGather, rFtrl64
		} else {
			r.g.Next(4 + 12)
			r.state, r.next = rGather, rFtrl
		}
	}
}
