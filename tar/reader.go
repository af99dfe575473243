package tar

import (
	"context"
	"time"

	"github.com/quay/zlog"

	"github.com/arcfmt/arcfmt"
	"github.com/arcfmt/arcfmt/internal/fspath"
	"github.com/arcfmt/arcfmt/internal/gather"
)

func unixTime(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

// maxNameLen bounds GNU LongLink payloads.
const maxNameLen = 4096

// Reader is the tar read state machine. Header defects other than an
// unparsable size field surface as warnings and reading continues with
// the next record.
type Reader struct {
	ctx context.Context

	state, next int
	g           gather.Buffer
	off         uint64
	size        uint64
	hdr         Header
	longName    string
	haveLong    bool
	out         []byte
	err         error
	warning     error
}

const (
	rInit = iota
	rGather
	rHdr
	rHdrCont
	rLongName
	rSkipExt
	rData
	rPadding
	rFileDone
	rFin
)

// NewReader prepares a reader.
func NewReader(ctx context.Context) *Reader {
	return &Reader{ctx: zlog.ContextWithValues(ctx, "component", "tar/Reader")}
}

// Offset is the count of input bytes consumed.
func (r *Reader) Offset() uint64 { return r.off }

// Data returns the chunk produced by the last Data directive.
func (r *Reader) Data() []byte { return r.out }

// Header returns the current entry; valid from the FileHeader directive.
func (r *Reader) Header() *Header { return &r.hdr }

// Err returns the error behind the last Error or Warning directive.
func (r *Reader) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.warning
}

// Close releases reader state.
func (r *Reader) Close() error {
	r.g.Reset()
	return nil
}

func (r *Reader) fail(err error) arcfmt.Result {
	r.err = err
	return arcfmt.Error
}

func (r *Reader) warn(err error) arcfmt.Result {
	r.warning = err
	return arcfmt.Warning
}

// Process consumes bytes from *in and returns the next directive.
func (r *Reader) Process(in *[]byte) arcfmt.Result {
	var rec []byte
	for {
		switch r.state {

		case rInit:
			r.g.Next(Block)
			r.state, r.next = rGather, rHdr

		case rGather:
			var ok bool
			var n int
			if rec, n, ok = r.g.Feed(in); !ok {
				r.off += uint64(n)
				return arcfmt.More
			}
			r.off += uint64(n)
			r.state = r.next

		case rHdr:
			if rec[0] == 0 {
				r.size = 2 * Block
				r.size -= Block // this record is the first of the two
				r.state = rFin
				continue
			}
			if !r.haveLong {
				r.hdr = Header{}
			}
			name := r.hdr.Name
			d := readHeader(rec, &r.hdr)
			if r.haveLong {
				r.hdr.Name = name
			}
			if d != 0 {
				if d&defSize != 0 {
					return r.fail(arcfmt.Errf("tar", arcfmt.ErrBadStructure, "invalid size number"))
				}
				r.state = rHdrCont
				switch {
				case d&defNumber != 0:
					return r.warn(arcfmt.Errf("tar", arcfmt.ErrBadStructure, "invalid number field"))
				case d&defChecksum != 0:
					return r.warn(arcfmt.Errf("tar", arcfmt.ErrBadHeaderCRC, "header checksum mismatch"))
				default:
					return r.warn(arcfmt.Errf("tar", arcfmt.ErrBadStructure, "directory or link entry with data"))
				}
			}
			r.state = rHdrCont

		case rHdrCont:
			switch r.hdr.Type {
			case TypeLong:
				if r.haveLong {
					return r.fail(arcfmt.Errf("tar", arcfmt.ErrBadStructure, "two consecutive long name headers"))
				}
				if r.hdr.Size > maxNameLen {
					return r.fail(arcfmt.Errf("tar", arcfmt.ErrBadStructure, "long name of %d bytes", r.hdr.Size))
				}
				r.g.Next(int(alignBlock(r.hdr.Size)))
				r.state, r.next = rGather, rLongName
				r.haveLong = true
				continue
			case TypeExtHdr, TypeNextHdr:
				r.size = alignBlock(r.hdr.Size)
				r.g.Next(Block)
				r.state, r.next = rGather, rSkipExt
				continue
			}
			r.haveLong = false
			r.size = r.hdr.Size
			r.state = rData
			if r.hdr.Size == 0 {
				r.state = rFileDone
			}
			r.hdr.Name = fspath.Normalize(r.hdr.Name, fspath.Simple)
			zlog.Debug(r.ctx).
				Str("name", r.hdr.Name).
				Uint64("size", r.hdr.Size).
				Msg("entry")
			return arcfmt.FileHeader

		case rLongName:
			r.longName = string(rec[:r.hdr.Size])
			r.hdr.Name = r.longName
			r.g.Next(Block)
			r.state, r.next = rGather, rHdr

		case rSkipExt:
			r.size -= Block
			r.g.Next(Block)
			if r.size == 0 {
				r.state, r.next = rGather, rHdr
			} else {
				r.state, r.next = rGather, rSkipExt
			}

		case rData:
			if len(*in) == 0 {
				return arcfmt.More
			}
			n := r.size
			if m := uint64(len(*in)); m < n {
				n = m
			}
			r.out = (*in)[:n]
			*in = (*in)[n:]
			r.off += n
			r.size -= n
			if r.size == 0 {
				if r.hdr.Size%Block == 0 {
					r.state = rFileDone
				} else {
					r.g.Next(Block - int(r.hdr.Size%Block))
					r.state, r.next = rGather, rPadding
				}
			}
			return arcfmt.Data

		case rPadding:
			if !allZero(rec) {
				return r.fail(arcfmt.Errf("tar", arcfmt.ErrBadStructure, "nonzero padding"))
			}
			r.state = rFileDone

		case rFileDone:
			r.g.Next(Block)
			r.state, r.next = rGather, rHdr
			return arcfmt.FileDone

		case rFin:
			if !allZero(rec) {
				return r.fail(arcfmt.Errf("tar", arcfmt.ErrBadStructure, "nonzero terminator block"))
			}
			if r.size != 0 {
				r.size -= Block
				r.g.Next(Block)
				r.state, r.next = rGather, rFin
				continue
			}
			return arcfmt.Done
		}
	}
}

func alignBlock(n uint64) uint64 { return (n + Block - 1) &^ (Block - 1) }

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
