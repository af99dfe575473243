package gz

import (
	"context"
	"encoding/binary"
	"hash/crc32"

	"github.com/quay/zlog"

	"github.com/arcfmt/arcfmt"
	"github.com/arcfmt/arcfmt/internal/filter"
	"github.com/arcfmt/arcfmt/internal/gather"
)

// Reader is the gzip read state machine.
//
// Drive it by calling [Reader.Process] with an input cursor; the cursor is
// advanced past whatever the reader consumed. After a [arcfmt.Seek] the
// next input must come from [Reader.Offset]. When the total input size was
// given, a member trailer is followed by the next concatenated member and
// Done comes only at the end of the input. With [arcfmt.UnknownSize] Done
// is reported after a trailer whenever no further input is buffered; any
// remaining concatenated member is then picked up by simply continuing to
// feed input, and Done repeats once the input is exhausted.
type Reader struct {
	ctx context.Context

	state, next int
	g           gather.Buffer
	off         uint64
	total       int64  // input length, or arcfmt.UnknownSize
	pending     []byte // decoder leftover, already accounted in off

	inf     filter.Stage
	crc     uint32
	flags   byte
	info    Info
	out     []byte
	err     error
	warning error
}

const (
	rBegin = iota
	rGather
	rGatherStrz
	rTrailerFirst
	rHdr
	rHdrField
	rExtraSize
	rExtra
	rName
	rComment
	rHdrCRC
	rData
	rTrailer
	rNextMember
)

// NewReader prepares a reader. totalSize is the input length when known,
// or [arcfmt.UnknownSize]; a known size lets the reader report the
// uncompressed size up front by seeking to the trailer.
func NewReader(ctx context.Context, totalSize int64) (*Reader, error) {
	r := &Reader{ctx: zlog.ContextWithValues(ctx, "component", "gz/Reader"), total: totalSize}
	if totalSize >= 0 {
		if totalSize <= trlSize {
			return nil, arcfmt.Errf("gz", arcfmt.ErrTruncated, "no trailer in %d bytes", totalSize)
		}
		r.off = uint64(totalSize) - trlSize
	}
	return r, nil
}

// Offset is the reader's absolute input position: the sum of consumed
// bytes, and the seek target after a Seek directive.
func (r *Reader) Offset() uint64 { return r.off }

// Data returns the chunk produced by the last Data directive.
func (r *Reader) Data() []byte { return r.out }

// Info returns the member metadata; valid from the first Info directive.
func (r *Reader) Info() *Info { return &r.info }

// Err returns the error behind the last Error or Warning directive.
func (r *Reader) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.warning
}

// Close releases decoder state. The reader is unusable afterwards.
func (r *Reader) Close() error {
	if r.inf != nil {
		r.inf.Close()
		r.inf = nil
	}
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

// gatherFeed drains the decoder leftover before touching caller input;
// leftover bytes were already counted into the offset when the decoder
// consumed them.
func (r *Reader) gatherFeed(in *[]byte) ([]byte, bool) {
	if len(r.pending) > 0 {
		if rec, _, ok := r.g.Feed(&r.pending); ok {
			return rec, true
		}
	}
	rec, n, ok := r.g.Feed(in)
	r.off += uint64(n)
	return rec, ok
}

func (r *Reader) gatherStrz(in *[]byte) ([]byte, bool) {
	if len(r.pending) > 0 {
		if rec, _, ok := r.g.FeedToByte(&r.pending, 0); ok {
			return rec, true
		}
	}
	rec, n, ok := r.g.FeedToByte(in, 0)
	r.off += uint64(n)
	return rec, ok
}

// Process consumes bytes from *in and returns the next directive.
func (r *Reader) Process(in *[]byte) arcfmt.Result {
	var rec []byte
	for {
		switch r.state {

		case rBegin:
			if r.off != 0 {
				r.g.Next(trlSize)
				r.state, r.next = rGather, rTrailerFirst
				return arcfmt.Seek
			}
			r.g.Next(hdrSize)
			r.state, r.next = rGather, rHdr

		case rGather:
			var ok bool
			if rec, ok = r.gatherFeed(in); !ok {
				return arcfmt.More
			}
			r.state = r.next

		case rGatherStrz:
			var ok bool
			if rec, ok = r.gatherStrz(in); !ok {
				return arcfmt.More
			}
			r.state = r.next

		case rTrailerFirst:
			r.info.CRC = binary.LittleEndian.Uint32(rec)
			sz := uint64(binary.LittleEndian.Uint32(rec[4:]))
			r.info.UncompressedSize = r.off&^0xFFFFFFFF | sz
			r.g.Next(hdrSize)
			r.state, r.next = rGather, rHdr
			r.off = 0
			return arcfmt.Seek

		case rHdr:
			if rec[0] != magic0 || rec[1] != magic1 {
				return r.fail(arcfmt.Errf("gz", arcfmt.ErrBadMagic, "bad member header"))
			}
			if rec[2] != methodDeflate {
				return r.fail(arcfmt.Errf("gz", arcfmt.ErrUnsupportedCodec, "compression method %d", rec[2]))
			}
			r.flags = rec[3]
			if mt := binary.LittleEndian.Uint32(rec[4:]); mt != 0 {
				r.info.Mtime = unixTime(int64(mt))
			}
			r.state = rHdrField
			if r.flags&^flagsKnown != 0 {
				return r.warn(arcfmt.Errf("gz", arcfmt.ErrBadStructure, "unknown header flags %#x", r.flags))
			}

		case rHdrField:
			switch {
			case r.flags&flagExtra != 0:
				r.g.Next(2)
				r.state, r.next = rGather, rExtraSize
			case r.flags&flagName != 0:
				r.g.Next(0)
				r.state, r.next = rGatherStrz, rName
			case r.flags&flagComment != 0:
				r.g.Next(0)
				r.state, r.next = rGatherStrz, rComment
			case r.flags&flagHdrCRC != 0:
				r.g.Next(2)
				r.state, r.next = rGather, rHdrCRC
			default:
				r.inf = filter.Inflate()
				r.crc = 0
				r.state = rData
				zlog.Debug(r.ctx).
					Str("name", r.info.Name).
					Time("mtime", r.info.Mtime).
					Msg("member header")
				return arcfmt.Info
			}

		case rExtraSize:
			r.g.Next(int(binary.LittleEndian.Uint16(rec)))
			r.state, r.next = rGather, rExtra

		case rExtra:
			r.info.Extra = append([]byte(nil), rec...)
			r.flags &^= flagExtra
			r.state = rHdrField

		case rName:
			r.info.Name = string(rec)
			r.flags &^= flagName
			r.state = rHdrField

		case rComment:
			r.info.Comment = string(rec)
			r.flags &^= flagComment
			r.state = rHdrField

		case rHdrCRC:
			r.flags &^= flagHdrCRC
			r.state = rHdrField

		case rData:
			src := r.pending
			fromPending := len(src) > 0
			if !fromPending {
				src = *in
			}
			st, n, out, err := r.inf.Process(src, false)
			r.info.CompressedSize += uint64(n)
			if fromPending {
				r.pending = r.pending[n:]
			} else {
				*in = (*in)[n:]
				r.off += uint64(n)
			}
			switch {
			case err != nil:
				return r.fail(arcfmt.ErrWrap("gz", arcfmt.ErrCodec, err))
			case st == filter.Data:
				r.crc = crc32.Update(r.crc, crc32.IEEETable, out)
				r.out = out
				return arcfmt.Data
			case st == filter.Done:
				if lo, ok := r.inf.(interface{ Leftover() []byte }); ok {
					r.pending = append(r.pending, lo.Leftover()...)
					r.info.CompressedSize -= uint64(len(lo.Leftover()))
				}
				r.inf.Close()
				r.inf = nil
				r.g.Next(trlSize)
				r.state, r.next = rGather, rTrailer
			default:
				if fromPending {
					continue
				}
				return arcfmt.More
			}

		case rTrailer:
			r.info.CRC = binary.LittleEndian.Uint32(rec)
			sz := uint64(binary.LittleEndian.Uint32(rec[4:]))
			if r.info.UncompressedSize == 0 {
				r.info.UncompressedSize = sz
			}
			r.state = rNextMember
			if r.crc != r.info.CRC {
				return r.warn(arcfmt.Errf("gz", arcfmt.ErrBadDataCRC,
					"computed %#x, trailer %#x", r.crc, r.info.CRC))
			}

		case rNextMember:
			if len(r.pending) == 0 && len(*in) == 0 &&
				(r.total < 0 || r.off >= uint64(r.total)) {
				return arcfmt.Done
			}
			// Concatenated member follows.
			r.info = Info{}
			r.g.Next(hdrSize)
			r.state, r.next = rGather, rHdr
		}
	}
}
