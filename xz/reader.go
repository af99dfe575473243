package xz

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"hash/crc32"
	"hash/crc64"

	"github.com/quay/zlog"

	"github.com/arcfmt/arcfmt"
	"github.com/arcfmt/arcfmt/internal/filter"
	"github.com/arcfmt/arcfmt/internal/gather"
)

// Info carries the archive metadata recovered from the index.
type Info struct {
	// UncompressedSize is the sum of the index records' original sizes.
	UncompressedSize uint64
	// CompressedSize counts block payload bytes consumed so far.
	CompressedSize uint64
}

// Reader is the .xz read state machine.
//
// With a known total size it first seeks to the stream footer and index
// to report the uncompressed size, then restarts at offset zero and
// decodes blocks in order.
type Reader struct {
	ctx context.Context

	state, next int
	g           gather.Buffer
	off         uint64
	total       int64 // input length, or arcfmt.UnknownSize
	pending     []byte

	check   int
	idxSize uint64
	info    Info

	dec       filter.Stage
	bcj       filter.Stage
	bcjIn     []byte
	bcjFin    bool
	blockComp uint64

	crc    uint32
	crc64h uint64
	sha    hash.Hash

	out     []byte
	err     error
	warning error
}

var crc64Table = crc64.MakeTable(crc64.ECMA)

const (
	rBegin = iota
	rGather
	rFtr
	rIdx
	rHdrSeek
	rHdr
	rBlkSize
	rBlkHdr
	rData
	rPadding
	rCheck
	rSkipIdx
	rFtrFin
	rDone
)

// NewReader prepares a reader. totalSize is the input length when known,
// or [arcfmt.UnknownSize].
func NewReader(ctx context.Context, totalSize int64) (*Reader, error) {
	r := &Reader{ctx: zlog.ContextWithValues(ctx, "component", "xz/Reader"), total: totalSize}
	if totalSize >= 0 {
		if totalSize <= stmFtrSize {
			return nil, arcfmt.Errf("xz", arcfmt.ErrTruncated, "no footer in %d bytes", totalSize)
		}
		r.off = uint64(totalSize) - stmFtrSize
	}
	return r, nil
}

// Offset is the reader's absolute input position and the seek target
// after a Seek directive.
func (r *Reader) Offset() uint64 { return r.off }

// Data returns the chunk produced by the last Data directive.
func (r *Reader) Data() []byte { return r.out }

// Info returns the stream metadata; valid from the Info directive.
func (r *Reader) Info() *Info { return &r.info }

// Err returns the error behind the last Error or Warning directive.
func (r *Reader) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.warning
}

// Close releases decoder state.
func (r *Reader) Close() error {
	if r.dec != nil {
		r.dec.Close()
		r.dec = nil
	}
	if r.bcj != nil {
		r.bcj.Close()
		r.bcj = nil
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

func (r *Reader) checkUpdate(b []byte) {
	switch r.check {
	case checkCRC32:
		r.crc = crc32.Update(r.crc, crc32.IEEETable, b)
	case checkCRC64:
		r.crc64h = crc64.Update(r.crc64h, crc64Table, b)
	case checkSHA256:
		if r.sha == nil {
			r.sha = sha256.New()
		}
		r.sha.Write(b)
	}
}

func (r *Reader) verifyCheck(b []byte) error {
	switch r.check {
	case checkCRC32:
		if binary.LittleEndian.Uint32(b) != r.crc {
			return arcfmt.Errf("xz", arcfmt.ErrBadDataCRC, "block CRC32 mismatch")
		}
	case checkCRC64:
		if binary.LittleEndian.Uint64(b) != r.crc64h {
			return arcfmt.Errf("xz", arcfmt.ErrBadDataCRC, "block CRC64 mismatch")
		}
	case checkSHA256:
		sum := r.sha.Sum(nil)
		for i := range sum {
			if sum[i] != b[i] {
				return arcfmt.Errf("xz", arcfmt.ErrBadDataCRC, "block SHA-256 mismatch")
			}
		}
	}
	return nil
}

// buildChain instantiates decode stages for a block's filter list.
func (r *Reader) buildChain(filts []filterProps) error {
	if len(filts) == 0 || filts[len(filts)-1].id != filtLZMA2 {
		return arcfmt.Errf("xz", arcfmt.ErrUnsupportedCodec, "block without LZMA2 filter")
	}
	dec, err := filter.LZMA2(filts[len(filts)-1].props)
	if err != nil {
		return arcfmt.ErrWrap("xz", arcfmt.ErrCodec, err)
	}
	r.dec = dec
	r.bcj = nil
	for _, f := range filts[:len(filts)-1] {
		switch f.id {
		case filtX86:
			if r.bcj != nil {
				return arcfmt.Errf("xz", arcfmt.ErrUnsupportedCodec, "duplicate BCJ filter")
			}
			r.bcj = filter.BCJX86(false)
		default:
			return arcfmt.Errf("xz", arcfmt.ErrUnsupportedCodec, "filter %#x", f.id)
		}
	}
	r.bcjIn = nil
	r.bcjFin = false
	r.blockComp = 0
	r.crc = 0
	r.crc64h = 0
	r.sha = nil
	return nil
}

func (r *Reader) blockDone() {
	pad := int((4 - r.blockComp%4) % 4)
	r.g.Next(pad + checkSize(r.check))
	r.state, r.next = rGather, rCheck
	if pad+checkSize(r.check) == 0 {
		r.state = rBlkSize
	}
}

// Process consumes bytes from *in and returns the next directive.
func (r *Reader) Process(in *[]byte) arcfmt.Result {
	var rec []byte
	for {
		switch r.state {

		case rBegin:
			if r.off != 0 {
				r.g.Next(stmFtrSize)
				r.state, r.next = rGather, rFtr
				return arcfmt.Seek
			}
			r.g.Next(stmHdrSize)
			r.state, r.next = rGather, rHdr

		case rGather:
			var ok bool
			if rec, ok = r.gatherFeed(in); !ok {
				return arcfmt.More
			}
			r.state = r.next

		case rFtr:
			n, err := readStreamFooter(rec)
			if err != nil {
				return r.fail(err)
			}
			r.idxSize = n
			r.g.Next(int(n))
			r.state, r.next = rGather, rIdx
			r.off = r.off - stmFtrSize - n
			return arcfmt.Seek

		case rIdx:
			n, err := readIndex(rec)
			if err != nil {
				return r.fail(err)
			}
			r.info.UncompressedSize = n
			r.state = rHdrSeek
			zlog.Debug(r.ctx).
				Uint64("uncompressed", n).
				Msg("index")
			return arcfmt.Info

		case rHdrSeek:
			r.g.Next(stmHdrSize)
			r.state, r.next = rGather, rHdr
			r.off = 0
			return arcfmt.Seek

		case rHdr:
			m, err := readStreamHeader(rec)
			if err != nil {
				return r.fail(err)
			}
			r.check = m
			r.state = rBlkSize

		case rBlkSize:
			var b byte
			if len(r.pending) > 0 {
				b = r.pending[0]
			} else if len(*in) > 0 {
				b = (*in)[0]
			} else {
				return arcfmt.More
			}
			if b == 0 {
				r.state = rSkipIdx
				continue
			}
			r.g.Next((int(b) + 1) * 4)
			r.state, r.next = rGather, rBlkHdr

		case rBlkHdr:
			filts, err := readBlockHeader(rec)
			if err != nil {
				return r.fail(err)
			}
			if err := r.buildChain(filts); err != nil {
				return r.fail(err)
			}
			r.state = rData

		case rData:
			if r.bcj != nil && (len(r.bcjIn) > 0 || r.bcjFin) {
				st, n, out, err := r.bcj.Process(r.bcjIn, r.bcjFin)
				r.bcjIn = r.bcjIn[n:]
				switch {
				case err != nil:
					return r.fail(arcfmt.ErrWrap("xz", arcfmt.ErrCodec, err))
				case st == filter.Data:
					r.checkUpdate(out)
					r.out = out
					return arcfmt.Data
				case st == filter.Done:
					r.blockDone()
					continue
				}
				// More: decode below.
			}
			src := r.pending
			fromPending := len(src) > 0
			if !fromPending {
				src = *in
			}
			st, n, out, err := r.dec.Process(src, false)
			r.blockComp += uint64(n)
			r.info.CompressedSize += uint64(n)
			if fromPending {
				r.pending = r.pending[n:]
			} else {
				*in = (*in)[n:]
				r.off += uint64(n)
			}
			switch {
			case err != nil:
				return r.fail(arcfmt.ErrWrap("xz", arcfmt.ErrCodec, err))
			case st == filter.Data:
				if r.bcj != nil {
					r.bcjIn = out
					continue
				}
				r.checkUpdate(out)
				r.out = out
				return arcfmt.Data
			case st == filter.Done:
				if lo, ok := r.dec.(interface{ Leftover() []byte }); ok {
					left := lo.Leftover()
					r.blockComp -= uint64(len(left))
					r.info.CompressedSize -= uint64(len(left))
					r.pending = append(r.pending, left...)
				}
				r.dec.Close()
				r.dec = nil
				if r.bcj != nil {
					r.bcjFin = true
					continue
				}
				r.blockDone()
			default:
				if fromPending {
					continue
				}
				return arcfmt.More
			}

		case rCheck:
			pad := len(rec) - checkSize(r.check)
			for _, c := range rec[:pad] {
				if c != 0 {
					return r.fail(arcfmt.Errf("xz", arcfmt.ErrBadStructure, "nonzero block padding"))
				}
			}
			if r.bcj != nil {
				r.bcj.Close()
				r.bcj = nil
			}
			r.state = rBlkSize
			// The data was already delivered; a check mismatch is
			// recoverable and the next block still parses.
			if err := r.verifyCheck(rec[pad:]); err != nil {
				return r.warn(err)
			}

		case rSkipIdx:
			if r.idxSize == 0 {
				// Without the footer (unknown total size) the index length
				// is unknown; single-stream files opened with a size hint
				// never hit this.
				return r.fail(arcfmt.Errf("xz", arcfmt.ErrBadStructure, "cannot skip index without stream footer"))
			}
			n := r.idxSize
			if m := uint64(len(r.pending)); m > 0 {
				if m > n {
					m = n
				}
				r.pending = r.pending[m:]
				n -= m
			}
			if n > 0 {
				m := uint64(len(*in))
				if m > n {
					m = n
				}
				*in = (*in)[m:]
				r.off += m
				n -= m
			}
			r.idxSize = n
			if n != 0 {
				return arcfmt.More
			}
			r.g.Next(stmFtrSize)
			r.state, r.next = rGather, rFtrFin

		case rFtrFin:
			if _, err := readStreamFooter(rec); err != nil {
				return r.fail(err)
			}
			// Input left after the first stream's footer means a second
			// stream follows.
			if r.total >= 0 && (len(r.pending) > 0 || r.off != uint64(r.total)) {
				return r.fail(arcfmt.Errf("xz", arcfmt.ErrBadStructure, "data after the first stream"))
			}
			r.state = rDone

		case rDone:
			return arcfmt.Done
		}
	}
}
