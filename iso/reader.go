package iso

import (
	"context"

	"github.com/quay/zlog"

	"github.com/arcfmt/arcfmt"
	"github.com/arcfmt/arcfmt/internal/gather"
	"github.com/arcfmt/arcfmt/internal/names"
)

// ReaderOpts configures a [Reader].
type ReaderOpts struct {
	// NoJoliet ignores a Joliet supplementary descriptor; names come from
	// the primary hierarchy.
	NoJoliet bool
	// NoRockRidge ignores Rock-Ridge records.
	NoRockRidge bool
}

// Reader is the ISO-9660 read state machine.
//
// Process walks the volume descriptors, then every directory record
// breadth-first: each entry surfaces as FileHeader and is retained in the
// reader's table of contents ([Reader.Files]). After ListEnd the caller
// picks entries and streams them with [Reader.ReadFile].
type Reader struct {
	ctx  context.Context
	opts ReaderOpts

	state, next int
	g           gather.Buffer
	off         uint64
	d           []byte // remainder of the current sector

	rootOff  uint64
	fsize    uint64
	joliet   bool
	cur      FileInfo
	files    []*FileInfo
	cursor   int
	curdir   *FileInfo
	out      []byte
	err      error
}

const (
	rSeekPrim = iota
	rPrim
	rVolDesc
	rEntSeek
	rEnt
	rFdataSeek
	rFdata
	rFdone
	rGather
)

// NewReader prepares a reader.
func NewReader(ctx context.Context, opts ReaderOpts) *Reader {
	return &Reader{
		ctx:  zlog.ContextWithValues(ctx, "component", "iso/Reader"),
		opts: opts,
	}
}

// Offset is the reader's absolute input position and the seek target
// after a Seek directive.
func (r *Reader) Offset() uint64 { return r.off }

// Data returns the chunk produced by the last Data directive.
func (r *Reader) Data() []byte { return r.out }

// FileInfo returns the current entry; valid from the FileHeader
// directive.
func (r *Reader) FileInfo() *FileInfo { return &r.cur }

// Files is the table of contents accumulated so far; complete after
// ListEnd.
func (r *Reader) Files() []*FileInfo { return r.files }

// Err returns the error behind the last Error directive.
func (r *Reader) Err() error { return r.err }

// Close releases reader state.
func (r *Reader) Close() error {
	r.files = nil
	r.g.Reset()
	return nil
}

func (r *Reader) fail(err error) arcfmt.Result {
	r.err = err
	return arcfmt.Error
}

// ReadFile starts streaming f's payload. Directories report FileDone
// immediately.
func (r *Reader) ReadFile(f *FileInfo) {
	if f.IsDir() {
		r.state = rFdone
		return
	}
	r.off = f.Off
	r.fsize = f.Size
	r.state = rFdataSeek
}

// nextDir advances the BFS over stored directories. It reports false
// when the listing is complete.
func (r *Reader) nextDir() bool {
	for r.cursor < len(r.files) {
		f := r.files[r.cursor]
		r.cursor++
		if f.IsDir() {
			r.curdir = f
			r.off = f.Off
			r.fsize = f.Size
			r.state = rEntSeek
			return true
		}
	}
	return false
}

// Process consumes bytes from *in and returns the next directive.
func (r *Reader) Process(in *[]byte) arcfmt.Result {
	for {
		switch r.state {

		case rGather:
			rec, n, ok := r.g.Feed(in)
			r.off += uint64(n)
			if !ok {
				return arcfmt.More
			}
			r.d = rec
			r.state = r.next

		case rSeekPrim:
			r.g.Next(Sector)
			r.state, r.next = rGather, rPrim
			r.off = 16 * Sector
			return arcfmt.Seek

		case rPrim:
			if r.d[0] != vdPrimary {
				return r.fail(arcfmt.Errf("iso", arcfmt.ErrBadStructure, "no primary volume descriptor"))
			}
			root, err := readPrimVolDesc(r.d)
			if err != nil {
				return r.fail(err)
			}
			r.rootOff = root.Off
			r.fsize = root.Size
			zlog.Debug(r.ctx).
				Uint64("root_off", root.Off).
				Uint64("root_size", root.Size).
				Msg("primary volume descriptor")
			r.g.Next(Sector)
			r.state, r.next = rGather, rVolDesc

		case rVolDesc:
			switch r.d[0] {
			case vdSupplement:
				if !r.opts.NoJoliet {
					if root, err := readPrimVolDesc(r.d); err == nil {
						r.rootOff = root.Off
						r.fsize = root.Size
						r.joliet = true
					}
				}
			case vdTerminator:
				r.off = r.rootOff
				r.state = rEntSeek
				return arcfmt.Info
			}
			r.g.Next(Sector)
			r.state, r.next = rGather, rVolDesc

		case rEntSeek:
			r.g.Next(Sector)
			r.state, r.next = rGather, rEnt
			return arcfmt.Seek

		case rEnt:
			if len(r.d) == 0 {
				if r.fsize == 0 {
					if r.nextDir() {
						continue
					}
					r.curdir = nil
					return arcfmt.ListEnd
				}
				r.g.Next(Sector)
				r.state, r.next = rGather, rEnt
				continue
			}

			n, err := readEnt(r.d, &r.cur)
			if err != nil {
				return r.fail(err)
			}
			if n == 0 {
				// Records never straddle sectors; skip the tail.
				skip := uint64(len(r.d))
				if skip > r.fsize {
					skip = r.fsize
				}
				r.fsize -= skip
				r.d = nil
				continue
			}
			ent := r.d[:n]
			r.d = r.d[n:]
			r.fsize -= uint64(n)

			if r.joliet {
				s, err := names.DecodeUTF16([]byte(r.cur.Name), true)
				if err != nil {
					return r.fail(arcfmt.ErrWrap("iso", arcfmt.ErrNameInvalid, err))
				}
				r.cur.Name = s
			} else if r.cur.Name != "" {
				r.cur.Name = entName(r.cur.Name)
			}

			if !r.opts.NoRockRidge {
				if err := readRR(ent[entLen(int(ent[32])):], &r.cur); err != nil {
					return r.fail(err)
				}
			}

			if r.cur.Name == "" {
				continue // self, parent, or RE-hidden
			}
			if r.curdir != nil {
				r.cur.Name = r.curdir.Name + "/" + r.cur.Name
			}

			stored := r.cur
			r.files = append(r.files, &stored)
			zlog.Debug(r.ctx).
				Str("name", r.cur.Name).
				Uint64("size", r.cur.Size).
				Msg("directory record")
			return arcfmt.FileHeader

		case rFdataSeek:
			r.g.Next(Sector)
			r.state, r.next = rGather, rFdata
			return arcfmt.Seek

		case rFdata:
			n := uint64(len(r.d))
			if n >= r.fsize {
				n = r.fsize
				r.state = rFdone
			} else {
				r.g.Next(Sector)
				r.state, r.next = rGather, rFdata
			}
			r.out = r.d[:n]
			r.d = nil
			r.fsize -= n
			return arcfmt.Data

		case rFdone:
			return arcfmt.FileDone
		}
	}
}
