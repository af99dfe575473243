package sevenz

import (
	"context"
	"hash/crc32"

	"github.com/quay/zlog"

	"github.com/arcfmt/arcfmt"
	"github.com/arcfmt/arcfmt/internal/filter"
	"github.com/arcfmt/arcfmt/internal/gather"
)

// Reader is the .7z read state machine.
//
// Process parses the global header and the metadata block stream
// (unpacking an EncodedHeader through the filter pipeline when present)
// and reports FileHeader when the listing is ready. The caller then
// iterates [Reader.NextFile] and streams each member's data.
type Reader struct {
	ctx context.Context

	state, next int
	g           gather.Buffer
	off         uint64

	hdrPacked bool
	hdrCRC    uint32
	buf       []byte // unpacked metadata scratch
	gdata     cursor
	parser    *blockParser
	m         *meta

	curFolder int
	pipe      *filter.Pipeline
	bounds    *filter.Bounds
	crc       uint32

	out     []byte
	err     error
	warning error
}

const (
	rStart = iota
	rGather
	rGhdr
	rBlockID
	rMetaUnpack
	rFileStart
	rFileData
	rFileDone
	rFileNext
)

// NewReader prepares a reader.
func NewReader(ctx context.Context) *Reader {
	return &Reader{
		ctx:       zlog.ContextWithValues(ctx, "component", "sevenz/Reader"),
		curFolder: -1,
	}
}

// Offset is the reader's absolute input position and the seek target
// after a Seek directive.
func (r *Reader) Offset() uint64 { return r.off }

// Data returns the chunk produced by the last Data directive.
func (r *Reader) Data() []byte { return r.out }

// Err returns the error behind the last Error or Warning directive.
func (r *Reader) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.warning
}

// Close releases decoder state and the file list.
func (r *Reader) Close() error {
	r.closePipe()
	r.m = nil
	r.parser = nil
	return nil
}

func (r *Reader) closePipe() {
	if r.pipe != nil {
		r.pipe.Close()
		r.pipe = nil
		r.bounds = nil
	}
}

func (r *Reader) fail(err error) arcfmt.Result {
	r.err = err
	return arcfmt.Error
}

// NextFile returns the next member to read, or nil when the listing is
// exhausted. The member's data follows from Process; empty members
// report FileDone immediately.
func (r *Reader) NextFile() *FileInfo {
	if r.m == nil || r.curFolder < 0 || len(r.m.folders) == 0 {
		return nil
	}
	fo := &r.m.folders[r.curFolder]
	if fo.ifile == len(fo.files) {
		if r.curFolder+1 == len(r.m.folders) {
			return nil
		}
		r.closePipe()
		fo.ifile = 0
		r.curFolder++
		fo = &r.m.folders[r.curFolder]
	}
	f := &fo.files[fo.ifile]
	fo.ifile++
	r.state = rFileStart
	return f
}

// chainStages builds the decode stages for a folder's coder chain:
// exactly one stream-bearing coder, optionally followed by an x86 BCJ
// coder.
func (r *Reader) chainStages(fo *folder) ([]filter.Stage, error) {
	var stages []filter.Stage
	for i := range fo.coders {
		cod := &fo.coders[i]
		if cod.stream.off != 0 || cod.stream.packSize != 0 {
			if i != 0 || cod.inputCoders[0] != 0 {
				return nil, arcfmt.Errf("7z", arcfmt.ErrUnsupportedCodec, "unsupported coder chain")
			}
		} else if cod.inputCoders[0] == 0 || int(cod.inputCoders[0])-1 != i-1 || cod.inputCoders[1] != 0 {
			// Only the simple chain input -> unpack -> x86 -> bounds is
			// supported; BCJ2-style branching is not.
			return nil, arcfmt.Errf("7z", arcfmt.ErrUnsupportedCodec, "unsupported coder chain")
		}

		var st filter.Stage
		var err error
		switch cod.method {
		case mStore:
			continue
		case mLZMA1:
			st, err = filter.LZMA1(cod.props, cod.unpackSize)
		case mLZMA2:
			st, err = filter.LZMA2(cod.props)
		case mDeflate:
			st = filter.Inflate()
		case mX86:
			st = filter.BCJX86(false)
		default:
			return nil, arcfmt.Errf("7z", arcfmt.ErrUnsupportedCodec, "coder method %d", cod.method)
		}
		if err != nil {
			return nil, arcfmt.ErrWrap("7z", arcfmt.ErrCodec, err)
		}
		stages = append(stages, st)
	}
	return stages, nil
}

// openFolder builds the pipeline for fo with a bounds window.
func (r *Reader) openFolder(fo *folder, off, size uint64) error {
	stages, err := r.chainStages(fo)
	if err != nil {
		return err
	}
	r.bounds = &filter.Bounds{Off: off, Size: size}
	stages = append(stages, r.bounds)
	src := &filter.Source{Off: fo.coders[0].stream.off, Size: fo.coders[0].stream.packSize}
	r.pipe = filter.NewPipeline(src, stages...)
	return nil
}

// prepUnpackHdr arranges the EncodedHeader's folder to be decoded into
// the scratch buffer.
func (r *Reader) prepUnpackHdr() error {
	if r.hdrPacked {
		return arcfmt.Errf("7z", arcfmt.ErrBadStructure, "encoded header inside an encoded header")
	}
	if len(r.m.folders) != 1 || len(r.m.folders[0].files) != 0 {
		return arcfmt.Errf("7z", arcfmt.ErrBadStructure, "unexpected encoded header layout")
	}
	fo := &r.m.folders[0]
	fo.files = []FileInfo{{File: arcfmt.File{Size: fo.unpackSize, CRC: fo.crc}}}
	fo.ifile = 1
	r.hdrPacked = true
	r.curFolder = 0
	r.buf = r.buf[:0]
	r.crc = 0
	return r.openFolder(fo, 0, fo.unpackSize)
}

// prepUnpackFile arranges the pipeline for the file selected by
// NextFile.
func (r *Reader) prepUnpackFile() (arcfmt.Result, bool, error) {
	fo := &r.m.folders[r.curFolder]
	f := &fo.files[fo.ifile-1]
	zlog.Debug(r.ctx).
		Str("name", f.Name).
		Uint64("size", f.Size).
		Msg("unpacking member")

	if len(fo.coders) == 0 || fo.coders[0].stream.off == 0 {
		// The synthetic empty-files folder has no packed stream.
		r.state = rFileDone
		return 0, false, nil
	}
	r.crc = 0
	if r.pipe == nil {
		if err := r.openFolder(fo, f.Off, f.Size); err != nil {
			return 0, false, err
		}
		r.state = rFileData
		r.off = fo.coders[0].stream.off
		return arcfmt.Seek, true, nil
	}
	r.bounds.Off = f.Off
	r.bounds.Size = f.Size
	r.state = rFileData
	return 0, false, nil
}

// pipeStep advances the active pipeline one caller-visible step.
func (r *Reader) pipeStep(in *[]byte) (arcfmt.Result, []byte) {
	st, out, err := r.pipe.Step(in, &r.off)
	switch {
	case err != nil:
		return r.fail(arcfmt.ErrWrap("7z", arcfmt.ErrCodec, err)), nil
	case st == filter.Seek:
		r.off = r.pipe.SeekOffset()
		return arcfmt.Seek, nil
	case st == filter.More:
		return arcfmt.More, nil
	case st == filter.Data:
		r.crc = crc32.Update(r.crc, crc32.IEEETable, out)
		return arcfmt.Data, out
	}
	// Done: verify the member CRC.
	fo := &r.m.folders[r.curFolder]
	f := &fo.files[fo.ifile-1]
	if f.CRC != 0 && f.CRC != r.crc {
		r.warning = arcfmt.Errf("7z", arcfmt.ErrBadDataCRC, "computed %#x, declared %#x", r.crc, f.CRC)
		return arcfmt.Warning, nil
	}
	return arcfmt.FileDone, nil
}

// Process consumes bytes from *in and returns the next directive.
func (r *Reader) Process(in *[]byte) arcfmt.Result {
	var rec []byte
	for {
		switch r.state {

		case rStart:
			r.g.Next(ghdrSize)
			r.state, r.next = rGather, rGhdr

		case rGather:
			var ok bool
			var n int
			if rec, n, ok = r.g.Feed(in); !ok {
				r.off += uint64(n)
				return arcfmt.More
			}
			r.off += uint64(n)
			r.state = r.next

		case rGhdr:
			g, err := readGhdr(rec)
			if err != nil {
				return r.fail(err)
			}
			zlog.Debug(r.ctx).
				Uint64("hdr_off", g.hdrOff).
				Uint64("hdr_size", g.hdrSize).
				Msg("global header")
			r.m = &meta{}
			r.parser = newBlockParser(r.m)
			r.hdrCRC = g.hdrCRC
			r.g.Next(int(g.hdrSize))
			r.state, r.next = rGather, rBlockID
			r.off = g.hdrOff
			return arcfmt.Seek

		case rBlockID:
			if rec != nil {
				if crc32.ChecksumIEEE(rec) != r.hdrCRC {
					return r.fail(arcfmt.Errf("7z", arcfmt.ErrBadHeaderCRC, "metadata block"))
				}
				r.gdata = cursor{b: append([]byte(nil), rec...)}
				rec = nil
			}
			done, err := r.parser.step(&r.gdata)
			if err != nil {
				return r.fail(err)
			}
			switch done {
			case blockEOF:
				r.curFolder = 0
				r.state = rFileNext
				return arcfmt.FileHeader
			case int(idEncodedHeader):
				if err := r.prepUnpackHdr(); err != nil {
					return r.fail(err)
				}
				r.state = rMetaUnpack
			}

		case rMetaUnpack:
			res, out := r.pipeStep(in)
			switch res {
			case arcfmt.Data:
				r.buf = append(r.buf, out...)
			case arcfmt.FileDone:
				r.closePipe()
				meta2 := &meta{}
				r.m = meta2
				r.parser = newBlockParser(meta2)
				r.gdata = cursor{b: r.buf}
				r.state = rBlockID
			case arcfmt.Warning:
				return r.fail(arcfmt.Errf("7z", arcfmt.ErrBadHeaderCRC, "encoded header CRC mismatch"))
			default:
				return res
			}

		case rFileStart:
			res, ret, err := r.prepUnpackFile()
			if err != nil {
				return r.fail(err)
			}
			if ret {
				return res
			}

		case rFileData:
			res, out := r.pipeStep(in)
			switch res {
			case arcfmt.Data:
				r.out = out
				return arcfmt.Data
			case arcfmt.FileDone:
				r.state = rFileNext
				return arcfmt.FileDone
			case arcfmt.Warning:
				r.state = rFileNext
				return arcfmt.Warning
			default:
				return res
			}

		case rFileDone:
			r.state = rFileNext
			return arcfmt.FileDone

		case rFileNext:
			return arcfmt.FileHeader
		}
	}
}
