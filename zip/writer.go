package zip

import (
	"context"
	"time"

	"github.com/quay/zlog"

	"github.com/arcfmt/arcfmt"
	"github.com/arcfmt/arcfmt/internal/filter"
	"github.com/arcfmt/arcfmt/internal/fspath"
)

// WriterOpts configures a [Writer].
type WriterOpts struct {
	// NonSeekable disables the seek-back local header patch; sizes and
	// CRCs travel in zip64 data descriptors instead.
	NonSeekable bool
	// Location renders DOS timestamps; nil means UTC.
	Location *time.Location
	// DeflateLevel and ZstdLevel select compression levels; 0 is each
	// library's default. ZstdWorkers enables encoder concurrency inside
	// the zstd library.
	DeflateLevel int
	ZstdLevel    int
	ZstdWorkers  int
}

// AddOpts describes the next member for [Writer.Add].
type AddOpts struct {
	Name   string
	Mtime  time.Time
	Attr    uint32 // POSIX mode bits
	WinAttr uint32
	UID     uint32
	GID     uint32
	// Method is the compression method; directories always store.
	Method uint16
}

// Writer is the zip write state machine.
type Writer struct {
	ctx  context.Context
	opts WriterOpts

	state   int
	buf     []byte // pending local header
	fhdr    []byte // local header copy for the seek-back patch
	cdir    []byte // growing central directory image
	cdirPos int    // current entry's offset inside cdir
	items   uint64

	crcF    filter.CRC32
	comp    filter.Stage
	crcDone bool

	fileRd, fileWr   uint64
	totalWr          uint64
	fhdrOffset       uint64
	off              uint64
	fileFin, arcFin  bool

	out []byte
	err error
}

const (
	wFhdr = iota
	wData
	wFhdrUpdate
	wEndSeek
	wFtrl
	wFileDone
	wCdir
	wDone
)

// NewWriter prepares a writer.
func NewWriter(ctx context.Context, opts WriterOpts) *Writer {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Writer{
		ctx:  zlog.ContextWithValues(ctx, "component", "zip/Writer"),
		opts: opts,
	}
}

// Add declares the next member. Directory names get a trailing slash and
// always store. An entry whose name normalizes to nothing (such as "/" or
// "..") is rejected with [arcfmt.ErrNameInvalid].
func (w *Writer) Add(opts AddOpts) error {
	if w.state != wFhdr || w.buf != nil {
		return arcfmt.Errf("zip", arcfmt.ErrNotReady, "previous member still open")
	}
	dir := opts.WinAttr&0x10 != 0 || opts.Attr&0170000 == 0040000
	name := fspath.Normalize(opts.Name, fspath.Backslashes|fspath.Simple)
	if name == "" {
		return arcfmt.Errf("zip", arcfmt.ErrNameInvalid, "name %q normalizes to nothing", opts.Name)
	}
	if dir && name[len(name)-1] != '/' {
		name += "/"
	}

	method := opts.Method
	if dir {
		method = MethodStored
	}
	info := FileInfo{
		File: arcfmt.File{
			Name:    name,
			Mtime:   opts.Mtime,
			Attr:    opts.Attr,
			WinAttr: opts.WinAttr,
			UID:     opts.UID,
			GID:     opts.GID,
		},
		Method:    method,
		HdrOffset: w.totalWr,
	}

	w.buf = make([]byte, fhdrLen(name))
	putFhdr(w.buf, &info, w.opts.NonSeekable, w.opts.Location)
	w.fhdr = append(w.fhdr[:0], w.buf...)

	// The central directory entry is rendered now and patched once the
	// member's sizes and CRC are known.
	w.cdirPos = len(w.cdir)
	ent := make([]byte, cdirLen(name))
	putCdir(ent, &info, w.opts.NonSeekable, w.opts.Location)
	w.cdir = append(w.cdir, ent...)

	if w.comp != nil {
		w.comp.Close()
	}
	var err error
	switch method {
	case MethodStored:
		w.comp = filter.Store{}
	case MethodDeflated:
		w.comp, err = filter.Deflate(w.opts.DeflateLevel)
	case MethodZstandard:
		w.comp, err = filter.ZstdEncode(w.opts.ZstdLevel, w.opts.ZstdWorkers)
	default:
		return arcfmt.Errf("zip", arcfmt.ErrUnsupportedCodec, "method %d", method)
	}
	if err != nil {
		return arcfmt.ErrWrap("zip", arcfmt.ErrCodec, err)
	}
	w.crcF = filter.CRC32{}
	zlog.Debug(w.ctx).
		Str("name", name).
		Uint("method", uint(method)).
		Msg("add")
	return nil
}

// FinishFile signals that the current member's data is complete.
func (w *Writer) FinishFile() { w.fileFin = true }

// Finish signals that no more members will be added.
func (w *Writer) Finish() { w.arcFin = true }

// Data returns the chunk produced by the last Data directive.
func (w *Writer) Data() []byte { return w.out }

// Offset is the absolute output position the next chunk must land at
// after a Seek directive.
func (w *Writer) Offset() uint64 { return w.off }

// Err returns the error behind the last Error directive.
func (w *Writer) Err() error { return w.err }

// Close releases compressor state.
func (w *Writer) Close() error {
	if w.comp != nil {
		w.comp.Close()
		w.comp = nil
	}
	return nil
}

func (w *Writer) fail(err error) arcfmt.Result {
	w.err = err
	return arcfmt.Error
}

// Process consumes member data from *in and returns the next directive.
func (w *Writer) Process(in *[]byte) arcfmt.Result {
	for {
		switch w.state {

		case wFhdr:
			if w.arcFin && w.buf == nil {
				w.state = wCdir
				continue
			}
			if w.buf == nil {
				return w.fail(arcfmt.Errf("zip", arcfmt.ErrNotReady, "no member added"))
			}
			w.out = w.buf
			w.buf = nil
			w.fhdrOffset = w.totalWr
			w.totalWr += uint64(len(w.out))
			w.fileRd, w.fileWr = 0, 0
			w.state = wData
			return arcfmt.Data

		case wData:
			// CRC side of the filter pair runs first, then the compressor;
			// both consume the whole chunk.
			if len(*in) > 0 {
				w.crcF.Process(*in, false)
			}
			st, n, out, err := w.comp.Process(*in, w.fileFin)
			*in = (*in)[n:]
			w.fileRd += uint64(n)
			switch {
			case err != nil:
				return w.fail(arcfmt.ErrWrap("zip", arcfmt.ErrCodec, err))
			case st == filter.Data:
				w.fileWr += uint64(len(out))
				w.totalWr += uint64(len(out))
				w.out = out
				return arcfmt.Data
			case st == filter.Done:
				patchCdir(w.cdir[w.cdirPos:], w.fileRd, w.fileWr, w.crcF.Sum)
				w.items++
				if w.opts.NonSeekable {
					w.state = wFtrl
					continue
				}
				w.state = wFhdrUpdate
				w.off = w.fhdrOffset
				return arcfmt.Seek
			default:
				return arcfmt.More
			}

		case wFhdrUpdate:
			patchFhdr(w.fhdr, w.fileRd, w.fileWr, w.crcF.Sum)
			w.out = w.fhdr
			w.state = wEndSeek
			return arcfmt.Data

		case wEndSeek:
			w.state = wFileDone
			w.off = w.totalWr
			return arcfmt.Seek

		case wFtrl:
			desc := make([]byte, desc64Size)
			putDesc64(desc, w.fileRd, w.fileWr, w.crcF.Sum)
			w.out = desc
			w.totalWr += uint64(len(desc))
			w.state = wFileDone
			return arcfmt.Data

		case wFileDone:
			w.fileFin = false
			w.comp.Close()
			w.comp = nil
			w.state = wFhdr
			return arcfmt.FileDone

		case wCdir:
			cdirOff := w.totalWr
			trl := make([]byte, trailersLen)
			putTrailers(trl, uint64(len(w.cdir)), cdirOff, w.items)
			w.out = append(w.cdir, trl...)
			w.totalWr += uint64(len(w.out))
			w.state = wDone
			zlog.Debug(w.ctx).
				Uint64("entries", w.items).
				Uint64("cdir_offset", cdirOff).
				Msg("central directory")
			return arcfmt.Data

		case wDone:
			return arcfmt.Done
		}
	}
}
