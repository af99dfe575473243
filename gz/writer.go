package gz

import (
	"context"
	"hash/crc32"
	"time"

	"github.com/quay/zlog"

	"github.com/arcfmt/arcfmt"
	"github.com/arcfmt/arcfmt/internal/filter"
)

// WriterOpts configures a [Writer].
type WriterOpts struct {
	// Name and Comment are stored in the member header when non-empty;
	// neither may contain a NUL byte.
	Name    string
	Comment string
	// Mtime is the header modification time; the zero time stores zero.
	Mtime time.Time
	// Level is the deflate level; 0 selects the default.
	Level int
}

// Writer is the gzip write state machine: header, deflate stream,
// CRC/size trailer.
type Writer struct {
	ctx context.Context

	state int
	def   filter.Stage
	buf   []byte
	crc   uint32
	total uint64
	fin   bool
	out   []byte
	err   error
}

const (
	wHdr = iota
	wData
	wTrailer
	wDone
)

// NewWriter prepares a writer.
func NewWriter(ctx context.Context, opts WriterOpts) (*Writer, error) {
	def, err := filter.Deflate(opts.Level)
	if err != nil {
		return nil, arcfmt.ErrWrap("gz", arcfmt.ErrCodec, err)
	}
	w := &Writer{
		ctx: zlog.ContextWithValues(ctx, "component", "gz/Writer"),
		def: def,
	}
	w.buf = putHeader(nil, &Info{Name: opts.Name, Comment: opts.Comment, Mtime: opts.Mtime})
	return w, nil
}

// Finish signals that all input has been supplied.
func (w *Writer) Finish() { w.fin = true }

// Data returns the chunk produced by the last Data directive.
func (w *Writer) Data() []byte { return w.out }

// Err returns the error behind the last Error directive.
func (w *Writer) Err() error { return w.err }

// Close releases the deflate context.
func (w *Writer) Close() error {
	if w.def != nil {
		w.def.Close()
		w.def = nil
	}
	return nil
}

// Process consumes input bytes from *in and returns the next directive.
func (w *Writer) Process(in *[]byte) arcfmt.Result {
	for {
		switch w.state {

		case wHdr:
			w.out = w.buf
			w.buf = nil
			w.state = wData
			return arcfmt.Data

		case wData:
			w.crc = crc32.Update(w.crc, crc32.IEEETable, *in)
			w.total += uint64(len(*in))
			st, n, out, err := w.def.Process(*in, w.fin)
			*in = (*in)[n:]
			switch {
			case err != nil:
				w.err = arcfmt.ErrWrap("gz", arcfmt.ErrCodec, err)
				return arcfmt.Error
			case st == filter.Data:
				w.out = out
				return arcfmt.Data
			case st == filter.Done:
				w.state = wTrailer
			default:
				return arcfmt.More
			}

		case wTrailer:
			w.out = putTrailer(nil, w.crc, w.total)
			w.state = wDone
			zlog.Debug(w.ctx).
				Uint64("in", w.total).
				Uint32("crc", w.crc).
				Msg("trailer")
			return arcfmt.Data

		case wDone:
			return arcfmt.Done
		}
	}
}
