package tar

import (
	"context"

	"github.com/quay/zlog"

	"github.com/arcfmt/arcfmt"
	"github.com/arcfmt/arcfmt/internal/fspath"
)

// Writer is the tar write state machine. Entries are added one at a time
// with [Writer.Add]; data is pushed through [Writer.Process];
// [Writer.FinishFile] closes the entry and [Writer.Finish] terminates the
// archive with three zero blocks.
type Writer struct {
	ctx context.Context

	state   int
	buf     []byte
	written uint64 // data bytes pushed for the current entry
	decl    uint64 // size declared in the entry header
	fileFin bool
	arcFin  bool
	out     []byte
	err     error
}

const (
	wNewFile = iota
	wHdr
	wData
	wPadding
	wFileDone
	wFooter
	wDone
)

// NewWriter prepares a writer.
func NewWriter(ctx context.Context) *Writer {
	return &Writer{ctx: zlog.ContextWithValues(ctx, "component", "tar/Writer")}
}

// Add declares the next entry. Names longer than 100 bytes get a GNU
// LongLink record; directory names get a trailing slash.
func (w *Writer) Add(h *Header) error {
	if w.state != wNewFile {
		return arcfmt.Errf("tar", arcfmt.ErrNotReady, "previous entry still open")
	}
	hdr := *h
	hdr.Name = fspath.Normalize(hdr.Name, fspath.Simple)
	dir := hdr.Attr&0170000 == 0040000
	if dir && hdr.Name != "" && hdr.Name[len(hdr.Name)-1] != '/' {
		hdr.Name += "/"
	}
	w.decl = hdr.Size

	w.buf = w.buf[:0]
	if len(hdr.Name) > 100 {
		// LongLink pseudo-entry carrying the full name.
		long := Header{
			File: arcfmt.File{
				Name: "././@LongLink",
				Attr: 0644,
				Size: uint64(len(hdr.Name)),
			},
		}
		blk := make([]byte, Block)
		if err := writeHeader(blk, &long, TypeLong); err != nil {
			return err
		}
		w.buf = append(w.buf, blk...)
		w.buf = append(w.buf, hdr.Name...)
		if pad := len(hdr.Name) % Block; pad != 0 {
			w.buf = append(w.buf, make([]byte, Block-pad)...)
		}
	}

	typ := hdr.Type
	if typ == 0 {
		typ = TypeFile
		for i, m := range typeMode {
			if hdr.Attr&0170000 == m {
				typ = TypeFile + byte(i)
				break
			}
		}
	}
	blk := make([]byte, Block)
	if err := writeHeader(blk, &hdr, typ); err != nil {
		return err
	}
	w.buf = append(w.buf, blk...)
	w.state = wHdr
	zlog.Debug(w.ctx).
		Str("name", hdr.Name).
		Uint64("size", hdr.Size).
		Msg("add")
	return nil
}

// FinishFile signals that the current entry's data is complete.
func (w *Writer) FinishFile() { w.fileFin = true }

// Finish signals that no more entries will be added.
func (w *Writer) Finish() { w.arcFin = true }

// Data returns the chunk produced by the last Data directive.
func (w *Writer) Data() []byte { return w.out }

// Err returns the error behind the last Error directive.
func (w *Writer) Err() error { return w.err }

// Close releases writer state.
func (w *Writer) Close() error {
	w.buf = nil
	return nil
}

func (w *Writer) fail(err error) arcfmt.Result {
	w.err = err
	return arcfmt.Error
}

// Process consumes entry data from *in and returns the next directive.
func (w *Writer) Process(in *[]byte) arcfmt.Result {
	for {
		switch w.state {

		case wNewFile:
			if w.arcFin {
				w.state = wFooter
				continue
			}
			return w.fail(arcfmt.Errf("tar", arcfmt.ErrNotReady, "no entry added"))

		case wHdr:
			w.out = w.buf
			w.state = wData
			w.written = 0
			return arcfmt.Data

		case wData:
			if len(*in) == 0 {
				if w.fileFin {
					w.state = wPadding
					continue
				}
				return arcfmt.More
			}
			w.out = *in
			*in = nil
			w.written += uint64(len(w.out))
			return arcfmt.Data

		case wPadding:
			if n := w.written % Block; n != 0 {
				w.out = make([]byte, Block-n)
				w.state = wFileDone
				return arcfmt.Data
			}
			w.state = wFileDone

		case wFileDone:
			if w.written != w.decl {
				return w.fail(arcfmt.Errf("tar", arcfmt.ErrBadStructure,
					"pushed %d bytes, header declared %d", w.written, w.decl))
			}
			w.fileFin = false
			w.state = wNewFile
			return arcfmt.FileDone

		case wFooter:
			w.out = make([]byte, 3*Block)
			w.state = wDone
			return arcfmt.Data

		case wDone:
			return arcfmt.Done
		}
	}
}
