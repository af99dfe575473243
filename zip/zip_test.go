package zip

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quay/zlog"

	"github.com/arcfmt/arcfmt"
)

type entry struct {
	add  AddOpts
	data []byte
}

// writeArchive serializes entries, honoring seek directives against an
// in-memory image.
func writeArchive(t *testing.T, ctx context.Context, opts WriterOpts, entries []entry) []byte {
	t.Helper()
	w := NewWriter(ctx, opts)
	defer w.Close()

	var arc []byte
	pos := -1 // -1: append
	emit := func(b []byte) {
		if pos < 0 {
			arc = append(arc, b...)
			return
		}
		copy(arc[pos:], b)
		pos += len(b)
		if pos == len(arc) {
			pos = -1
		}
	}

	drive := func(in []byte, until arcfmt.Result) {
		for {
			switch res := w.Process(&in); res {
			case arcfmt.Data:
				emit(w.Data())
			case arcfmt.Seek:
				if int(w.Offset()) == len(arc) {
					pos = -1
				} else {
					pos = int(w.Offset())
				}
			case until:
				return
			case arcfmt.More:
				if len(in) != 0 {
					t.Fatal("writer refused input")
				}
				return
			default:
				t.Fatalf("writer: %v: %v", res, w.Err())
			}
		}
	}

	for i := range entries {
		if err := w.Add(entries[i].add); err != nil {
			t.Fatalf("add %q: %v", entries[i].add.Name, err)
		}
		w.FinishFile()
		drive(entries[i].data, arcfmt.FileDone)
	}
	w.Finish()
	drive(nil, arcfmt.Done)
	return arc
}

// enumerate lists the central directory.
func enumerate(t *testing.T, r *Reader, arc []byte, chunk int) []FileInfo {
	t.Helper()
	var infos []FileInfo
	var in []byte
	pos := 0
	for i := 0; i < 10_000_000; i++ {
		switch res := r.Process(&in); res {
		case arcfmt.More:
			n := chunk
			if pos+n > len(arc) {
				n = len(arc) - pos
			}
			if n == 0 && len(in) == 0 {
				t.Fatal("reader starved during enumeration")
			}
			in = arc[pos : pos+n]
			pos += n
		case arcfmt.Seek:
			pos = int(r.Offset())
			in = nil
		case arcfmt.FileHeader:
			infos = append(infos, *r.FileInfo())
		case arcfmt.Done:
			return infos
		default:
			t.Fatalf("enumerate: %v: %v", res, r.Err())
		}
	}
	t.Fatal("enumeration did not terminate")
	panic("unreachable")
}

// readMember streams one member after ReadFile.
func readMember(t *testing.T, r *Reader, arc []byte, chunk int) []byte {
	t.Helper()
	var out []byte
	var in []byte
	pos := 0
	for i := 0; i < 10_000_000; i++ {
		switch res := r.Process(&in); res {
		case arcfmt.More:
			n := chunk
			if pos+n > len(arc) {
				n = len(arc) - pos
			}
			in = arc[pos : pos+n]
			pos += n
		case arcfmt.Seek:
			pos = int(r.Offset())
			in = nil
		case arcfmt.FileHeader, arcfmt.Data:
			if res == arcfmt.Data {
				out = append(out, r.Data()...)
			}
		case arcfmt.FileDone:
			return out
		default:
			t.Fatalf("read member: %v: %v", res, r.Err())
		}
	}
	t.Fatal("member read did not terminate")
	panic("unreachable")
}

func testEntries(mt time.Time) []entry {
	return []entry{
		{add: AddOpts{Name: "file-deflated", Mtime: mt, Attr: 0100644, UID: 1000, GID: 100, Method: MethodDeflated},
			data: bytes.Repeat([]byte("deflate me "), 400)},
		{add: AddOpts{Name: "file-stored", Mtime: mt, Attr: 0100644, Method: MethodStored},
			data: []byte("stored bytes")},
		{add: AddOpts{Name: "file-empty", Mtime: mt, Attr: 0100644, Method: MethodDeflated}},
		{add: AddOpts{Name: "dir/", Mtime: mt, Attr: 0040755}},
		{add: AddOpts{Name: "file-zstd", Mtime: mt, Attr: 0100644, Method: MethodZstandard},
			data: bytes.Repeat([]byte("zstandard! "), 400)},
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	mt := time.Date(2021, 7, 8, 9, 10, 12, 0, time.UTC)
	entries := testEntries(mt)

	for _, mode := range []struct {
		name string
		opts WriterOpts
	}{
		{"seekable", WriterOpts{}},
		{"nonseekable", WriterOpts{NonSeekable: true}},
	} {
		t.Run(mode.name, func(t *testing.T) {
			arc := writeArchive(t, ctx, mode.opts, entries)

			r, err := NewReader(ctx, int64(len(arc)), ReaderOpts{})
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close()
			infos := enumerate(t, r, arc, 333)
			if len(infos) != len(entries) {
				t.Fatalf("%d entries, want %d", len(infos), len(entries))
			}
			for i, info := range infos {
				want := entries[i]
				wantName := want.add.Name
				if wantName == "dir/" {
					if info.Name != "dir/" || !info.IsDir() {
						t.Errorf("entry %d: directory came back as %q", i, info.Name)
					}
					continue
				}
				if info.Name != wantName {
					t.Errorf("entry %d: name %q, want %q", i, info.Name, wantName)
				}
				if !info.Mtime.Equal(mt) {
					t.Errorf("entry %d: mtime %v, want %v", i, info.Mtime, mt)
				}
				if info.UID != want.add.UID || info.GID != want.add.GID {
					t.Errorf("entry %d: uid/gid %d/%d", i, info.UID, info.GID)
				}
				if info.Size != uint64(len(want.data)) {
					t.Errorf("entry %d: size %d, want %d", i, info.Size, len(want.data))
				}
				if info.Method != want.add.Method {
					t.Errorf("entry %d: method %d, want %d", i, info.Method, want.add.Method)
				}

				r.ReadFile(info.HdrOffset, info.CompressedSize)
				got := readMember(t, r, arc, 501)
				if !bytes.Equal(got, want.data) {
					t.Errorf("entry %d: payload mismatch (%d vs %d bytes)", i, len(got), len(want.data))
				}
			}
		})
	}
}

func TestCorruptPayloadWarns(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	mt := time.Date(2021, 7, 8, 9, 10, 12, 0, time.UTC)
	entries := []entry{
		{add: AddOpts{Name: "victim", Mtime: mt, Attr: 0100644, Method: MethodStored},
			data: []byte("sixteen byte data")},
	}
	arc := writeArchive(t, ctx, WriterOpts{}, entries)
	// Flip a payload byte. The local header is fhdrLen bytes.
	arc[fhdrLen("victim")+3] ^= 0x40

	r, err := NewReader(ctx, int64(len(arc)), ReaderOpts{})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	infos := enumerate(t, r, arc, len(arc))
	r.ReadFile(infos[0].HdrOffset, infos[0].CompressedSize)

	var in []byte
	pos := 0
	for i := 0; i < 1000; i++ {
		switch res := r.Process(&in); res {
		case arcfmt.More:
			in = arc[pos:]
			pos = len(arc)
		case arcfmt.Seek:
			pos = int(r.Offset())
			in = nil
		case arcfmt.FileHeader, arcfmt.Data:
		case arcfmt.Warning:
			if !errors.Is(r.Err(), arcfmt.ErrBadDataCRC) {
				t.Fatalf("warning is %v", r.Err())
			}
			return
		default:
			t.Fatalf("unexpected %v: %v", res, r.Err())
		}
	}
	t.Fatal("no CRC warning surfaced")
}

func TestRejectBadNames(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	w := NewWriter(ctx, WriterOpts{})
	defer w.Close()
	for _, name := range []string{"/", "..", "."} {
		if err := w.Add(AddOpts{Name: name, Attr: 0100644}); err == nil {
			t.Errorf("accepted name %q", name)
		}
	}
}
