package iso

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/quay/zlog"

	"github.com/arcfmt/arcfmt"
)

type entry struct {
	add  AddOpts
	data []byte
}

// buildImage drives a Writer over the entries, honoring the final seek
// back to the descriptor area.
func buildImage(t *testing.T, ctx context.Context, opts WriterOpts, entries []entry) []byte {
	t.Helper()
	w := NewWriter(ctx, opts)
	defer w.Close()

	for i := range entries {
		if err := w.Add(entries[i].add); err != nil {
			t.Fatalf("add %q: %v", entries[i].add.Name, err)
		}
	}

	var img []byte
	pos := -1
	emit := func(b []byte) {
		if pos < 0 {
			img = append(img, b...)
			return
		}
		copy(img[pos:], b)
		pos += len(b)
	}
	step := func(in *[]byte) arcfmt.Result {
		res := w.Process(in)
		switch res {
		case arcfmt.Data:
			emit(w.Data())
		case arcfmt.Seek:
			pos = int(w.Offset())
		case arcfmt.Error:
			t.Fatalf("writer: %v", w.Err())
		}
		return res
	}

	// Layout, path tables and directory contents flow until the writer
	// asks for the first payload.
	var empty []byte
	for step(&empty) != arcfmt.More {
	}
	for i := range entries {
		if entries[i].add.Attr&0040000 != 0 {
			continue
		}
		if err := w.NextFile(); err != nil {
			t.Fatalf("next file: %v", err)
		}
		in := entries[i].data
		for {
			if res := step(&in); res == arcfmt.More && len(in) == 0 {
				break
			}
		}
	}
	if err := w.Finish(); err != nil {
		t.Fatal(err)
	}
	for step(&empty) != arcfmt.Done {
	}
	return img
}

// listImage enumerates the volume's table of contents.
func listImage(t *testing.T, ctx context.Context, img []byte, opts ReaderOpts) (*Reader, []*FileInfo) {
	t.Helper()
	r := NewReader(ctx, opts)

	var in []byte
	pos := 0
	for i := 0; i < 10_000_000; i++ {
		switch res := r.Process(&in); res {
		case arcfmt.More:
			if pos >= len(img) && len(in) == 0 {
				t.Fatal("reader wants input past EOF")
			}
			end := pos + 4096
			if end > len(img) {
				end = len(img)
			}
			in = img[pos:end]
			pos = end
		case arcfmt.Seek:
			pos = int(r.Offset())
			in = nil
		case arcfmt.Info, arcfmt.FileHeader:
		case arcfmt.ListEnd:
			return r, r.Files()
		default:
			t.Fatalf("list: %v: %v", res, r.Err())
		}
	}
	t.Fatal("listing did not terminate")
	panic("unreachable")
}

// readPayload streams one file.
func readPayload(t *testing.T, r *Reader, img []byte, f *FileInfo) []byte {
	t.Helper()
	r.ReadFile(f)
	var out []byte
	var in []byte
	pos := 0
	for i := 0; i < 10_000_000; i++ {
		switch res := r.Process(&in); res {
		case arcfmt.More:
			end := pos + 2048
			if end > len(img) {
				end = len(img)
			}
			in = img[pos:end]
			pos = end
		case arcfmt.Seek:
			pos = int(r.Offset())
			in = nil
		case arcfmt.Data:
			out = append(out, r.Data()...)
		case arcfmt.FileDone:
			return out
		default:
			t.Fatalf("payload: %v: %v", res, r.Err())
		}
	}
	t.Fatal("payload read did not terminate")
	panic("unreachable")
}

func testEntries(mt time.Time) []entry {
	return []entry{
		{add: AddOpts{Name: "afile.txt", Mtime: mt, Attr: 0100644, Size: 10}, data: []byte("data-afile")},
		{add: AddOpts{Name: "mydirectory", Mtime: mt, Attr: 0040755}},
		{add: AddOpts{Name: "zfilename.txt", Mtime: mt, Attr: 0100644, Size: 14}, data: []byte("data-zfilename")},
		{add: AddOpts{Name: "mydirectory/file3.txt", Mtime: mt, Attr: 0100644, Size: 10}, data: []byte("data-file3")},
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	mt := time.Date(2019, 5, 6, 7, 8, 9, 0, time.UTC)
	img := buildImage(t, ctx, WriterOpts{Volume: "TESTVOL"}, testEntries(mt))

	if len(img)%Sector != 0 {
		t.Fatalf("image length %d is not sector aligned", len(img))
	}

	t.Run("NoJoliet", func(t *testing.T) {
		r, files := listImage(t, ctx, img, ReaderOpts{NoJoliet: true})
		defer r.Close()
		wantNames := []string{"afile.txt", "mydirectory", "zfilename.txt", "mydirectory/file3.txt"}
		if len(files) != len(wantNames) {
			t.Fatalf("%d entries, want %d", len(files), len(wantNames))
		}
		for i, f := range files {
			if f.Name != wantNames[i] {
				t.Errorf("entry %d: name %q, want %q", i, f.Name, wantNames[i])
			}
		}
		wantData := map[string][]byte{
			"afile.txt":             []byte("data-afile"),
			"zfilename.txt":         []byte("data-zfilename"),
			"mydirectory/file3.txt": []byte("data-file3"),
		}
		for _, f := range files {
			want, ok := wantData[f.Name]
			if !ok {
				if !f.IsDir() {
					t.Errorf("unexpected file %q", f.Name)
				}
				continue
			}
			if f.Size != uint64(len(want)) {
				t.Errorf("%q: size %d, want %d", f.Name, f.Size, len(want))
			}
			if got := readPayload(t, r, img, f); !bytes.Equal(got, want) {
				t.Errorf("%q: payload %q, want %q", f.Name, got, want)
			}
		}
	})

	t.Run("NoRockRidge", func(t *testing.T) {
		// Without Rock-Ridge the 8.3 names come back ISO-normalized.
		r, files := listImage(t, ctx, img, ReaderOpts{NoJoliet: true, NoRockRidge: true})
		defer r.Close()
		wantNames := []string{"AFILE.TXT", "MYDIRECT", "ZFILENAM.TXT", "MYDIRECT/FILE3.TXT"}
		if len(files) != len(wantNames) {
			t.Fatalf("%d entries, want %d", len(files), len(wantNames))
		}
		for i, f := range files {
			if f.Name != wantNames[i] {
				t.Errorf("entry %d: name %q, want %q", i, f.Name, wantNames[i])
			}
		}
	})

	t.Run("Joliet", func(t *testing.T) {
		r, files := listImage(t, ctx, img, ReaderOpts{})
		defer r.Close()
		if len(files) != 4 {
			t.Fatalf("%d entries, want 4", len(files))
		}
		if files[0].Name != "afile.txt" {
			t.Errorf("joliet name %q", files[0].Name)
		}
		for _, f := range files {
			if f.Name == "zfilename.txt" {
				if got := readPayload(t, r, img, f); !bytes.Equal(got, []byte("data-zfilename")) {
					t.Errorf("joliet payload %q", got)
				}
			}
		}
	})
}

func TestDirOrder(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	w := NewWriter(ctx, WriterOpts{})
	defer w.Close()
	err := w.Add(AddOpts{Name: "missing/file", Attr: 0100644, Size: 1})
	if err == nil {
		t.Fatal("accepted a file under a directory that was never added")
	}
}
