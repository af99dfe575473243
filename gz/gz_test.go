package gz

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quay/zlog"

	"github.com/arcfmt/arcfmt"
)

// writeMember runs a Writer over payload and returns the serialized
// member.
func writeMember(t *testing.T, ctx context.Context, opts WriterOpts, payload []byte) []byte {
	t.Helper()
	w, err := NewWriter(ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	var arc []byte
	in := payload
	w.Finish()
	for {
		switch res := w.Process(&in); res {
		case arcfmt.Data:
			arc = append(arc, w.Data()...)
		case arcfmt.Done:
			return arc
		case arcfmt.More:
			t.Fatal("writer wants more input after Finish")
		default:
			t.Fatalf("writer: %v: %v", res, w.Err())
		}
	}
}

// readAll drives a Reader over arc, feeding chunk bytes at a time, and
// collects member infos and the concatenated output.
func readAll(t *testing.T, ctx context.Context, arc []byte, totalSize int64, chunk int) ([]Info, []byte) {
	t.Helper()
	r, err := NewReader(ctx, totalSize)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	var infos []Info
	var out []byte
	var in []byte
	pos := 0
	for i := 0; ; i++ {
		if i > 1_000_000 {
			t.Fatal("reader did not terminate")
		}
		switch res := r.Process(&in); res {
		case arcfmt.More:
			if pos == len(arc) && len(in) == 0 {
				// At EOF an empty buffer must produce Done, handled above.
				t.Fatal("reader wants input past EOF")
			}
			n := chunk
			if pos+n > len(arc) {
				n = len(arc) - pos
			}
			in = arc[pos : pos+n]
			pos += n
		case arcfmt.Seek:
			pos = int(r.Offset())
			in = nil
		case arcfmt.Info:
			infos = append(infos, *r.Info())
		case arcfmt.Data:
			out = append(out, r.Data()...)
		case arcfmt.Done:
			return infos, out
		case arcfmt.Warning:
			t.Fatalf("warning: %v", r.Err())
		default:
			t.Fatalf("reader: %v: %v", res, r.Err())
		}
	}
}

func TestTwoMemberTrip(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	opts := WriterOpts{
		Name:    "file-name",
		Comment: "comment",
		Mtime:   time.Unix(1234, 0),
	}
	payload := []byte("plain data")
	arc := writeMember(t, ctx, opts, payload)
	arc = append(arc, writeMember(t, ctx, opts, payload)...)

	for _, chunk := range []int{1, 7, len(arc)} {
		infos, out := readAll(t, ctx, arc, int64(len(arc)), chunk)
		if len(infos) != 2 {
			t.Fatalf("chunk %d: %d members, want 2", chunk, len(infos))
		}
		for _, info := range infos {
			if info.Name != "file-name" || info.Comment != "comment" {
				t.Errorf("chunk %d: header fields %q %q", chunk, info.Name, info.Comment)
			}
			if !info.Mtime.Equal(time.Unix(1234, 0)) {
				t.Errorf("chunk %d: mtime %v", chunk, info.Mtime)
			}
		}
		if want := []byte("plain dataplain data"); !bytes.Equal(out, want) {
			t.Errorf("chunk %d: output %q, want %q", chunk, out, want)
		}
	}
}

func TestUnknownTotalSize(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	payload := bytes.Repeat([]byte("sample "), 1000)
	arc := writeMember(t, ctx, WriterOpts{}, payload)

	infos, out := readAll(t, ctx, arc, arcfmt.UnknownSize, 512)
	if len(infos) != 1 {
		t.Fatalf("%d members, want 1", len(infos))
	}
	if !bytes.Equal(out, payload) {
		t.Fatal("payload mismatch")
	}
	if infos[0].UncompressedSize != uint64(len(payload)) {
		t.Errorf("trailer size %d, want %d", infos[0].UncompressedSize, len(payload))
	}
}

func TestCorruptPayloadWarns(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	payload := bytes.Repeat([]byte("abcdefgh"), 64)
	arc := writeMember(t, ctx, WriterOpts{}, payload)
	// Flip one bit in the stored trailer CRC.
	arc[len(arc)-8] ^= 1

	r, err := NewReader(ctx, arcfmt.UnknownSize)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	in := arc
	sawWarning := false
	for i := 0; i < 1_000_000; i++ {
		switch res := r.Process(&in); res {
		case arcfmt.Warning:
			sawWarning = true
			if got := r.Err(); !errors.Is(got, arcfmt.ErrBadDataCRC) {
				t.Fatalf("warning is %v", got)
			}
		case arcfmt.Done:
			if !sawWarning {
				t.Fatal("no CRC warning surfaced")
			}
			return
		case arcfmt.Error:
			t.Fatalf("hard error: %v", r.Err())
		case arcfmt.More:
			if len(in) == 0 {
				t.Fatal("reader starved")
			}
		}
	}
	t.Fatal("reader did not terminate")
}
