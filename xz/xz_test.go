package xz

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/quay/zlog"

	"github.com/arcfmt/arcfmt"
)

// fixture is a complete single-block .xz stream holding "plain data".
var fixture = []byte{
	0xFD, 0x37, 0x7A, 0x58, 0x5A, 0x00, 0x00, 0x04,
	0xE6, 0xD6, 0xB4, 0x46, 0x02, 0x00, 0x21, 0x01,
	0x16, 0x00, 0x00, 0x00, 0x74, 0x2F, 0xE5, 0xA3,
	0x01, 0x00, 0x09, 0x70, 0x6C, 0x61, 0x69, 0x6E,
	0x20, 0x64, 0x61, 0x74, 0x61, 0x00, 0x00, 0x00,
	0x88, 0x6C, 0x7E, 0xF1, 0xA6, 0xF5, 0x65, 0x47,
	0x00, 0x01, 0x22, 0x0A, 0x15, 0x1A, 0xE1, 0x67,
	0x1F, 0xB6, 0xF3, 0x7D, 0x01, 0x00, 0x00, 0x00,
	0x00, 0x04, 0x59, 0x5A,
}

func readAll(t *testing.T, arc []byte, chunk int) (Info, []byte) {
	t.Helper()
	ctx := zlog.Test(context.Background(), t)
	r, err := NewReader(ctx, int64(len(arc)))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	var info Info
	var out []byte
	var in []byte
	pos := 0
	for i := 0; i < 1_000_000; i++ {
		switch res := r.Process(&in); res {
		case arcfmt.More:
			if pos == len(arc) && len(in) == 0 {
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
			info = *r.Info()
		case arcfmt.Data:
			out = append(out, r.Data()...)
		case arcfmt.Done:
			return info, out
		default:
			t.Fatalf("reader: %v: %v", res, r.Err())
		}
	}
	t.Fatal("reader did not terminate")
	panic("unreachable")
}

func TestFixture(t *testing.T) {
	for _, chunk := range []int{1, 7, len(fixture)} {
		info, out := readAll(t, fixture, chunk)
		if info.UncompressedSize != 10 {
			t.Errorf("chunk %d: uncompressed size %d, want 10", chunk, info.UncompressedSize)
		}
		if want := []byte("plain data"); !bytes.Equal(out, want) {
			t.Errorf("chunk %d: output %q, want %q", chunk, out, want)
		}
	}
}

func TestCorruptPayloadWarns(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	arc := append([]byte(nil), fixture...)
	// The block's lzma2 chunk stores the payload verbatim at offset 27;
	// flip one payload byte so the block check no longer matches.
	arc[30] ^= 0x01

	r, err := NewReader(ctx, int64(len(arc)))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	var in []byte
	pos := 0
	sawWarning := false
	for i := 0; i < 1_000_000; i++ {
		switch res := r.Process(&in); res {
		case arcfmt.More:
			if pos == len(arc) && len(in) == 0 {
				t.Fatal("reader starved")
			}
			n := pos + 7
			if n > len(arc) {
				n = len(arc)
			}
			in = arc[pos:n]
			pos = n
		case arcfmt.Seek:
			pos = int(r.Offset())
			in = nil
		case arcfmt.Info, arcfmt.Data:
		case arcfmt.Warning:
			sawWarning = true
			if got := r.Err(); !errors.Is(got, arcfmt.ErrBadDataCRC) {
				t.Fatalf("warning is %v", got)
			}
		case arcfmt.Done:
			if !sawWarning {
				t.Fatal("no check warning surfaced")
			}
			return
		default:
			t.Fatalf("reader: %v: %v", res, r.Err())
		}
	}
	t.Fatal("reader did not terminate")
}

func TestBadFooterMagic(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	arc := append([]byte(nil), fixture...)
	arc[len(arc)-1] = 'X'
	arc[len(arc)-2] = 'X'
	r, err := NewReader(ctx, int64(len(arc)))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	var in []byte
	pos := 0
	for i := 0; i < 100; i++ {
		switch res := r.Process(&in); res {
		case arcfmt.Seek:
			pos = int(r.Offset())
			in = nil
		case arcfmt.More:
			in = arc[pos:]
			pos = len(arc)
		case arcfmt.Error:
			return
		default:
			t.Fatalf("unexpected %v", res)
		}
	}
	t.Fatal("no error surfaced")
}

func TestTooSmall(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	if _, err := NewReader(ctx, 4); err == nil {
		t.Fatal("accepted a 4-byte file")
	}
}
