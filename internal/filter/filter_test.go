package filter

import (
	"bytes"
	"math/rand"
	"testing"
)

// driveStage pushes src through a single stage in small chunks,
// collecting everything it produces.
func driveStage(t *testing.T, s Stage, src []byte, chunk int) []byte {
	t.Helper()
	var out []byte
	for len(src) > 0 {
		in := src
		if len(in) > chunk {
			in = in[:chunk]
		}
		st, n, produced, err := s.Process(in, false)
		if err != nil {
			t.Fatalf("stage error: %v", err)
		}
		src = src[n:]
		if st == Data {
			out = append(out, produced...)
		}
	}
	for {
		st, _, produced, err := s.Process(nil, true)
		if err != nil {
			t.Fatalf("stage error at fin: %v", err)
		}
		if st == Data {
			out = append(out, produced...)
			continue
		}
		if st == Done {
			return out
		}
		t.Fatalf("stage stuck after fin (status %d)", st)
	}
}

func testPayload(n int) []byte {
	rng := rand.New(rand.NewSource(1))
	b := make([]byte, n)
	for i := range b {
		// Compressible but not trivial.
		b[i] = byte(rng.Intn(16)) + 'a'
	}
	return b
}

func TestDeflateInflate(t *testing.T) {
	want := testPayload(300 << 10)
	enc, err := Deflate(0)
	if err != nil {
		t.Fatal(err)
	}
	comp := driveStage(t, enc, want, 1000)
	if len(comp) == 0 || bytes.Equal(comp, want) {
		t.Fatal("deflate produced no transformation")
	}
	got := driveStage(t, Inflate(), comp, 777)
	if !bytes.Equal(got, want) {
		t.Fatalf("inflate mismatch: %d bytes, want %d", len(got), len(want))
	}
}

func TestZstdRoundTrip(t *testing.T) {
	want := testPayload(200 << 10)
	enc, err := ZstdEncode(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	comp := driveStage(t, enc, want, 4096)
	got := driveStage(t, ZstdDecode(), comp, 501)
	if !bytes.Equal(got, want) {
		t.Fatalf("zstd mismatch: %d bytes, want %d", len(got), len(want))
	}
}

func TestInflateLeftover(t *testing.T) {
	want := testPayload(10 << 10)
	enc, err := Deflate(0)
	if err != nil {
		t.Fatal(err)
	}
	comp := driveStage(t, enc, want, 1<<20)
	trailer := []byte("TRAILING-BYTES")
	src := append(append([]byte(nil), comp...), trailer...)

	dec := Inflate()
	var got []byte
	var done bool
	for !done {
		st, n, produced, err := dec.Process(src, true)
		if err != nil {
			t.Fatalf("inflate: %v", err)
		}
		src = src[n:]
		switch st {
		case Data:
			got = append(got, produced...)
		case Done:
			done = true
		}
	}
	if !bytes.Equal(got, want) {
		t.Fatal("inflate mismatch")
	}
	lo := dec.(interface{ Leftover() []byte }).Leftover()
	all := append(lo, src...)
	if !bytes.Equal(all, trailer) {
		t.Fatalf("leftover = %q, want %q", all, trailer)
	}
}

func TestBCJX86RoundTrip(t *testing.T) {
	// A payload dense in E8/E9 opcode bytes so conversions actually
	// happen.
	rng := rand.New(rand.NewSource(7))
	want := make([]byte, 64<<10)
	for i := range want {
		switch rng.Intn(6) {
		case 0:
			want[i] = 0xE8
		case 1:
			want[i] = 0xE9
		default:
			want[i] = byte(rng.Intn(256))
		}
	}

	enc := driveStage(t, BCJX86(true), append([]byte(nil), want...), 913)
	if bytes.Equal(enc, want) {
		t.Fatal("encoder changed nothing")
	}
	got := driveStage(t, BCJX86(false), enc, 501)
	if !bytes.Equal(got, want) {
		t.Fatal("BCJ round trip mismatch")
	}
}

func TestBoundsClipping(t *testing.T) {
	b := &Bounds{Off: 10, Size: 5}
	var out []byte
	src := []byte("0123456789abcdefghij")
	rest := src
	for len(rest) > 0 {
		st, n, produced, err := b.Process(rest, false)
		if err != nil {
			t.Fatal(err)
		}
		rest = rest[n:]
		if st == Data {
			out = append(out, produced...)
			continue
		}
		if st == Done {
			break
		}
	}
	if string(out) != "abcde" {
		t.Fatalf("clipped %q, want %q", out, "abcde")
	}
	// The bytes past the window stay unconsumed for a later window.
	if string(rest) != "fghij" {
		t.Fatalf("leftover %q, want %q", rest, "fghij")
	}
	// A second window picks up where the first ended.
	b.Off, b.Size = 15, 3
	st, n, produced, err := b.Process(rest, true)
	if err != nil || st != Data || string(produced) != "fgh" {
		t.Fatalf("second window: %d %q %v", st, produced, err)
	}
	rest = rest[n:]
	if st, _, _, _ = b.Process(rest, true); st != Done {
		t.Fatalf("second window did not finish: %d", st)
	}
}

func TestPipelineStoreBounds(t *testing.T) {
	payload := []byte("hello, pipeline world")
	src := &Source{Off: 100, Size: uint64(len(payload))}
	p := NewPipeline(src, Store{}, &Bounds{Off: 7, Size: 8})

	var out []byte
	off := uint64(0)
	in := []byte{}
	feed := append([]byte(nil), payload...)
	for {
		st, produced, err := p.Step(&in, &off)
		if err != nil {
			t.Fatal(err)
		}
		switch st {
		case Seek:
			if p.SeekOffset() != 100 {
				t.Fatalf("seek to %d, want 100", p.SeekOffset())
			}
			off = p.SeekOffset()
		case More:
			if len(feed) == 0 {
				t.Fatal("pipeline wants input past the end")
			}
			in = feed[:5]
			if len(feed) < 5 {
				in = feed
			}
			feed = feed[len(in):]
		case Data:
			out = append(out, produced...)
		case Done:
			if string(out) != "pipeline" {
				t.Fatalf("got %q, want %q", out, "pipeline")
			}
			return
		}
	}
}

func TestLZMA2Props(t *testing.T) {
	// Dictionary-size property bytes above 40 are invalid.
	if _, err := LZMA2([]byte{41}); err == nil {
		t.Error("accepted invalid dictionary property")
	}
	if _, err := LZMA2(nil); err == nil {
		t.Error("accepted empty property block")
	}
}
