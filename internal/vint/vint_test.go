package vint

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSevenZRoundTrip(t *testing.T) {
	vals := []uint64{
		0, 1, 0x7F, 0x80, 0xFF, 0x100, 0x3FFF, 0x4000,
		0xFFFF, 0x1FFFFF, 0xFFFFFF, 0xFFFFFFFF, 0x1FFFFFFFF,
		1<<56 - 1, 1 << 56, 1<<63 - 1, 1<<64 - 1,
	}
	for _, v := range vals {
		b := PutSevenZ(nil, v)
		got, n := SevenZ(b)
		if n != len(b) || got != v {
			t.Errorf("SevenZ(%#x): encoded %x, decoded %#x (%d bytes)", v, b, got, n)
		}
	}
}

func TestSevenZShort(t *testing.T) {
	if _, n := SevenZ(nil); n != 0 {
		t.Error("decoded from empty input")
	}
	// Lead byte demands two extra bytes, only one present.
	if _, n := SevenZ([]byte{0xC0, 0x01}); n != 0 {
		t.Error("decoded from truncated input")
	}
}

func TestXZRoundTrip(t *testing.T) {
	vals := []uint64{0, 1, 0x7F, 0x80, 0x3FFF, 0x4000, 0xFFFFFFFF, 1<<62 - 1, 1<<63 - 1}
	for _, v := range vals {
		b := PutXZ(nil, v)
		got, n, err := XZ(b)
		if err != nil || n != len(b) || got != v {
			t.Errorf("XZ(%#x): encoded %x, decoded %#x (%d bytes, %v)", v, b, got, n, err)
		}
	}
}

func TestXZTruncated(t *testing.T) {
	if _, _, err := XZ([]byte{0x80, 0x80}); err == nil {
		t.Error("no error for unterminated varint")
	}
}

func TestTarNum(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
	}{
		{"0000644\x00", 0o644},
		{"       0", 0},
		{"        ", 0},
		{"00000001234 ", 0o1234},
	}
	for _, tc := range tests {
		got, err := TarNum([]byte(tc.in))
		if err != nil || got != tc.want {
			t.Errorf("TarNum(%q) = %d, %v; want %d", tc.in, got, err, tc.want)
		}
	}
	if _, err := TarNum([]byte("12x4")); err == nil {
		t.Error("no error for junk digits")
	}
}

func TestTarNumRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 0o777, 0o7777777, 0o77777777777, 1 << 36, 1<<63 - 1} {
		for _, width := range []int{8, 12} {
			if width == 8 && v > 0xFFFFFFFF {
				continue
			}
			buf := make([]byte, width)
			if !PutTarNum(buf, v) {
				t.Errorf("PutTarNum(%#o, width %d) refused", v, width)
				continue
			}
			got, err := TarNum(buf)
			if err != nil || got != v {
				t.Errorf("width %d: wrote %#o, read back %#o (%v)", width, v, got, err)
			}
		}
	}
}

func TestPutSevenZEncodings(t *testing.T) {
	// Known encodings: small values fit one byte verbatim.
	if diff := cmp.Diff([]byte{0x7F}, PutSevenZ(nil, 0x7F)); diff != "" {
		t.Errorf("0x7F (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{0x80, 0x80}, PutSevenZ(nil, 0x80)); diff != "" {
		t.Errorf("0x80 (-want, +got):\n%s", diff)
	}
}
