package sevenz

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"testing"

	"github.com/quay/zlog"
	"github.com/ulikunitz/xz/lzma"

	"github.com/arcfmt/arcfmt"
	"github.com/arcfmt/arcfmt/internal/names"
	"github.com/arcfmt/arcfmt/internal/vint"
)

var (
	payloadA = []byte("first payload contents")
	payloadB = bytes.Repeat([]byte("second! "), 40)
)

func putName(dst []byte, s string) []byte {
	dst = names.AppendUTF16(dst, s, false)
	return append(dst, 0, 0)
}

// buildHeaderMeta renders the uncompressed Header block stream for one
// store folder holding payloadA+payloadB plus an empty directory "docs".
func buildHeaderMeta(packOff, packSize uint64) []byte {
	crcA := crc32.ChecksumIEEE(payloadA)
	crcB := crc32.ChecksumIEEE(payloadB)

	var b []byte
	b = append(b, idHeader)
	{
		b = append(b, idMainStreamsInfo)
		{
			b = append(b, idPackInfo)
			b = vint.PutSevenZ(b, packOff)
			b = vint.PutSevenZ(b, 1)
			b = append(b, idSize)
			b = vint.PutSevenZ(b, packSize)
			b = append(b, idEnd)

			b = append(b, idUnPackInfo)
			b = append(b, idFolder)
			b = vint.PutSevenZ(b, 1) // folders
			b = append(b, 0)        // not external
			b = vint.PutSevenZ(b, 1) // coders
			b = append(b, 0x01, 0x00) // store
			b = append(b, idUnPackSize)
			b = vint.PutSevenZ(b, packSize)
			b = append(b, idEnd)

			b = append(b, idSubStreamsInfo)
			b = append(b, idNumUnPackStream)
			b = vint.PutSevenZ(b, 2)
			b = append(b, idSize)
			b = vint.PutSevenZ(b, uint64(len(payloadA)))
			b = append(b, idCRC, 1)
			b = binary.LittleEndian.AppendUint32(b, crcA)
			b = binary.LittleEndian.AppendUint32(b, crcB)
			b = append(b, idEnd)

			b = append(b, idEnd)
		}

		b = append(b, idFilesInfo)
		b = vint.PutSevenZ(b, 3)

		b = append(b, idEmptyStream)
		b = vint.PutSevenZ(b, 1)
		b = append(b, 0x20) // archive index 2 is streamless

		var nameData []byte
		nameData = append(nameData, 0) // not external
		nameData = putName(nameData, "alpha.txt")
		nameData = putName(nameData, "beta.bin")
		nameData = putName(nameData, "docs")
		b = append(b, idName)
		b = vint.PutSevenZ(b, uint64(len(nameData)))
		b = append(b, nameData...)

		var attrData []byte
		attrData = append(attrData, 1, 0) // all defined, not external
		attrData = binary.LittleEndian.AppendUint32(attrData, 0x20)
		attrData = binary.LittleEndian.AppendUint32(attrData, 0x20)
		attrData = binary.LittleEndian.AppendUint32(attrData, 0x10) // directory
		b = append(b, idWinAttributes)
		b = vint.PutSevenZ(b, uint64(len(attrData)))
		b = append(b, attrData...)

		b = append(b, idEnd)
	}
	b = append(b, idEnd)
	return b
}

func putGhdr(metaOff, metaSize uint64, meta []byte) []byte {
	g := make([]byte, ghdrSize)
	copy(g, sigMagic)
	binary.LittleEndian.PutUint64(g[12:], metaOff-ghdrSize)
	binary.LittleEndian.PutUint64(g[20:], metaSize)
	binary.LittleEndian.PutUint32(g[28:], crc32.ChecksumIEEE(meta))
	binary.LittleEndian.PutUint32(g[8:], crc32.ChecksumIEEE(g[12:32]))
	return g
}

// buildPlain assembles an archive whose metadata is stored as-is.
func buildPlain() []byte {
	packed := append(append([]byte(nil), payloadA...), payloadB...)
	meta := buildHeaderMeta(0, uint64(len(packed)))
	arc := putGhdr(uint64(ghdrSize+len(packed)), uint64(len(meta)), meta)
	arc = append(arc, packed...)
	return append(arc, meta...)
}

// buildEncoded assembles an archive whose Header is itself
// LZMA-compressed behind an EncodedHeader block.
func buildEncoded(t *testing.T) []byte {
	t.Helper()
	packed := append(append([]byte(nil), payloadA...), payloadB...)
	inner := buildHeaderMeta(0, uint64(len(packed)))

	var comp bytes.Buffer
	lw, err := lzma.WriterConfig{Size: int64(len(inner))}.NewWriter(&comp)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := lw.Write(inner); err != nil {
		t.Fatal(err)
	}
	if err := lw.Close(); err != nil {
		t.Fatal(err)
	}
	// The classic lzma header is props(5) + size(8); the coder carries
	// the props, the stream is raw.
	props := comp.Bytes()[:5]
	packedMeta := comp.Bytes()[13:]

	var outer []byte
	outer = append(outer, idEncodedHeader)
	{
		outer = append(outer, idPackInfo)
		outer = vint.PutSevenZ(outer, uint64(len(packed)))
		outer = vint.PutSevenZ(outer, 1)
		outer = append(outer, idSize)
		outer = vint.PutSevenZ(outer, uint64(len(packedMeta)))
		outer = append(outer, idEnd)

		outer = append(outer, idUnPackInfo)
		outer = append(outer, idFolder)
		outer = vint.PutSevenZ(outer, 1)
		outer = append(outer, 0)
		outer = vint.PutSevenZ(outer, 1)
		outer = append(outer, 0x23, 0x03, 0x01, 0x01) // lzma1, with props
		outer = vint.PutSevenZ(outer, 5)
		outer = append(outer, props...)
		outer = append(outer, idUnPackSize)
		outer = vint.PutSevenZ(outer, uint64(len(inner)))
		outer = append(outer, idCRC, 1)
		outer = binary.LittleEndian.AppendUint32(outer, crc32.ChecksumIEEE(inner))
		outer = append(outer, idEnd)

		outer = append(outer, idEnd)
	}

	arc := putGhdr(uint64(ghdrSize+len(packed)+len(packedMeta)), uint64(len(outer)), outer)
	arc = append(arc, packed...)
	arc = append(arc, packedMeta...)
	return append(arc, outer...)
}

// listAndRead drives the reader over arc, returning entries and their
// payloads.
func listAndRead(t *testing.T, arc []byte) []FileInfo {
	t.Helper()
	ctx := zlog.Test(context.Background(), t)
	r := NewReader(ctx)
	defer r.Close()

	var in []byte
	pos := 0
	var got []FileInfo
	var cur *FileInfo
	var data []byte
	for i := 0; i < 10_000_000; i++ {
		switch res := r.Process(&in); res {
		case arcfmt.More:
			if pos >= len(arc) && len(in) == 0 {
				t.Fatal("reader wants input past EOF")
			}
			end := pos + 173
			if end > len(arc) {
				end = len(arc)
			}
			in = arc[pos:end]
			pos = end
		case arcfmt.Seek:
			pos = int(r.Offset())
			in = nil
		case arcfmt.FileHeader:
			f := r.NextFile()
			if f == nil {
				return got
			}
			got = append(got, *f)
			cur = &got[len(got)-1]
			data = nil
		case arcfmt.Data:
			data = append(data, r.Data()...)
		case arcfmt.FileDone:
			if !bytes.Equal(data, wantPayload(cur.Name)) {
				t.Errorf("%q: payload mismatch (%d bytes)", cur.Name, len(data))
			}
		case arcfmt.Warning:
			t.Fatalf("warning: %v", r.Err())
		default:
			t.Fatalf("reader: %v: %v", res, r.Err())
		}
	}
	t.Fatal("reader did not terminate")
	panic("unreachable")
}

func wantPayload(name string) []byte {
	switch name {
	case "alpha.txt":
		return payloadA
	case "beta.bin":
		return payloadB
	}
	return nil
}

func checkListing(t *testing.T, got []FileInfo) {
	t.Helper()
	want := []string{"alpha.txt", "beta.bin", "docs"}
	if len(got) != len(want) {
		t.Fatalf("%d entries, want %d", len(got), len(want))
	}
	for i, name := range want {
		if got[i].Name != name {
			t.Errorf("entry %d: name %q, want %q", i, got[i].Name, name)
		}
	}
	if !got[2].IsDir() {
		t.Error("docs is not a directory")
	}
}

func TestPlainHeader(t *testing.T) {
	checkListing(t, listAndRead(t, buildPlain()))
}

func TestEncodedHeader(t *testing.T) {
	checkListing(t, listAndRead(t, buildEncoded(t)))
}

func TestBadSignature(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	r := NewReader(ctx)
	defer r.Close()
	in := append([]byte("not7zip!"), make([]byte, 64)...)
	for i := 0; i < 10; i++ {
		if res := r.Process(&in); res == arcfmt.Error {
			if !errors.Is(r.Err(), arcfmt.ErrBadMagic) {
				t.Fatalf("error is %v", r.Err())
			}
			return
		}
	}
	t.Fatal("no error surfaced")
}
