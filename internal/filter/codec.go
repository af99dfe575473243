package filter

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz/lzma"
)

// Inflate returns a stage decoding a raw deflate stream.
func Inflate() Stage {
	return newPump(func(r io.Reader) (io.Reader, error) {
		return flate.NewReader(r), nil
	})
}

// ZstdDecode returns a stage decoding a zstandard stream.
func ZstdDecode() Stage {
	return newPump(func(r io.Reader) (io.Reader, error) {
		d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	})
}

// LZMA1 returns a stage decoding a raw LZMA1 stream described by the
// 5-byte property block and the declared uncompressed size. The classic
// lzma header is synthesized in front of the stream so the decoder stops
// after exactly unpackSize bytes; raw 7z streams carry no end marker.
func LZMA1(props []byte, unpackSize uint64) (Stage, error) {
	if len(props) != 5 {
		return nil, fmt.Errorf("lzma1: bad property length %d", len(props))
	}
	hdr := make([]byte, 13)
	copy(hdr, props)
	binary.LittleEndian.PutUint64(hdr[5:], unpackSize)
	return newPump(func(r io.Reader) (io.Reader, error) {
		return lzma.NewReader(io.MultiReader(bytes.NewReader(hdr), r))
	}), nil
}

// LZMA2 returns a stage decoding a raw LZMA2 stream described by its
// 1-byte dictionary-size property.
func LZMA2(props []byte) (Stage, error) {
	if len(props) != 1 {
		return nil, fmt.Errorf("lzma2: bad property length %d", len(props))
	}
	dc, err := lzma2DictCap(props[0])
	if err != nil {
		return nil, err
	}
	return newPump(func(r io.Reader) (io.Reader, error) {
		return lzma.Reader2Config{DictCap: dc}.NewReader2(r)
	}), nil
}

func lzma2DictCap(b byte) (int, error) {
	if b > 40 {
		return 0, errors.New("lzma2: invalid dictionary size property")
	}
	if b == 40 {
		return 0xFFFFFFFF, nil
	}
	dc := int(2|b&1) << (b/2 + 11)
	if dc < minDictCap {
		dc = minDictCap
	}
	return dc, nil
}

// minDictCap keeps tiny declared dictionaries acceptable to the decoder.
const minDictCap = 1 << 16

// Deflate returns a stage compressing its input as a raw deflate stream.
// level 0 selects the library default.
func Deflate(level int) (Stage, error) {
	if level == 0 {
		level = flate.DefaultCompression
	}
	e := &encoder{}
	w, err := flate.NewWriter(&e.out, level)
	if err != nil {
		return nil, err
	}
	e.w = w
	return e, nil
}

// ZstdEncode returns a stage compressing its input as a zstandard stream.
// level 0 selects the library default; workers > 0 enables the encoder's
// internal concurrency.
func ZstdEncode(level, workers int) (Stage, error) {
	e := &encoder{}
	opts := []zstd.EOption{}
	if level != 0 {
		opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	}
	if workers > 0 {
		opts = append(opts, zstd.WithEncoderConcurrency(workers))
	}
	w, err := zstd.NewWriter(&e.out, opts...)
	if err != nil {
		return nil, err
	}
	e.w = w
	return e, nil
}

// encoder adapts a push-style compression writer to the Stage contract.
type encoder struct {
	w      io.WriteCloser
	out    bytes.Buffer
	closed bool
}

func (e *encoder) Process(in []byte, fin bool) (Status, int, []byte, error) {
	if len(in) > 0 {
		if _, err := e.w.Write(in); err != nil {
			return More, 0, nil, err
		}
	}
	if fin && !e.closed {
		if err := e.w.Close(); err != nil {
			return More, len(in), nil, err
		}
		e.closed = true
	}
	if e.out.Len() > 0 {
		out := e.out.Bytes()
		e.out.Reset()
		return Data, len(in), out, nil
	}
	if e.closed {
		return Done, len(in), nil, nil
	}
	return More, len(in), nil, nil
}

func (e *encoder) Close() error {
	if !e.closed {
		e.closed = true
		return e.w.Close()
	}
	return nil
}
