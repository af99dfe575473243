// Package filter implements the transform pipeline shared by the format
// codecs: a source stage slicing bounded windows off the caller's input, a
// bounds stage clipping decoder output to an exact window, passthrough
// store and CRC stages, and the compression stages (deflate, lzma1, lzma2,
// zstd, x86 BCJ).
//
// A stage is a pure transformer over byte cursors. The pipeline driver
// walks the stage array front to back: a stage that wants input drains its
// upstream neighbor, a stage that produced output feeds its downstream
// neighbor, and the events at the edges (source wants caller input, last
// stage produced caller output) surface out of Step.
//
// A stage must consume its entire input before reporting More; the driver
// relies on this to reuse output buffers safely.
package filter

import (
	"errors"
	"fmt"
	"hash/crc32"
)

// Status is a stage's progress report.
type Status int

const (
	// More means the stage needs more input.
	More Status = iota
	// Data means the stage produced output bytes.
	Data
	// Done means the stage finished producing.
	Done
	// Seek is reported by the pipeline when the caller must reposition
	// its input to the offset reported by SeekOffset.
	Seek
)

// ErrTruncated is reported when a stage still needs input after its
// upstream finished.
var ErrTruncated = errors.New("filter: input ended mid-stream")

// Stage is one link of a pipeline.
//
// Process consumes bytes from the head of in and returns its status, the
// count of bytes consumed, and any output produced. fin tells the stage
// that no input beyond in will ever arrive.
type Stage interface {
	Process(in []byte, fin bool) (Status, int, []byte, error)
	Close() error
}

// Source is the pipeline's stage zero: it slices up to Size bytes off the
// caller's input cursor, requesting a seek whenever the caller's offset
// disagrees with the next expected offset.
type Source struct {
	Off  uint64 // next absolute input offset
	Size uint64 // bytes remaining in the window
}

func (s *Source) step(in *[]byte, off *uint64) (Status, []byte) {
	if s.Size == 0 {
		return Done, nil
	}
	if *off != s.Off {
		return Seek, nil
	}
	if len(*in) == 0 {
		return More, nil
	}
	n := uint64(len(*in))
	if n > s.Size {
		n = s.Size
	}
	out := (*in)[:n]
	*in = (*in)[n:]
	*off += n
	s.Off += n
	s.Size -= n
	return Data, out
}

// Pipeline drives a source and one or more stages.
type Pipeline struct {
	src    *Source
	stages []Stage
	ins    [][]byte
	fins   []bool
	cur    int
}

// NewPipeline builds a pipeline over the given source window and stages.
func NewPipeline(src *Source, stages ...Stage) *Pipeline {
	return &Pipeline{
		src:    src,
		stages: stages,
		ins:    make([][]byte, len(stages)),
		fins:   make([]bool, len(stages)),
	}
}

// SeekOffset is the absolute offset the caller must reposition to after a
// Seek status.
func (p *Pipeline) SeekOffset() uint64 { return p.src.Off }

// Step runs the pipeline until a caller-visible event: More (source wants
// input), Seek, Data (output from the last stage), or Done. in is the
// caller's input cursor, off the caller's current absolute input offset;
// both are advanced as the source consumes.
func (p *Pipeline) Step(in *[]byte, off *uint64) (Status, []byte, error) {
	for {
		if p.cur == 0 {
			st, out := p.src.step(in, off)
			switch st {
			case Seek, More:
				return st, nil, nil
			case Done:
				if len(p.stages) == 0 {
					return Done, nil, nil
				}
				p.fins[0] = true
				p.cur = 1
			case Data:
				if len(p.stages) == 0 {
					return Data, out, nil
				}
				p.ins[0] = out
				p.cur = 1
			}
			continue
		}

		i := p.cur - 1
		st, n, out, err := p.stages[i].Process(p.ins[i], p.fins[i])
		p.ins[i] = p.ins[i][n:]
		if err != nil {
			return st, nil, fmt.Errorf("filter: stage %d: %w", i, err)
		}
		switch st {
		case More:
			if p.fins[i] {
				return st, nil, ErrTruncated
			}
			p.cur--
		case Data:
			if i == len(p.stages)-1 {
				return Data, out, nil
			}
			p.ins[i+1] = out
			p.cur++
		case Done:
			if i == len(p.stages)-1 {
				// Unconsumed input may belong to the next bounds window;
				// take an owned copy so the producer's buffer can be
				// reused.
				if len(p.ins[i]) > 0 {
					p.ins[i] = append([]byte(nil), p.ins[i]...)
				}
				return Done, nil, nil
			}
			p.fins[i+1] = true
			p.cur++
		}
	}
}

// Close releases every stage.
func (p *Pipeline) Close() error {
	var err error
	for _, s := range p.stages {
		if e := s.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// Bounds clips upstream output to the window [Off, Off+Size) expressed in
// upstream output coordinates, and finishes the pipeline exactly when the
// window is exhausted even if the producer would emit more.
type Bounds struct {
	Off  uint64
	Size uint64
	read uint64
}

func (b *Bounds) Process(in []byte, fin bool) (Status, int, []byte, error) {
	start := b.read
	end := start + uint64(len(in))
	lim := b.Off + b.Size
	// Never consume past the window end: a later window may claim the
	// remainder.
	r := end
	if lim > start && lim < r {
		r = lim
	}
	if lim <= start {
		r = start
	}
	consumed := int(r - start)
	b.read = r
	lo := b.Off
	if start > lo {
		lo = start
	}
	if lo < r {
		return Data, consumed, in[lo-start : r-start], nil
	}
	if b.read >= lim {
		return Done, consumed, nil, nil
	}
	return More, consumed, nil, nil
}

func (b *Bounds) Close() error { return nil }

// Store passes input through unmodified.
type Store struct{}

func (Store) Process(in []byte, fin bool) (Status, int, []byte, error) {
	if len(in) == 0 {
		if fin {
			return Done, 0, nil, nil
		}
		return More, 0, nil, nil
	}
	return Data, len(in), in, nil
}

func (Store) Close() error { return nil }

// CRC32 passes input through while accumulating an IEEE CRC-32.
type CRC32 struct {
	Sum uint32
}

func (c *CRC32) Process(in []byte, fin bool) (Status, int, []byte, error) {
	if len(in) == 0 {
		if fin {
			return Done, 0, nil, nil
		}
		return More, 0, nil, nil
	}
	c.Sum = crc32.Update(c.Sum, crc32.IEEETable, in)
	return Data, len(in), in, nil
}

func (c *CRC32) Close() error { return nil }
