// Package gather accumulates fixed-size records out of arbitrarily sized
// input chunks. Every reader state machine in this module funnels its
// input through one of these buffers: the caller hands over whatever bytes
// it has, and the buffer reports a complete record only once enough bytes
// arrived.
package gather

// Buffer collects bytes until a requested record size is reached.
type Buffer struct {
	buf  []byte
	need int
}

// Next arms the buffer for a record of n bytes, discarding any previously
// returned record.
func (b *Buffer) Next(n int) {
	b.buf = b.buf[:0]
	b.need = n
}

// Feed consumes bytes from *in until the armed record is complete.
// It returns the record and true, or nil and false when more input is
// needed. The returned slice is valid until the next call to Next.
//
// When the record can be satisfied from *in alone no copy is made.
func (b *Buffer) Feed(in *[]byte) ([]byte, int, bool) {
	if len(b.buf) == 0 && len(*in) >= b.need {
		rec := (*in)[:b.need]
		*in = (*in)[b.need:]
		return rec, b.need, true
	}
	n := b.need - len(b.buf)
	if n > len(*in) {
		n = len(*in)
	}
	b.buf = append(b.buf, (*in)[:n]...)
	*in = (*in)[n:]
	if len(b.buf) < b.need {
		return nil, n, false
	}
	return b.buf, n, true
}

// FeedToByte consumes bytes from *in until delim is seen. The returned
// record excludes the delimiter but the consumed count includes it.
func (b *Buffer) FeedToByte(in *[]byte, delim byte) ([]byte, int, bool) {
	for i, c := range *in {
		if c == delim {
			b.buf = append(b.buf, (*in)[:i]...)
			*in = (*in)[i+1:]
			return b.buf, i + 1, true
		}
	}
	n := len(*in)
	b.buf = append(b.buf, *in...)
	*in = nil
	return nil, n, false
}

// Pending reports how many bytes are buffered for the current record.
func (b *Buffer) Pending() int { return len(b.buf) }

// Reset drops all buffered state.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.need = 0
}
