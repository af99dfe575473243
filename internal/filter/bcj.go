package filter

// x86 branch-conversion filter (BCJ). CALL and JMP rel32 operands are
// stored as absolute addresses in the compressed stream to expose more
// redundancy; the decode direction converts them back to relative form.
// The conversion needs 4 bytes of lookahead past each opcode byte, so the
// stage buffers its input and holds the last 4 bytes back until fin.

func test86MSByte(b byte) bool { return b == 0 || b == 0xFF }

var (
	maskToAllowed = [8]bool{true, true, true, false, true, false, false, false}
	maskToBit     = [8]uint32{0, 1, 2, 2, 3, 3, 3, 3}
)

// x86Convert translates branch operands in data in place, returning the
// count of bytes fully processed (at most 4 short of len(data); the
// caller carries the tail over). ip is the absolute
// stream position of data[0]; state carries the 3-bit operand mask across
// calls.
func x86Convert(data []byte, ip uint32, state *uint32, encoding bool) int {
	size := len(data)
	if size < 5 {
		return 0
	}
	prevMask := *state & 7
	ip += 5
	pos := 0
	prevPos := -1
	for {
		limit := size - 4
		p := pos
		for p < limit && data[p]&0xFE != 0xE8 {
			p++
		}
		pos = p
		if p >= limit {
			break
		}
		d := pos - prevPos
		if d > 3 {
			prevMask = 0
		} else {
			prevMask = (prevMask << uint(d-1)) & 7
			if prevMask != 0 {
				b := data[pos+4-int(maskToBit[prevMask])]
				if !maskToAllowed[prevMask] || test86MSByte(b) {
					prevPos = pos
					prevMask = (prevMask<<1)&7 | 1
					pos++
					continue
				}
			}
		}
		prevPos = pos
		if test86MSByte(data[pos+4]) {
			src := uint32(data[pos+4])<<24 | uint32(data[pos+3])<<16 |
				uint32(data[pos+2])<<8 | uint32(data[pos+1])
			var dest uint32
			for {
				if encoding {
					dest = ip + uint32(pos) + src
				} else {
					dest = src - (ip + uint32(pos))
				}
				if prevMask == 0 {
					break
				}
				idx := maskToBit[prevMask] * 8
				if !test86MSByte(byte(dest >> (24 - idx))) {
					break
				}
				src = dest ^ (uint32(1)<<(32-idx) - 1)
			}
			data[pos+4] = byte(^((dest >> 24 & 1) - 1))
			data[pos+3] = byte(dest >> 16)
			data[pos+2] = byte(dest >> 8)
			data[pos+1] = byte(dest)
			pos += 5
		} else {
			prevMask = (prevMask<<1)&7 | 1
			pos++
		}
	}
	d := pos - prevPos
	if d > 3 {
		*state = 0
	} else {
		*state = (prevMask << uint(d-1)) & 7
	}
	return pos
}

// BCJX86 returns an x86 branch-conversion stage. encode selects the
// compression direction; readers use the decode direction.
func BCJX86(encode bool) Stage {
	return &bcjX86{encode: encode}
}

type bcjX86 struct {
	buf    []byte
	ip     uint32
	state  uint32
	encode bool
	done   bool
}

func (b *bcjX86) Process(in []byte, fin bool) (Status, int, []byte, error) {
	if b.done {
		return Done, 0, nil, nil
	}
	b.buf = append(b.buf, in...)
	n := x86Convert(b.buf, b.ip, &b.state, b.encode)
	if fin {
		// The unconvertible tail passes through untouched.
		n = len(b.buf)
		b.done = true
	}
	if n == 0 {
		if fin {
			return Done, len(in), nil, nil
		}
		return More, len(in), nil, nil
	}
	out := b.buf[:n]
	b.buf = b.buf[n:]
	b.ip += uint32(n)
	return Data, len(in), out, nil
}

func (b *bcjX86) Close() error { return nil }
