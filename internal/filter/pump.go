package filter

import "io"

// pump adapts an io.Reader-based decoder into the push-style [Stage]
// contract. The decoder runs on its own goroutine, parked on unbuffered
// channels except while a Process call is in flight, so directive
// sequences stay deterministic and no work happens between calls.
//
// Input bytes are copied into the feeder before Process returns; the
// caller's slice is never retained. When the decoder finishes, the bytes
// it left unconsumed in the feeder are available from Leftover — gz needs
// them to land on the member trailer, xz to land on the block padding.
type pump struct {
	open func(io.Reader) (io.Reader, error)

	feed *feeder
	ev   chan pumpEvent
	inC  chan pumpIn
	ack  chan struct{}
	res  chan struct{}

	started  bool
	waiting  bool // decoder parked on inC
	needRes  bool // decoder parked on res
	done     bool
	err      error
	leftover []byte
}

type pumpIn struct {
	data []byte
	fin  bool
}

const (
	evNeed = iota
	evData
	evEOF
	evErr
)

type pumpEvent struct {
	kind     int
	data     []byte
	leftover []byte
	err      error
}

func newPump(open func(io.Reader) (io.Reader, error)) *pump {
	return &pump{open: open}
}

func (p *pump) start() {
	p.feed = &feeder{p: p}
	p.ev = make(chan pumpEvent)
	p.inC = make(chan pumpIn)
	p.ack = make(chan struct{})
	p.res = make(chan struct{})
	p.started = true
	go p.run()
}

func (p *pump) run() {
	defer close(p.ev)
	dec, err := p.open(p.feed)
	if err != nil {
		p.ev <- pumpEvent{kind: evErr, err: err}
		return
	}
	if c, ok := dec.(io.Closer); ok {
		defer c.Close()
	}
	buf := make([]byte, 64<<10)
	for {
		n, err := dec.Read(buf)
		if n > 0 {
			p.ev <- pumpEvent{kind: evData, data: buf[:n]}
			<-p.res
		}
		switch {
		case err == io.EOF:
			p.ev <- pumpEvent{kind: evEOF, leftover: p.feed.rest()}
			return
		case err != nil:
			p.ev <- pumpEvent{kind: evErr, err: err}
			return
		}
	}
}

// Process implements [Stage].
func (p *pump) Process(in []byte, fin bool) (Status, int, []byte, error) {
	if p.done {
		if p.err != nil {
			return More, 0, nil, p.err
		}
		return Done, 0, nil, nil
	}
	if !p.started {
		p.start()
	}
	if p.needRes {
		p.res <- struct{}{}
		p.needRes = false
	}
	consumed := 0
	for {
		if p.waiting {
			if len(in) == 0 && !fin {
				return More, consumed, nil, nil
			}
			p.inC <- pumpIn{data: in, fin: fin}
			<-p.ack
			consumed += len(in)
			in = nil
			p.waiting = false
		}
		e := <-p.ev
		switch e.kind {
		case evNeed:
			p.waiting = true
			if len(in) == 0 && !fin {
				return More, consumed, nil, nil
			}
		case evData:
			p.needRes = true
			return Data, consumed, e.data, nil
		case evEOF:
			p.done = true
			p.leftover = e.leftover
			return Done, consumed, nil, nil
		case evErr:
			p.done = true
			p.err = e.err
			return More, consumed, nil, e.err
		}
	}
}

// Leftover returns the input bytes the decoder never consumed. Valid
// after Process reported Done.
func (p *pump) Leftover() []byte { return p.leftover }

// Close unparks the decoder goroutine and waits for it to exit.
func (p *pump) Close() error {
	if !p.started || p.done {
		return nil
	}
	for {
		if p.needRes {
			p.res <- struct{}{}
			p.needRes = false
		}
		if p.waiting {
			p.inC <- pumpIn{fin: true}
			<-p.ack
			p.waiting = false
		}
		e, ok := <-p.ev
		if !ok {
			p.done = true
			return nil
		}
		switch e.kind {
		case evNeed:
			p.waiting = true
		case evData:
			p.needRes = true
		case evEOF, evErr:
			p.done = true
			return nil
		}
	}
}

// feeder is the io.Reader the decoder pulls from; Read parks the decoder
// goroutine until the pump owner delivers bytes.
type feeder struct {
	p   *pump
	buf []byte
	fin bool
}

func (f *feeder) Read(b []byte) (int, error) {
	for len(f.buf) == 0 {
		if f.fin {
			return 0, io.EOF
		}
		f.p.ev <- pumpEvent{kind: evNeed}
		in := <-f.p.inC
		f.buf = append(f.buf[:0], in.data...)
		f.fin = in.fin
		f.p.ack <- struct{}{}
	}
	n := copy(b, f.buf)
	f.buf = f.buf[n:]
	return n, nil
}

// ReadByte makes the feeder an io.ByteReader, so byte-oriented decoders
// (flate) read no further than their stream's end instead of wrapping it
// in a read-ahead buffer that would swallow the bytes Leftover reports.
func (f *feeder) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := f.Read(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (f *feeder) rest() []byte {
	return append([]byte(nil), f.buf...)
}
