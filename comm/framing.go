package comm

import (
	"bytes"
	"io"
	"time"
)

// Terminator wraps an io.ReadWriter in the framing used by line-oriented
// instruments: writes gain a Tx terminator byte, reads accumulate until the
// Rx terminator is seen (the terminator is stripped) or the caller's buffer
// is exhausted.
type Terminator struct {
	rw     io.ReadWriter
	Tx, Rx byte
}

// NewTerminator returns a Terminator with the given rx and tx framing bytes.
func NewTerminator(rw io.ReadWriter, rx, tx byte) *Terminator {
	return &Terminator{rw: rw, Rx: rx, Tx: tx}
}

// Write sends b followed by the Tx terminator.
func (t *Terminator) Write(b []byte) (int, error) {
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	buf = append(buf, t.Tx)
	n, err := t.rw.Write(buf)
	if n > len(b) {
		n = len(b)
	}
	return n, err
}

// Read fills p one chunk at a time until the Rx terminator arrives or p is
// full.  The terminator is not included in the returned count.  If p fills
// without a terminator being seen, ErrTerminatorNotFound is returned along
// with the data.
func (t *Terminator) Read(p []byte) (int, error) {
	read := 0
	for read < len(p) {
		n, err := t.rw.Read(p[read:])
		if n > 0 {
			if idx := bytes.IndexByte(p[read:read+n], t.Rx); idx >= 0 {
				return read + idx, err
			}
			read += n
		}
		if err != nil {
			return read, err
		}
	}
	return read, ErrTerminatorNotFound
}

// deadliner is implemented by net.Conn and anything else with socket-style
// deadlines.
type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Timeout wraps an io.ReadWriter so that each Read and Write refreshes the
// connection deadline, bounding every wire operation instead of only the
// first one after dial.
type Timeout struct {
	rw io.ReadWriter
	d  deadliner
	t  time.Duration
}

// NewTimeout returns a Timeout wrapper around rw.  If rw does not reach a
// deadline-capable connection (a serial port, an in-memory pipe) the
// wrapper is a pass-through; serial read timeouts live in the port config.
func NewTimeout(rw io.ReadWriter, timeout time.Duration) *Timeout {
	to := &Timeout{rw: rw, t: timeout}
	if d, ok := rw.(deadliner); ok {
		to.d = d
	} else if term, ok := rw.(*Terminator); ok {
		if d, ok := term.rw.(deadliner); ok {
			to.d = d
		}
	}
	return to
}

func (t *Timeout) Read(p []byte) (int, error) {
	if t.d != nil {
		t.d.SetReadDeadline(time.Now().Add(t.t))
	}
	return t.rw.Read(p)
}

func (t *Timeout) Write(p []byte) (int, error) {
	if t.d != nil {
		t.d.SetWriteDeadline(time.Now().Add(t.t))
	}
	return t.rw.Write(p)
}
