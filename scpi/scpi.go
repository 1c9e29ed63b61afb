/*Package scpi provides primitives for working with devices that have SCPI
interfaces.

A Conn wraps a comm.Pool and exposes the two primitive conversations of the
protocol, Write (set) and Query (get).  Because the pools used here hold a
single connection, a Query's send and receive happen under one lease and can
never interleave with another caller's exchange on the same channel.

When Handshaking is enabled (the default), every conversation is followed by
a "system:error?" round trip and the parsed result is returned as the error
value; multi-step negotiations use the Raw variants and check once at the
end to save round trips.
*/
package scpi

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/magnetlab/vectormag/comm"
)

const (
	// chunkSize bounds a single read from the instrument.
	chunkSize = 1024

	// defaultPace spaces wire operations; the instruments served here
	// want ~100ms between a command landing and the response query.
	defaultPace = 100 * time.Millisecond
)

// Conn is a SCPI conversation handle over a pooled connection.
type Conn struct {
	// Pool is the connection pool, which should have size 1 so that
	// leases double as the channel's wire lock.
	Pool *comm.Pool

	// Handshaking indicates whether an error query is exchanged after
	// every conversation to ensure the device accepted the input.
	Handshaking bool

	// Timeout bounds each socket read; an expired read degrades to an
	// empty response rather than an error (see Query).
	Timeout time.Duration

	limiter *rate.Limiter
}

// New returns a Conn over pool with handshaking enabled and the default
// command pacing.
func New(pool *comm.Pool, timeout time.Duration) *Conn {
	return &Conn{
		Pool:        pool,
		Handshaking: true,
		Timeout:     timeout,
		limiter:     rate.NewLimiter(rate.Every(defaultPace), 1),
	}
}

// SetPace adjusts the minimum spacing between wire operations.  Tests and
// simulators run with a much smaller pace than real hardware.
func (c *Conn) SetPace(d time.Duration) {
	c.limiter = rate.NewLimiter(rate.Every(d), 1)
}

// Write sends a command to the device.  If Handshaking is enabled the
// device's error queue is checked afterward and any device error returned.
func (c *Conn) Write(ctx context.Context, cmd string) error {
	return c.write(ctx, cmd, c.Handshaking)
}

// WriteRaw sends a command without the handshake round trip.
func (c *Conn) WriteRaw(ctx context.Context, cmd string) error {
	return c.write(ctx, cmd, false)
}

// Query sends a command and returns the device's response with framing
// stripped.  A read timeout yields an empty response and a nil error so
// that poll loops naturally re-sample.  If Handshaking is enabled the error
// queue is checked after the response is read, under the same lease.
func (c *Conn) Query(ctx context.Context, cmd string) (string, error) {
	return c.query(ctx, cmd, c.Handshaking)
}

// QueryRaw is Query without the handshake round trip.
func (c *Conn) QueryRaw(ctx context.Context, cmd string) (string, error) {
	return c.query(ctx, cmd, false)
}

// QueryFloat sends a command and parses the response as a float64.
func (c *Conn) QueryFloat(ctx context.Context, cmd string) (float64, error) {
	resp, err := c.Query(ctx, cmd)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(resp), 64)
}

// QueryInt sends a command and parses the response as an int.
func (c *Conn) QueryInt(ctx context.Context, cmd string) (int, error) {
	resp, err := c.Query(ctx, cmd)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(resp))
}

// CheckError pops one entry from the device's error queue and returns it
// classified per the taxonomy in this package, or nil when the queue holds
// no real error.
func (c *Conn) CheckError(ctx context.Context) error {
	resp, err := c.query(ctx, "system:error?", false)
	if err != nil {
		return err
	}
	return ParseError(resp)
}

func (c *Conn) write(ctx context.Context, cmd string, check bool) (err error) {
	conn, err := c.Pool.Get()
	if err != nil {
		return err
	}
	defer func() { c.Pool.ReturnWithError(conn, err) }()

	err = c.send(ctx, conn, cmd)
	if err != nil {
		return err
	}
	if check {
		var resp string
		resp, err = c.exchange(ctx, conn, "system:error?")
		if err != nil {
			return err
		}
		err = ParseError(resp)
	}
	return err
}

func (c *Conn) query(ctx context.Context, cmd string, check bool) (resp string, err error) {
	conn, err := c.Pool.Get()
	if err != nil {
		return "", err
	}
	defer func() { c.Pool.ReturnWithError(conn, err) }()

	resp, err = c.exchange(ctx, conn, cmd)
	if err != nil {
		return resp, err
	}
	if check {
		var errResp string
		errResp, err = c.exchange(ctx, conn, "system:error?")
		if err != nil {
			return resp, err
		}
		err = ParseError(errResp)
	}
	return resp, err
}

// send writes one framed command under the current lease.
func (c *Conn) send(ctx context.Context, conn io.ReadWriter, cmd string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	framed := comm.NewTerminator(comm.NewTimeout(conn, c.Timeout), '\n', '\n')
	_, err := framed.Write([]byte(cmd))
	return err
}

// exchange performs one framed request/response pair under the current
// lease.  Reads are bounded to chunkSize bytes and by the read timeout; a
// timeout produces an empty response, not an error.
func (c *Conn) exchange(ctx context.Context, conn io.ReadWriter, cmd string) (string, error) {
	if err := c.send(ctx, conn, cmd); err != nil {
		return "", err
	}
	// let the instrument turn the command around before reading
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	framed := comm.NewTerminator(comm.NewTimeout(conn, c.Timeout), '\n', '\n')
	buf := make([]byte, chunkSize)
	n, err := framed.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return "", nil
		}
		return "", err
	}
	return strings.TrimRight(string(buf[:n]), "\r\n"), nil
}
