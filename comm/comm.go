/*Package comm provides connection plumbing for remote lab hardware.

The pieces here are deliberately small and composable:

	maker := comm.BackingOffTCPConnMaker("192.168.237.47:30000", 3*time.Second)
	pool := comm.NewPool(1, 30*time.Second, maker)

	conn, err := pool.Get()
	// wrap in a Terminator for framed ASCII exchange, a Timeout for
	// bounded reads, talk to the device, then pool.ReturnWithError(conn, err)

A pool of size one doubles as a mutex over the wire: while one caller holds
the connection, a second caller's Get blocks, so a command and its response
can never interleave with another command/response pair on the same channel.
*/
package comm

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is generated when an operation is attempted on a
	// device whose connection was never established.
	ErrNotConnected = errors.New("comm: not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not
	// seen before the read buffer is exhausted.
	ErrTerminatorNotFound = errors.New("comm: termination byte not found")
)

// CreationFunc is a function which returns a new "connection" to something.
// A closure should be used to encapsulate the variables needed.
type CreationFunc func() (io.ReadWriteCloser, error)

// TCPSetup opens a new TCP connection and sets a timeout on connect, read,
// and write.
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}

// BackingOffTCPConnMaker returns a CreationFunc which dials addr with an
// exponential backoff.  Some instruments hold the listening socket for a
// beat after a disconnect and refuse an immediate redial; the backoff rides
// that out without thrashing the device.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			var err error
			conn, err = TCPSetup(addr, timeout)
			return err
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * time.Second,
			Clock:               backoff.SystemClock})
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// SerialConnMaker returns a CreationFunc which opens the serial port
// described by conf.  Used for bench units wired over RS-232 instead of
// ethernet.
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(conf)
	}
}
