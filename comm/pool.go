package comm

import (
	"io"
	"sync"
	"time"
)

// Pool is a communication pool which holds one or more connections to a
// device.  Connections are created lazily, reused while the pool is warm,
// and torn down after they have all been idle for the reclaim timeout.
// It is concurrent safe.  Pools must be created with NewPool.
//
// A counting semaphore bounds the live connections: Get takes a token
// before it touches the idle buffer or the maker, and Put and Destroy give
// the token back.  Every live connection is held against a token, so the
// idle buffer can never fill beyond the tokens outstanding and Put's send
// cannot block.  No channel operation happens under the bookkeeping lock.
type Pool struct {
	maxSize int
	timeout time.Duration           // idle time after which connections are freed
	conns   chan io.ReadWriteCloser // idle connections
	slots   chan struct{}           // semaphore; one token per allowed connection
	timer   *time.Timer             // fires the reclaim pass
	maker   CreationFunc

	mu         sync.Mutex // guards timer arming, reclaiming, closed
	reclaiming bool
	closed     bool
}

// NewPool creates a new Pool holding up to maxSize connections made by maker.
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	p := &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		slots:   make(chan struct{}, maxSize),
		timer:   time.NewTimer(timeout),
		maker:   maker,
	}
	for i := 0; i < maxSize; i++ {
		p.slots <- struct{}{}
	}
	p.timer.Stop() // nothing to reclaim yet
	return p
}

// Get retrieves a connection from the pool, blocking until one is available
// if all are in use.  The caller has exclusive use of the connection until
// it is given back with Put or ReturnWithError, or discarded with Destroy.
//
// If the error from Get is not nil, the returned value must not be given
// back to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.mu.Lock()
	p.timer.Stop()
	p.mu.Unlock()

	<-p.slots
	// Put buffers the connection before it releases the token, so a woken
	// waiter always finds the idle connection here if one exists.
	select {
	case c := <-p.conns:
		return c, nil
	default:
	}
	c, err := p.maker()
	if err != nil {
		p.slots <- struct{}{}
		return nil, err
	}
	return c, nil
}

// Put restores a connection to the pool.  It may be reused, or will be
// freed after all connections are returned and the timeout has elapsed.
// Junk connections (ones that always error) should be Destroy()'d instead.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.conns <- rwc
	p.slots <- struct{}{}
	p.maybeReclaim()
}

// ReturnWithError is a convenience for deferred cleanup: the connection is
// Put back when err is nil and Destroy'd otherwise, on the theory that an
// errored exchange may have left unread bytes on the wire.
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if rw == nil {
		return
	}
	if err != nil {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Destroy immediately frees a connection owned by the pool.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	rwc.Close()
	p.slots <- struct{}{}
	p.maybeReclaim()
}

// Size returns the number of connections in the pool, or given out from it.
func (p *Pool) Size() int {
	return len(p.conns) + p.Active()
}

// Active returns the number of connections currently given out.
func (p *Pool) Active() int {
	return p.maxSize - len(p.slots)
}

// Close tears down every idle connection and marks the pool closed.  Leased
// connections are the responsibility of their holders; callers should join
// any outstanding work before closing the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.timer.Stop()
	var err error
	for {
		select {
		case c := <-p.conns:
			if cerr := c.Close(); cerr != nil && err == nil {
				err = cerr
			}
		default:
			return err
		}
	}
}

// maybeReclaim arms the idle timer once every token is home; when it fires,
// every pooled connection is closed.  They will be remade on the next Get.
func (p *Pool) maybeReclaim() {
	if len(p.slots) != p.maxSize {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reclaiming || p.closed {
		return
	}
	p.reclaiming = true
	p.timer.Reset(p.timeout)
	go func() {
		<-p.timer.C
		p.mu.Lock()
		defer p.mu.Unlock()
		p.reclaiming = false
		for {
			select {
			case c := <-p.conns:
				c.Close()
			default:
				return
			}
		}
	}()
}
