package wire

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// AcceptPoll is the accept deadline used to observe shutdown.
const AcceptPoll = time.Second

// Listen opens a TCP listener on addr.
func Listen(addr string) (*net.TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return ln.(*net.TCPListener), nil
}

// Serve accepts connections on ln until ctx is done or ln is closed, running
// handle for each one in its own goroutine. The connection is closed when
// handle returns. Serve waits for in-flight handlers before returning.
func Serve(ctx context.Context, ln *net.TCPListener, name string, handle func(net.Conn)) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ln.SetDeadline(time.Now().Add(AcceptPoll))
		conn, err := ln.Accept()
		if err != nil {
			var opErr *net.OpError
			if errors.As(err, &opErr) && opErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[%s] error accepting connection: %v", name, err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			handle(conn)
		}()
	}
}
