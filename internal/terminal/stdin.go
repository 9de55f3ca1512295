package terminal

import (
	"io"
	"sync"
)

// stdinQueue is a bounded in-memory byte queue between the WebSocket read
// path and the exec stdin. An io.Pipe would stall the control-frame read
// pump whenever the client types ahead of the exec start, since nothing
// reads stdin until the stream is attached; the queue absorbs that burst
// and still blocks writers once the cap is hit, so a slow-draining
// upstream exerts backpressure without dropping bytes.
type stdinQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	max    int
	closed bool
}

func newStdinQueue(max int) *stdinQueue {
	q := &stdinQueue{max: max}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Write appends p, blocking while the queue is full. Returns io.ErrClosedPipe
// after Close.
func (q *stdinQueue) Write(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	written := 0
	for written < len(p) {
		for !q.closed && len(q.buf) >= q.max {
			q.cond.Wait()
		}
		if q.closed {
			return written, io.ErrClosedPipe
		}
		room := q.max - len(q.buf)
		chunk := p[written:]
		if len(chunk) > room {
			chunk = chunk[:room]
		}
		q.buf = append(q.buf, chunk...)
		written += len(chunk)
		q.cond.Broadcast()
	}
	return written, nil
}

// Read drains queued bytes, blocking while the queue is empty. Returns
// io.EOF once the queue is closed and drained.
func (q *stdinQueue) Read(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.buf) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, q.buf)
	q.buf = q.buf[n:]
	q.cond.Broadcast()
	return n, nil
}

// Close wakes all waiters; readers drain what is buffered and then see EOF.
func (q *stdinQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
