package terminal

import (
	"fmt"
	"io"
	"sync"

	"k8s.io/client-go/tools/remotecommand"
)

// ResizableSink is the outbound byte sink for one exec attempt. It carries
// the mutable TTY dimensions and doubles as the remotecommand size queue,
// so window changes signalled by Resize reach the exec channel. Writes go
// straight to the client writer and block until it accepts them, which is
// what propagates WebSocket backpressure to the upstream stream.
type ResizableSink struct {
	w io.Writer

	mu   sync.Mutex
	cols uint16
	rows uint16

	sizeCh     chan remotecommand.TerminalSize
	done       chan struct{}
	firstWrite chan struct{}

	closeOnce sync.Once
	writeOnce sync.Once
}

// NewResizableSink creates a sink with the given initial TTY size. The
// initial size is the first value the exec client reads from the queue.
func NewResizableSink(w io.Writer, cols, rows uint16) *ResizableSink {
	s := &ResizableSink{
		w:          w,
		cols:       cols,
		rows:       rows,
		sizeCh:     make(chan remotecommand.TerminalSize, 1),
		done:       make(chan struct{}),
		firstWrite: make(chan struct{}),
	}
	s.sizeCh <- remotecommand.TerminalSize{Width: cols, Height: rows}
	return s
}

// Write forwards merged stdout/stderr bytes to the client.
func (s *ResizableSink) Write(p []byte) (int, error) {
	select {
	case <-s.done:
		return 0, fmt.Errorf("sink closed")
	default:
	}
	n, err := s.w.Write(p)
	if n > 0 {
		s.writeOnce.Do(func() { close(s.firstWrite) })
	}
	return n, err
}

// Resize records new TTY dimensions and signals the size queue. The queue
// holds at most one pending size; the latest wins.
func (s *ResizableSink) Resize(cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cols = cols
	s.rows = rows
	select {
	case <-s.sizeCh:
	default:
	}
	select {
	case s.sizeCh <- remotecommand.TerminalSize{Width: cols, Height: rows}:
	default:
	}
}

// Size returns the current TTY dimensions.
func (s *ResizableSink) Size() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Next blocks until a window change is signalled. Returning nil stops the
// exec client's resize loop.
func (s *ResizableSink) Next() *remotecommand.TerminalSize {
	select {
	case size := <-s.sizeCh:
		return &size
	case <-s.done:
		return nil
	}
}

// FirstWrite is closed once the first upstream bytes reach the client.
func (s *ResizableSink) FirstWrite() <-chan struct{} {
	return s.firstWrite
}

// Close releases the size queue and rejects further writes. Safe to call
// more than once.
func (s *ResizableSink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

var (
	_ io.Writer                       = (*ResizableSink)(nil)
	_ remotecommand.TerminalSizeQueue = (*ResizableSink)(nil)
)
