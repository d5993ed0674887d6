package stream

import (
	"context"
	"errors"
	"io"
	"sync"
)

// FakeSocket is an in-memory Socket driven by the test.
type FakeSocket struct {
	readCh  chan string
	errCh   chan error
	mu      sync.Mutex
	written []string
	closed  bool
}

func NewFakeSocket() *FakeSocket {
	return &FakeSocket{readCh: make(chan string, 16), errCh: make(chan error, 1)}
}

func (f *FakeSocket) EmitText(text string) {
	f.readCh <- text
}

// Drop makes the next read fail with err, as a lost connection would.
func (f *FakeSocket) Drop(err error) {
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	f.errCh <- err
}

func (f *FakeSocket) ReadText(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-f.errCh:
		return "", err
	case text := <-f.readCh:
		return text, nil
	}
}

func (f *FakeSocket) WriteText(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return io.ErrClosedPipe
	}
	f.written = append(f.written, text)
	return nil
}

func (f *FakeSocket) Written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.written...)
}

func (f *FakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

var ErrFakeDial = errors.New("fake dial refused")

// FakeDialer hands out Sockets in order; a nil entry is a failed dial.
// Once the script runs out every dial fails.
type FakeDialer struct {
	mu     sync.Mutex
	script []*FakeSocket
	dials  int
	dialed chan *FakeSocket
}

func NewFakeDialer(script ...*FakeSocket) *FakeDialer {
	return &FakeDialer{script: script, dialed: make(chan *FakeSocket, len(script)+1)}
}

func (d *FakeDialer) Dial(ctx context.Context, url string) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.script) == 0 {
		return nil, ErrFakeDial
	}
	next := d.script[0]
	d.script = d.script[1:]
	if next == nil {
		return nil, ErrFakeDial
	}
	select {
	case d.dialed <- next:
	default:
	}
	return next, nil
}

func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Connected delivers each socket as it is handed out.
func (d *FakeDialer) Connected() <-chan *FakeSocket {
	return d.dialed
}
