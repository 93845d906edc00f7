package serialmux

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"sync"
	"time"
)

// MockSerialPort implements SerialPorter over an arbitrary reader, recording
// commands written to it.
type MockSerialPort struct {
	io.Reader

	mu      sync.Mutex
	written bytes.Buffer
	closer  io.Closer
}

func (m *MockSerialPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written.Write(p)
}

// Written returns everything written to the port.
func (m *MockSerialPort) Written() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written.String()
}

func (m *MockSerialPort) Close() error {
	if m.closer != nil {
		return m.closer.Close()
	}
	return nil
}

// FixtureOptions control how NewMockSerialMux replays a fixture.
type FixtureOptions struct {
	// Interval between fragments.
	Interval time.Duration
	// MaxFragment is the largest fragment written; sizes are drawn uniformly
	// from [1, MaxFragment] to exercise reassembly across chunk boundaries.
	MaxFragment int
	// Loop replays the fixture forever instead of ending the session at EOF.
	Loop bool
	Seed int64
}

// NewMockSerialMux creates a SerialMux that replays fixture bytes in randomly
// sized fragments, the way a low-throughput radio link delivers them.
func NewMockSerialMux(fixture []byte, o FixtureOptions) *SerialMux[*MockSerialPort] {
	if o.Interval <= 0 {
		o.Interval = 50 * time.Millisecond
	}
	if o.MaxFragment <= 0 {
		o.MaxFragment = 20
	}
	r, w := io.Pipe()
	port := &MockSerialPort{Reader: r, closer: r}

	go func() {
		defer w.Close()
		rng := rand.New(rand.NewSource(o.Seed))
		ticker := time.NewTicker(o.Interval)
		defer ticker.Stop()
		for {
			rest := fixture
			for len(rest) > 0 {
				<-ticker.C
				n := 1 + rng.Intn(o.MaxFragment)
				if n > len(rest) {
					n = len(rest)
				}
				if _, err := w.Write(rest[:n]); err != nil {
					// reader closed
					return
				}
				rest = rest[n:]
			}
			if !o.Loop || len(fixture) == 0 {
				return
			}
		}
	}()

	mux := NewSerialMux(port)
	// one Read per written fragment keeps the replayed boundaries intact
	mux.readSize = o.MaxFragment
	return mux
}

// TestableSerialPort implements SerialPorter with data supplied by the test.
// Reads block until data is added or the port is closed.
type TestableSerialPort struct {
	mu       sync.Mutex
	cond     *sync.Cond
	pending  [][]byte
	eof      bool
	written  bytes.Buffer
	closed   bool
	readErr  error
	writeErr error
}

// NewTestableSerialPort returns an empty TestableSerialPort.
func NewTestableSerialPort() *TestableSerialPort {
	t := &TestableSerialPort{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// AddFragments queues data so that each fragment is returned by its own Read.
func (t *TestableSerialPort) AddFragments(fragments ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range fragments {
		t.pending = append(t.pending, []byte(f))
	}
	t.cond.Broadcast()
}

// EndOfStream makes Read return io.EOF once queued fragments are consumed.
func (t *TestableSerialPort) EndOfStream() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.eof = true
	t.cond.Broadcast()
}

// FailReads makes the next Read return err.
func (t *TestableSerialPort) FailReads(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readErr = err
	t.cond.Broadcast()
}

// FailWrites makes every Write return err.
func (t *TestableSerialPort) FailWrites(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.pending) == 0 && !t.eof && !t.closed && t.readErr == nil {
		t.cond.Wait()
	}
	switch {
	case t.closed:
		return 0, errors.New("serial port closed")
	case t.readErr != nil:
		err := t.readErr
		t.readErr = nil
		return 0, err
	case len(t.pending) == 0:
		return 0, io.EOF
	}
	n := copy(p, t.pending[0])
	if n < len(t.pending[0]) {
		t.pending[0] = t.pending[0][n:]
	} else {
		t.pending = t.pending[1:]
	}
	return n, nil
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, errors.New("serial port closed")
	}
	if t.writeErr != nil {
		return 0, t.writeErr
	}
	return t.written.Write(p)
}

// Written returns all data written to the port.
func (t *TestableSerialPort) Written() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.written.String()
}

func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.cond.Broadcast()
	return nil
}

// Closed reports whether Close was called.
func (t *TestableSerialPort) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
