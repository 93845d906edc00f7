// Serialmux provides an abstraction over a device serial port with the ability
// for multiple clients to subscribe to the raw byte fragments read from the
// port and to send commands to the device.
//
// Fragments are delivered exactly as read: they carry no framing and a record
// may span any number of them.
package serialmux

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

var ErrWriteFailed = fmt.Errorf("failed to write to serial port")

// DefaultReadSize is the largest fragment read from the port in one call.
const DefaultReadSize = 256

// SerialPorter is the minimal interface needed for a serial port. It lets
// tests run without serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a channel that receives every fragment read from the
	// port, in order and without loss. The subscriber must keep receiving
	// until it unsubscribes or the Monitor context is cancelled. The channel
	// ID is used to identify the channel when unsubscribing.
	Subscribe() (string, <-chan []byte)
	// Unsubscribe removes a channel from the list of subscribers and closes it.
	Unsubscribe(string)
	// SendCommand writes the provided command to the serial port.
	SendCommand(string) error
	// Monitor reads fragments from the serial port and sends them to the
	// subscribers. It returns nil when the port reaches EOF.
	Monitor(context.Context) error
	// Close closes all subscribed channels and closes the serial port.
	// Subscribers observe the closed channel as the end of the session.
	Close() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

type subscriber struct {
	ch chan []byte
	// lossy subscribers (debug tails) skip fragments rather than block the
	// monitor loop
	lossy bool
}

// SerialMux is a generic serial port multiplexer that allows multiple clients
// to subscribe to fragments from a single serial port.
type SerialMux[T SerialPorter] struct {
	port         T
	readSize     int
	subscribers  map[string]subscriber
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex
}

// NewSerialMux creates a SerialMux instance backed by the given port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		readSize:    DefaultReadSize,
		subscribers: make(map[string]subscriber),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, <-chan []byte) {
	return s.subscribe(false)
}

func (s *SerialMux[T]) subscribe(lossy bool) (string, <-chan []byte) {
	id := randomID()
	sub := subscriber{ch: make(chan []byte, 16), lossy: lossy}

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.closingMu.Lock()
	closing := s.closing
	s.closingMu.Unlock()
	if closing {
		// already closed: hand back a closed channel so callers don't block
		close(sub.ch)
		return id, sub.ch
	}
	s.subscribers[id] = sub
	return id, sub.ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if sub, ok := s.subscribers[id]; ok {
		close(sub.ch)
		delete(s.subscribers, id)
	}
}

// SendCommand sends a newline-terminated command to the serial port.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads the serial port and fans each fragment out to subscribers
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	fragChan := make(chan []byte)
	readErrChan := make(chan error, 1)

	// the blocking Read runs in its own goroutine so that it does not
	// interfere with the outer loop awaiting fragments & context cancellation.
	go func() {
		defer close(fragChan)
		buf := make([]byte, s.readSize)
		for {
			n, err := s.port.Read(buf)
			if n > 0 {
				// the read buffer is reused, so each fragment gets its own copy
				fragment := make([]byte, n)
				copy(fragment, buf[:n])
				select {
				case fragChan <- fragment:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErrChan <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case fragment, ok := <-fragChan:
			if !ok {
				select {
				case err := <-readErrChan:
					if errors.Is(err, io.EOF) {
						return nil
					}
					return err
				default:
					return ctx.Err()
				}
			}
			s.closingMu.Lock()
			if s.closing {
				s.closingMu.Unlock()
				return nil
			}
			s.closingMu.Unlock()

			if err := s.publish(ctx, fragment); err != nil {
				return err
			}
		}
	}
}

// publish delivers a fragment to every subscriber. Lossless subscribers are
// waited on; lossy ones are skipped when full.
func (s *SerialMux[T]) publish(ctx context.Context, fragment []byte) error {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, sub := range s.subscribers {
		if sub.lossy {
			select {
			case sub.ch <- fragment:
			default:
			}
			continue
		}
		select {
		case sub.ch <- fragment:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, sub := range s.subscribers {
		close(sub.ch)
		delete(s.subscribers, id)
	}
	return s.port.Close()
}
