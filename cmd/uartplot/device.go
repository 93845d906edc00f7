package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/uartplot/internal/httputil"
	"github.com/banshee-data/uartplot/internal/monitoring"
	"github.com/banshee-data/uartplot/internal/serialmux"
	"github.com/banshee-data/uartplot/internal/session"
	"github.com/banshee-data/uartplot/internal/timeutil"
)

// adminPaths are the serial debug routes forwarded to the open connection.
var adminPaths = []string{"/debug/tail", "/debug/send-command-api"}

// device owns the connection lifecycle: open the transport, run a session
// until the transport ends, then wait and reopen until shutdown.
type device struct {
	name           string
	open           func() (serialmux.SerialMuxInterface, error)
	session        *session.Session
	reconnectDelay time.Duration
	clock          timeutil.Clock

	mu      sync.Mutex
	admin   http.Handler
	state   string
	opens   int
	lastErr error
}

func newDevice(name string, open func() (serialmux.SerialMuxInterface, error), s *session.Session, reconnectDelay time.Duration, clock timeutil.Clock) *device {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &device{
		name:           name,
		open:           open,
		session:        s,
		reconnectDelay: reconnectDelay,
		clock:          clock,
		state:          "not connected",
	}
}

// run reconnects until ctx is cancelled.
func (d *device) run(ctx context.Context) error {
	for {
		err := d.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			monitoring.Logf("device %s: %v; retrying in %s", d.name, err, d.reconnectDelay)
		} else {
			monitoring.Logf("device %s: stream ended; reconnecting in %s", d.name, d.reconnectDelay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.clock.After(d.reconnectDelay):
		}
	}
}

// connectOnce runs one connection to completion. The session is ended before
// it returns.
func (d *device) connectOnce(ctx context.Context) error {
	mux, err := d.open()
	if err != nil {
		d.setState("waiting to reconnect", nil, err)
		return fmt.Errorf("open failed: %w", err)
	}

	admin := http.NewServeMux()
	mux.AttachAdminRoutes(admin)
	d.setState("connected", admin, nil)
	monitoring.Logf("device %s: connected", d.name)

	_, fragments := mux.Subscribe()

	monCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	monErr := make(chan error, 1)
	go func() {
		err := mux.Monitor(monCtx)
		// closing the mux closes the subscription, which ends the session
		if cerr := mux.Close(); cerr != nil {
			monitoring.Logf("device %s: close failed: %v", d.name, cerr)
		}
		monErr <- err
	}()

	runErr := d.session.Run(ctx, fragments)
	cancel()
	err = <-monErr

	d.setState("waiting to reconnect", nil, err)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("monitor failed: %w", err)
	}
	return nil
}

func (d *device) setState(state string, admin http.Handler, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = state
	d.admin = admin
	if admin != nil {
		d.opens++
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		d.lastErr = err
	}
}

// Status describes the connection for /api/status.
func (d *device) Status() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := fmt.Sprintf("%s %s (%d connections)", d.name, d.state, d.opens)
	if d.lastErr != nil && d.admin == nil {
		s += ": " + d.lastErr.Error()
	}
	return s
}

func (d *device) connections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// ServeHTTP forwards serial admin routes to the open connection.
func (d *device) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	admin := d.admin
	d.mu.Unlock()
	if admin == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "device not connected")
		return
	}
	admin.ServeHTTP(w, r)
}

// attachAdminRoutes mounts the forwarded serial admin routes on mux.
func (d *device) attachAdminRoutes(mux *http.ServeMux) {
	for _, p := range adminPaths {
		mux.Handle(p, d)
	}
}
