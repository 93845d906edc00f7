package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/uartplot/internal/monitoring"
	"github.com/banshee-data/uartplot/internal/serialmux"
	"github.com/banshee-data/uartplot/internal/session"
	"github.com/banshee-data/uartplot/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

var epoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

// testPorts hands out a fresh TestableSerialPort per open.
type testPorts struct {
	mu    sync.Mutex
	ports []*serialmux.TestableSerialPort
	errs  []error
}

func (tp *testPorts) open() (serialmux.SerialMuxInterface, error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if len(tp.errs) > 0 {
		err := tp.errs[0]
		tp.errs = tp.errs[1:]
		return nil, err
	}
	p := serialmux.NewTestableSerialPort()
	tp.ports = append(tp.ports, p)
	return serialmux.NewSerialMux(p), nil
}

func (tp *testPorts) port(i int) *serialmux.TestableSerialPort {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.ports[i]
}

func startDevice(t *testing.T, tp *testPorts) (*device, *session.Session, *timeutil.MockClock, context.CancelFunc, <-chan error) {
	t.Helper()
	clock := timeutil.NewMockClock(epoch)
	sess := session.New(session.Options{Clock: clock})
	dev := newDevice("test", tp.open, sess, time.Second, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dev.run(ctx) }()
	t.Cleanup(cancel)
	return dev, sess, clock, cancel, done
}

func TestDevice_ReconnectStartsEmptySession(t *testing.T) {
	tp := &testPorts{}
	dev, sess, clock, cancel, done := startDevice(t, tp)

	require.Eventually(t, func() bool {
		return dev.connections() == 1 && sess.Status().Connected
	}, 2*time.Second, time.Millisecond)
	firstID := sess.Status().ID

	tp.port(0).AddFragments("1,2\n3,")
	require.Eventually(t, func() bool { return sess.Status().Samples == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 2, sess.Status().Pending)

	// device goes away
	tp.port(0).EndOfStream()
	require.Eventually(t, func() bool { return !sess.Status().Connected }, 2*time.Second, time.Millisecond)
	assert.Zero(t, sess.Status().Samples)
	require.Eventually(t, tp.port(0).Closed, 2*time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return dev.connections() == 2 && sess.Status().Connected
	}, 2*time.Second, time.Millisecond)

	st := sess.Status()
	assert.NotEqual(t, firstID, st.ID)
	assert.Zero(t, st.Samples)
	assert.Zero(t, st.Pending, "partial record from the previous connection is discarded")

	// the leftover "3," is not completed by the new connection
	tp.port(1).AddFragments("4\n")
	require.Eventually(t, func() bool { return sess.Status().Samples == 1 }, 2*time.Second, time.Millisecond)
	snap := sess.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, []float64{4}, snap[0].Values)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("device did not stop")
	}
	assert.False(t, sess.Status().Connected)
}

func TestDevice_RetriesOpenFailures(t *testing.T) {
	tp := &testPorts{errs: []error{errors.New("no such device")}}
	dev, sess, clock, _, _ := startDevice(t, tp)

	require.Eventually(t, func() bool {
		return strings.Contains(dev.Status(), "no such device")
	}, 2*time.Second, time.Millisecond)
	assert.Contains(t, dev.Status(), "waiting to reconnect")
	assert.False(t, sess.Status().Connected)

	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return dev.connections() == 1
	}, 2*time.Second, time.Millisecond)
	assert.Contains(t, dev.Status(), "test connected (1 connections)")
}

func TestDevice_ReadErrorEndsSession(t *testing.T) {
	tp := &testPorts{}
	dev, sess, clock, _, _ := startDevice(t, tp)

	require.Eventually(t, func() bool { return dev.connections() == 1 }, 2*time.Second, time.Millisecond)
	tp.port(0).AddFragments("5\n")
	require.Eventually(t, func() bool { return sess.Status().Samples == 1 }, 2*time.Second, time.Millisecond)

	tp.port(0).FailReads(errors.New("usb reset"))
	require.Eventually(t, func() bool {
		return strings.Contains(dev.Status(), "usb reset")
	}, 2*time.Second, time.Millisecond)
	assert.Zero(t, sess.Status().Samples)

	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return dev.connections() == 2
	}, 2*time.Second, time.Millisecond)
}

func TestDevice_ForwardsAdminRoutes(t *testing.T) {
	tp := &testPorts{errs: []error{errors.New("not yet")}}
	dev, _, clock, _, _ := startDevice(t, tp)

	mux := http.NewServeMux()
	dev.attachAdminRoutes(mux)

	send := func() *httptest.ResponseRecorder {
		form := url.Values{"command": {"R"}}
		req := httptest.NewRequest(http.MethodPost, "/debug/send-command-api", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.RemoteAddr = "127.0.0.1:12345"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	require.Eventually(t, func() bool {
		return strings.Contains(dev.Status(), "not yet")
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, http.StatusServiceUnavailable, send().Code)

	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return dev.connections() == 1
	}, 2*time.Second, time.Millisecond)

	rec := send()
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "R\n", tp.port(0).Written())
}
