package bootstrap

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// signal.NotifyContext 会常驻一个信号接收 goroutine
var leakOpts = []goleak.Option{
	goleak.IgnoreTopFunction("os/signal.signal_recv"),
	goleak.IgnoreAnyFunction("os/signal.loop"),
}

type fakeRegistry struct {
	mu     sync.Mutex
	events []string
}

func (r *fakeRegistry) Register(name, ip string, port int) error {
	r.record("register " + name + " " + ip)
	return nil
}

func (r *fakeRegistry) Deregister(name, ip string, port int) error {
	r.record("deregister " + name)
	return nil
}

func (r *fakeRegistry) record(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func TestRunServesAndShutsDownInOrder(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		steps []string
	)
	step := func(s string) {
		mu.Lock()
		steps = append(steps, s)
		mu.Unlock()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "ok") })
	reg := &fakeRegistry{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, App{
			Name:        "order-service",
			Handler:     mux,
			Listener:    ln,
			Registry:    reg,
			AdvertiseIP: "10.0.0.9",
			Workers: []Worker{{
				Name: "loop",
				Run: func(ctx context.Context) error {
					<-ctx.Done()
					step("worker exited")
					return ctx.Err()
				},
				Stop: func(context.Context) { step("worker stop") },
			}},
			Closers: []Closer{
				{Name: "ledger", Close: func(context.Context) error { step("close ledger"); return nil }},
				{Name: "tracer", Close: func(context.Context) error { step("close tracer"); return errors.New("ignored") }},
			},
			ShutdownTimeout: time.Second,
		})
	}()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	http.DefaultClient.CloseIdleConnections()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}

	assert.Equal(t, []string{"register order-service 10.0.0.9", "deregister order-service"}, reg.events)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, steps, 4)
	assert.ElementsMatch(t, []string{"worker exited", "worker stop"}, steps[:2])
	assert.Equal(t, []string{"close ledger", "close tracer"}, steps[2:])
}

func TestRunStopsWhenWorkerFails(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	closed := make(chan struct{})
	err = Run(context.Background(), App{
		Name:     "order-service",
		Handler:  http.NewServeMux(),
		Listener: ln,
		Workers: []Worker{
			{Name: "broken", Run: func(context.Context) error { return errors.New("kafka unreachable") }},
			{Name: "idle", Run: func(ctx context.Context) error { <-ctx.Done(); return nil }},
		},
		Closers: []Closer{{Name: "sink", Close: func(context.Context) error { close(closed); return nil }}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker broken")
	select {
	case <-closed:
	default:
		t.Fatal("closers must run on failure")
	}
}

func TestRunFailsWhenRegistrationFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	closed := false
	err = Run(context.Background(), App{
		Name:        "order-service",
		Handler:     http.NewServeMux(),
		Listener:    ln,
		Registry:    failingRegistry{},
		AdvertiseIP: "10.0.0.1",
		Closers:     []Closer{{Name: "db", Close: func(context.Context) error { closed = true; return nil }}},
	})
	require.Error(t, err)
	assert.True(t, closed, "resources must be released when startup fails")
}

type failingRegistry struct{}

func (failingRegistry) Register(string, string, int) error   { return errors.New("nacos down") }
func (failingRegistry) Deregister(string, string, int) error { return nil }
