package browser

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLauncher(t *testing.T) {
	var l Launcher = LocalLauncher{}

	inst, err := l.Launch(context.Background(), "ctx-1")
	require.NoError(t, err)
	assert.Equal(t, "ctx-1", inst.ContextID)
	assert.Empty(t, inst.ConnectURL)
	assert.NoError(t, l.Stop(context.Background(), inst))
	assert.NoError(t, l.Close())
}

func TestWaitForBrowserReady(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/json/version", r.URL.Path)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host, port := splitServer(t, srv.URL)
	l := &DockerLauncher{
		opts: DockerOptions{Host: host, ReadyRetries: 5, ReadyDelay: time.Millisecond},
		http: srv.Client(),
	}

	require.NoError(t, l.waitForBrowserReady(context.Background(), port))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWaitForBrowserReady_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	host, port := splitServer(t, srv.URL)
	l := &DockerLauncher{
		opts: DockerOptions{Host: host, ReadyRetries: 3, ReadyDelay: time.Millisecond},
		http: srv.Client(),
	}

	err := l.waitForBrowserReady(context.Background(), port)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 retries")
}

func TestStopWithoutContainer(t *testing.T) {
	l := &DockerLauncher{}
	assert.NoError(t, l.Stop(context.Background(), nil))
	assert.NoError(t, l.Stop(context.Background(), &Instance{}))
}

func splitServer(t *testing.T, raw string) (string, string) {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	return host, port
}
