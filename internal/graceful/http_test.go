package graceful

import (
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	m, err := ParseMode("graceful")
	require.NoError(t, err)
	assert.Equal(t, ModeGraceful, m)
	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeImmediate, m)
	_, err = ParseMode("eventually")
	assert.Error(t, err)
}

func TestHTTPServerDrainsInFlightRequest(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			close(entered)
			<-release
		}
		_, _ = io.WriteString(w, "ok")
	})
	srv := NewHTTPServer("127.0.0.1:0", h, ModeGraceful, WithGracePeriod(5*time.Second), WithPollInterval(10*time.Millisecond))
	require.NoError(t, srv.Start())
	defer srv.Stop()
	base := fmt.Sprintf("http://127.0.0.1:%d", srv.Port())

	slow := make(chan string, 1)
	go func() {
		resp, err := http.Get(base + "/slow")
		if err != nil {
			slow <- err.Error()
			return
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		slow <- string(b)
	}()
	<-entered
	assert.Equal(t, int64(1), srv.ActiveRequests())

	got := newResults()
	srv.ShutDownGracefully(got.cb)

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: time.Second}
	_, err := client.Get(base + "/fast")
	assert.Error(t, err, "new connections must be refused")

	close(release)
	assert.Equal(t, "ok", <-slow)
	assert.Equal(t, Idle, got.next(t))
	assert.Equal(t, int64(0), srv.ActiveRequests())
}

func TestHTTPServerImmediateMode(t *testing.T) {
	srv := NewHTTPServer("127.0.0.1:0", http.NotFoundHandler(), ModeImmediate)
	select {
	case <-srv.Ready():
		t.Fatal("ready before Start")
	default:
	}
	require.NoError(t, srv.Start())
	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server never became ready")
	}
	assert.Nil(t, srv.Shutdown())
	got := newResults()
	srv.ShutDownGracefully(got.cb)
	assert.Equal(t, Immediate, got.next(t))

	awaited := make(chan struct{})
	go func() {
		srv.Await()
		close(awaited)
	}()
	require.NoError(t, srv.Close())
	<-awaited
	assert.NoError(t, srv.Stop())
}

func TestHTTPServerCloseIsGraceful(t *testing.T) {
	srv := NewHTTPServer("127.0.0.1:0", http.NotFoundHandler(), ModeGraceful)
	require.NoError(t, srv.Start())
	require.NoError(t, srv.Close())
	res, ok := srv.Shutdown().Result()
	assert.True(t, ok)
	assert.Equal(t, Idle, res)
}
