package samplemux

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// localHostRequest creates an httptest request that appears to come from
// localhost, which tsweb's debug access check allows.
func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestPublishFansOut(t *testing.T) {
	m := New("00000001", 2, 10)
	id1, c1 := m.Subscribe()
	_, c2 := m.Subscribe()

	buf := []byte{1, 2, 3, 4}
	require.NoError(t, m.Publish(buf))

	assert.Equal(t, buf, <-c1)
	assert.Equal(t, buf, <-c2)

	m.Unsubscribe(id1)
	_, open := <-c1
	assert.False(t, open, "unsubscribe closes the channel")
	m.Unsubscribe(id1)

	st := m.Stats()
	assert.Equal(t, 1, st.Subscribers)
	assert.Equal(t, uint64(1), st.Published)
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	m := New("00000001", 1, 10)
	_, c := m.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			m.Publish([]byte{byte(i), 0})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	assert.Equal(t, []byte{0, 0}, <-c)
	st := m.Stats()
	assert.Equal(t, uint64(5), st.Published)
	assert.Equal(t, uint64(4), st.Dropped)
	assert.Len(t, m.Levels().Readings(), 5)
}

func TestClose(t *testing.T) {
	m := New("00000001", 0, 0)
	_, c := m.Subscribe()
	require.NoError(t, m.Close())

	_, open := <-c
	assert.False(t, open)
	assert.ErrorIs(t, m.Publish([]byte{0, 0}), ErrClosed)

	_, late := m.Subscribe()
	_, open = <-late
	assert.False(t, open, "subscribing to a closed mux yields a closed channel")
}

// TestSubscribeRacingClose tests that every channel handed out while the mux
// closes is itself closed, so no reader waits forever.
func TestSubscribeRacingClose(t *testing.T) {
	for i := 0; i < 200; i++ {
		m := New("00000001", 1, 0)
		chans := make(chan chan []byte, 8)
		var wg sync.WaitGroup
		for j := 0; j < 8; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, c := m.Subscribe()
				chans <- c
			}()
		}
		require.NoError(t, m.Close())
		wg.Wait()
		close(chans)

		for c := range chans {
			select {
			case _, open := <-c:
				assert.False(t, open)
			case <-time.After(time.Second):
				t.Fatal("subscriber channel left open after close")
			}
		}
	}
}

func TestHub(t *testing.T) {
	h := NewHub(4)
	first := h.Open("B")
	_, c := first.Subscribe()

	second := h.Open("B")
	assert.NotSame(t, first, second)
	_, open := <-c
	assert.False(t, open, "replaced mux is closed")

	h.Open("A")
	stats := h.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "A", stats[0].Serial)

	h.Remove("A")
	_, ok := h.Get("A")
	assert.False(t, ok)

	require.NoError(t, h.Close())
	_, ok = h.Get("B")
	assert.False(t, ok)
	assert.ErrorIs(t, second.Publish(nil), ErrClosed)
}

func TestAdminRoutes(t *testing.T) {
	h := NewHub(4)
	m := h.Open("00000001")
	require.NoError(t, m.Publish(bytes.Repeat([]byte{200, 60}, 64)))

	mux := http.NewServeMux()
	h.AttachAdminRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/samples", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var stats []Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Len(t, stats, 1)
	assert.Equal(t, uint64(1), stats[0].Published)

	tests := []struct {
		path   string
		status int
	}{
		{"/debug/levels.png", http.StatusBadRequest},
		{"/debug/levels.png?serial=missing", http.StatusNotFound},
		{"/debug/levels.png?serial=00000001", http.StatusOK},
		{"/debug/levels?serial=missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, localHostRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodPost, "/debug/levels?serial=00000001", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestLevelsTail(t *testing.T) {
	h := NewHub(4)
	m := h.Open("00000001")
	mux := http.NewServeMux()
	h.AttachAdminRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/debug/levels?serial=00000001", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rd := bufio.NewReader(resp.Body)
	line, err := rd.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ping\n", line)

	// the subscriber is registered before the ping is written
	require.NoError(t, m.Publish(bytes.Repeat([]byte{255, 255, 0, 0}, 16)))

	for {
		line, err = rd.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	var got struct {
		Samples int     `json:"samples"`
		DBFS    float64 `json:"dbfs"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &got))
	assert.Equal(t, 32, got.Samples)
	assert.InDelta(t, 0, got.DBFS, 1e-9)
}
