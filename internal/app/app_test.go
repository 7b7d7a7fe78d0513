package app

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgivc/bookfetch/internal/entity"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))

func TestReadTimeoutUnblocksStalledBody(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	client := newHTTPClient(time.Second, 50*time.Millisecond)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	got := make([]byte, 0, 7)
	buf := make([]byte, 32)
	for len(got) < 7 {
		n, err := resp.Body.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	require.Equal(t, "partial", string(got))

	// The server now stalls; the read must come back as a timeout instead
	// of blocking until the connection dies.
	start := time.Now()
	_, err = resp.Body.Read(buf)
	require.Error(t, err)

	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	assert.True(t, nerr.Timeout())
	assert.Less(t, time.Since(start), time.Second)
}

func TestHeadlessTrackerSettlesEachItemOnce(t *testing.T) {
	tracker := newHeadlessTracker(3, testLog)

	tracker.fold([]entity.ChangeRecord{entity.FinishedAt{Index: 0}})
	assert.False(t, tracker.complete())

	// Repeated errors for one item and non-item-scoped failures must not
	// inflate the count.
	tracker.fold([]entity.ChangeRecord{
		entity.FatalError{ID: 7, Msg: "Beta: connection dropped"},
		entity.FatalError{ID: 7, Msg: "Beta: connection dropped"},
		entity.FatalError{Msg: "cannot copy /a to /b: permission denied"},
	})
	assert.Equal(t, 2, tracker.done)
	assert.False(t, tracker.complete())

	tracker.fold([]entity.ChangeRecord{entity.FatalError{ID: 9, Msg: "Gamma: unexpected status"}})
	assert.True(t, tracker.complete())
}
