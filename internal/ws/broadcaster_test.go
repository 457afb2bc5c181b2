package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/archon-labs/archon/internal/progress"
)

func wsURL(t *testing.T, srv *httptest.Server, jobID string) string {
	t.Helper()
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?progress_id=" + jobID
}

func dial(t *testing.T, srv *httptest.Server, jobID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(t, srv, jobID), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func progressEvent(jobID string, stage progress.Stage, pct float64) progress.Event {
	return progress.Event{
		JobID:    jobID,
		TS:       time.Now().UTC(),
		Status:   stage,
		Progress: pct,
	}
}

// TestBroadcastReachesRoomOnly delivers an event to its room and not to
// a different job's subscriber.
func TestBroadcastReachesRoomOnly(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(Config{}, nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(b.Handle))
	defer srv.Close()
	defer func() { _ = b.Close(context.Background()) }()

	subscribed := dial(t, srv, "job-a")
	other := dial(t, srv, "job-b")

	// Subscription is asynchronous to the dial; wait for the room.
	require.Eventually(t, func() bool {
		return len(b.roomClients("job-a")) == 1 && len(b.roomClients("job-b")) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Consume(context.Background(), []progress.Event{
		progressEvent("job-a", progress.StageCrawling, 20),
	}))

	msg := readMessage(t, subscribed)
	require.Equal(t, "crawl_progress", msg.Type)

	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := other.ReadMessage()
	require.Error(t, err, "other room must stay silent")
}

// TestLateSubscriberGetsSnapshot replays tracker state on subscribe
// after three events already happened.
func TestLateSubscriberGetsSnapshot(t *testing.T) {
	t.Parallel()

	tracker := progress.NewTracker(time.Minute)
	events := []progress.Event{
		progressEvent("job-late", progress.StageStarting, 0),
		progressEvent("job-late", progress.StageCrawling, 15),
		progressEvent("job-late", progress.StageCrawling, 30),
	}
	events[2].Message = "crawling example.com"
	require.NoError(t, tracker.Consume(context.Background(), events))

	b := NewBroadcaster(Config{}, tracker, nil)
	srv := httptest.NewServer(http.HandlerFunc(b.Handle))
	defer srv.Close()
	defer func() { _ = b.Close(context.Background()) }()

	conn := dial(t, srv, "job-late")
	msg := readMessage(t, conn)
	require.Equal(t, "progress_snapshot", msg.Type)

	payload, err := json.Marshal(msg.Payload)
	require.NoError(t, err)
	var record progress.Record
	require.NoError(t, json.Unmarshal(payload, &record))
	require.Equal(t, progress.StageCrawling, record.Status)
	require.Equal(t, 30.0, record.Progress)
}

// TestMissingProgressIDRejected requires the query parameter.
func TestMissingProgressIDRejected(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(Config{}, nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(b.Handle))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestThrottleDropsDeltasKeepsTerminal rate-limits mid-stage updates but
// always delivers the terminal event.
func TestThrottleDropsDeltasKeepsTerminal(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(Config{ThrottleInterval: time.Hour}, nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(b.Handle))
	defer srv.Close()
	defer func() { _ = b.Close(context.Background()) }()

	conn := dial(t, srv, "job-t")
	require.Eventually(t, func() bool {
		return len(b.roomClients("job-t")) == 1
	}, time.Second, 5*time.Millisecond)

	batch := []progress.Event{
		progressEvent("job-t", progress.StageCrawling, 10),
		progressEvent("job-t", progress.StageCrawling, 11),
		progressEvent("job-t", progress.StageCrawling, 12),
	}
	completed := progressEvent("job-t", progress.StageCompleted, 100)
	require.NoError(t, b.Consume(context.Background(), append(batch, completed)))

	// First delta passes the limiter, the rest are dropped, terminal
	// always arrives.
	first := readMessage(t, conn)
	require.Equal(t, "crawl_progress", first.Type)

	second := readMessage(t, conn)
	payload, err := json.Marshal(second.Payload)
	require.NoError(t, err)
	var evt progress.Event
	require.NoError(t, json.Unmarshal(payload, &evt))
	require.Equal(t, progress.StageCompleted, evt.Status)
}
