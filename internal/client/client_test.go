package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/broker"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/eventbus"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/journal"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/registry"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/server"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/supervisor"
)

type stubHistory struct{}

func (stubHistory) Recent(_ context.Context, module string, limit int) ([]journal.Entry, error) {
	return []journal.Entry{{ID: int64(limit), Module: module, To: "running"}}, nil
}

type daemon struct {
	url string
	bus *eventbus.Bus
	hub *broker.Hub
}

func startDaemon(t *testing.T) *daemon {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	bus := eventbus.New(eventbus.WithOrigin("daemon"))
	hub := broker.NewHub(broker.WithLocalBus(bus))
	go hub.Run(ctx)

	sup := supervisor.New(supervisor.Options{
		Launcher: supervisor.NewMockLauncher(),
		Bus:      bus,
		Interval: time.Hour,
	})
	require.NoError(t, sup.Load([]registry.Descriptor{
		{Name: "face", Command: []string{"jetbot-face"}, Enabled: true},
	}))

	api, err := server.New(server.Options{
		Bus:     bus,
		Modules: sup,
		History: stubHistory{},
		Hub:     hub,
		Version: "v0.1.0",
	})
	require.NoError(t, err)
	srv := httptest.NewServer(api.Handler())

	t.Cleanup(func() {
		cancel()
		srv.Close()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = sup.Shutdown(shutdownCtx)
		bus.Shutdown()
	})
	return &daemon{url: srv.URL, bus: bus, hub: hub}
}

func TestNewValidatesURL(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
	_, err = New("ftp://robot")
	assert.Error(t, err)

	c, err := New("http://robot.local:8765/")
	require.NoError(t, err)
	assert.Equal(t, "http://robot.local:8765", c.BaseURL())
	assert.True(t, c.Plaintext())

	c, err = New("http://127.0.0.1:8765")
	require.NoError(t, err)
	assert.False(t, c.Plaintext())

	ws, err := c.busURL()
	require.NoError(t, err)
	assert.Equal(t, "ws://robot.local:8765/bus", ws)
}

func TestStatusAndModules(t *testing.T) {
	d := startDaemon(t)
	c, err := New(d.url)
	require.NoError(t, err)
	ctx := context.Background()

	st, err := c.StartModule(ctx, "face")
	require.NoError(t, err)
	assert.Equal(t, supervisor.StateRunning, st.State)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v0.1.0", status.Version)
	require.Len(t, status.Modules, 1)
	require.NotNil(t, status.Broker)
	assert.Zero(t, status.Broker.Dropped)

	_, err = c.StartModule(ctx, "face")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Contains(t, apiErr.Message, "already running")

	st, err = c.RestartModule(ctx, "face")
	require.NoError(t, err)
	assert.Equal(t, supervisor.StateRunning, st.State)

	st, err = c.StopModule(ctx, "face")
	require.NoError(t, err)
	assert.Equal(t, supervisor.StateStopped, st.State)

	_, err = c.StopModule(ctx, "lidar")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestHistory(t *testing.T) {
	d := startDaemon(t)
	c, err := New(d.url)
	require.NoError(t, err)

	entries, err := c.History(context.Background(), "face", 7)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "face", entries[0].Module)
	assert.Equal(t, int64(7), entries[0].ID)
}

func TestPublishAndEvents(t *testing.T) {
	d := startDaemon(t)
	c, err := New(d.url)
	require.NoError(t, err)
	ctx := context.Background()

	evt, err := c.Publish(ctx, eventbus.KindEmergencyStop, eventbus.Payload{"engaged": true})
	require.NoError(t, err)
	assert.Equal(t, eventbus.KindEmergencyStop, evt.Kind)
	assert.Equal(t, eventbus.SourceOperator, evt.Source)

	events, err := c.Events(ctx, eventbus.KindEmergencyStop, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, evt.ID, events[0].ID)

	_, err = c.Publish(ctx, eventbus.Kind("warp_drive"), nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestWatchReceivesFilteredEvents(t *testing.T) {
	d := startDaemon(t)
	c, err := New(d.url)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu  sync.Mutex
		got []eventbus.Event
	)
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, []eventbus.Kind{eventbus.KindFaceEmotion}, func(evt eventbus.Event) {
			mu.Lock()
			got = append(got, evt)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool { return d.hub.PeerCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	d.bus.Publish(eventbus.KindFaceStatus, eventbus.Payload{"status": "ignored"}, eventbus.SourceNavigation)
	d.bus.Publish(eventbus.KindFaceEmotion, eventbus.Payload{"emotion": "happy"}, eventbus.SourceNavigation)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "happy", got[0].Payload.StringOr("emotion", ""))
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancellation")
	}
}

func TestUnreachableDaemon(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(url)
	require.NoError(t, err)
	_, err = c.Status(context.Background())
	assert.True(t, errors.Is(err, ErrDaemonUnreachable))

	err = c.Watch(context.Background(), nil, func(eventbus.Event) {})
	assert.True(t, errors.Is(err, ErrDaemonUnreachable))
}
