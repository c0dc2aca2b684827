package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voxtick/server/internal/config"
	"github.com/voxtick/server/internal/core/stage"
	"github.com/voxtick/server/internal/core/tick"
	"github.com/voxtick/server/internal/world"
)

func newTestWorld(t *testing.T) *world.World {
	t.Helper()
	exec := tick.NewExecutor(2)
	t.Cleanup(exec.Close)
	w := world.New(world.Config{Name: "feed", RegionSize: 16}, exec, zap.NewNop())
	t.Cleanup(func() { _ = w.Shutdown(context.Background()) })
	w.Preload(world.RegionKey{}, 1)
	for i := 0; i < 2; i++ {
		require.NoError(t, w.Driver().Tick(50*time.Millisecond))
	}
	return w
}

func TestCollect_ReadsSnapshots(t *testing.T) {
	w := newTestWorld(t)
	st := Collect("voxtick", []*world.World{w})
	require.Len(t, st.Worlds, 1)
	ws := st.Worlds[0]
	assert.Equal(t, "feed", ws.Name)
	assert.EqualValues(t, 2, ws.Tick)
	assert.EqualValues(t, 2, ws.UpTime)
	assert.Equal(t, 27, ws.Regions)
	assert.Equal(t, "SNAPSHOT", ws.Stage)
	assert.Zero(t, ws.Entities)
	assert.Zero(t, ws.Events)
}

func TestCollect_CountsTickChanges(t *testing.T) {
	w := newTestWorld(t)
	_, err := w.Scheduler().RunTask("test", func(ctx context.Context) error {
		sc, _ := stage.FromContext(ctx)
		for i := 0; i < 3; i++ {
			if _, err := w.Spawn(sc, "walker", world.Transform{Position: world.Vec3{X: float64(i), Y: 1, Z: 1}}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, w.Driver().Tick(50*time.Millisecond))

	ws := Collect("voxtick", []*world.World{w}).Worlds[0]
	assert.Equal(t, 3, ws.Entities)
	assert.Equal(t, 3, ws.Changed)
	assert.Equal(t, 3, ws.Events)

	require.NoError(t, w.Driver().Tick(50*time.Millisecond))
	ws = Collect("voxtick", []*world.World{w}).Worlds[0]
	assert.Equal(t, 3, ws.Entities)
	assert.Zero(t, ws.Changed)
	assert.Zero(t, ws.Events)
}

func TestServer_StatusEndpoint(t *testing.T) {
	w := newTestWorld(t)
	s := NewServer(config.StatusConfig{PushInterval: time.Second}, "voxtick", []*world.World{w}, zap.NewNop())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "voxtick", st.Server)
	require.Len(t, st.Worlds, 1)
	assert.Equal(t, 27, st.Worlds[0].Regions)

	post, err := http.Post(ts.URL+"/status", "text/plain", strings.NewReader(""))
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

func TestServer_WebSocketFeed(t *testing.T) {
	w := newTestWorld(t)
	s := NewServer(config.StatusConfig{PushInterval: time.Hour}, "voxtick", []*world.World{w}, zap.NewNop())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() Status {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var st Status
		require.NoError(t, json.Unmarshal(msg, &st))
		return st
	}

	// GIVEN a new subscriber, it receives the current status right away
	first := read()
	require.Len(t, first.Worlds, 1)
	assert.EqualValues(t, 2, first.Worlds[0].Tick)

	// WHEN the world ticks and the server broadcasts
	require.NoError(t, w.Driver().Tick(50*time.Millisecond))
	require.Eventually(t, func() bool { return s.Clients() == 1 }, time.Second, 5*time.Millisecond)
	s.Broadcast()

	// THEN the subscriber sees the new tick
	assert.EqualValues(t, 3, read().Worlds[0].Tick)

	conn.Close()
	assert.Eventually(t, func() bool { return s.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}
