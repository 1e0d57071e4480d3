package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/clinicore/opsync/internal/synclog"
)

func wsURL(httpURL, path string) string {
	return strings.Replace(httpURL, "http://", "ws://", 1) + path
}

func TestWatchSendsHeadThenNudges(t *testing.T) {
	notifier := synclog.NewNotifier(nil)
	defer notifier.Close()
	srv, engine := newTestServer(t, synclog.Options{Notifier: notifier}, ServerConfig{})

	_, err := engine.Push(context.Background(), synclog.PushRequest{
		FacilityID: "f1",
		DeviceID:   "d1",
		Ops: []synclog.Op{{
			OpID: "a1", EntityType: "patient", EntityID: "p1",
			OpType: synclog.OpTypeUpsert, Data: json.RawMessage(`{}`),
		}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv.URL, "/v1/facilities/f1/sync/watch"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var frame watchFrame
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	assert.Equal(t, "ops", frame.Type)
	assert.Equal(t, "f1", frame.FacilityID)
	assert.Equal(t, uint64(1), frame.Seq)

	_, err = engine.Push(context.Background(), synclog.PushRequest{
		FacilityID: "f1",
		DeviceID:   "d1",
		Ops: []synclog.Op{{
			OpID: "a2", EntityType: "patient", EntityID: "p2",
			OpType: synclog.OpTypeUpsert, Data: json.RawMessage(`{}`),
		}},
	})
	require.NoError(t, err)

	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	assert.Equal(t, uint64(2), frame.Seq)
}

func TestWatchUnknownFacility(t *testing.T) {
	notifier := synclog.NewNotifier(nil)
	defer notifier.Close()
	srv, _ := newTestServer(t, synclog.Options{RequireRegisteredFacilities: true, Notifier: notifier}, ServerConfig{})

	resp, err := http.Get(srv.URL + "/v1/facilities/ghost/sync/watch")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWatchDisabledWithoutNotifier(t *testing.T) {
	srv, engine := newTestServer(t, synclog.Options{}, ServerConfig{})
	require.NoError(t, engine.RegisterFacility("f1"))

	resp, err := http.Get(srv.URL + "/v1/facilities/f1/sync/watch")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}
