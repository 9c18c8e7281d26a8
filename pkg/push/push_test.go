package push

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coralhq/coral/pkg/clock"
	"github.com/coralhq/coral/pkg/events"
	"github.com/coralhq/coral/pkg/metrics"
	"github.com/coralhq/coral/pkg/registry"
	"github.com/coralhq/coral/pkg/security"
	"github.com/coralhq/coral/pkg/tenant"
	"github.com/coralhq/coral/pkg/types"
)

const signingKey = "push-signing-key"

type pushFixture struct {
	mr     *miniredis.Miniredis
	clk    *clock.Fake
	broker *events.Broker
	svc    *Service
	srv    *httptest.Server
}

func newPushFixture(t *testing.T, authTimeout time.Duration) *pushFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := registry.New()
	require.NoError(t, reg.RegisterStreamType(types.StreamActivity, registry.StreamTypeOptions{
		VisibilityBucketing: true,
		PushPhase:           registry.PushAggregation,
		Authorizer: func(_ context.Context, principal types.Principal, resourceID, _ string) error {
			if principal.Admin || principal.ID == resourceID {
				return nil
			}
			return types.NewError(types.CodeUnauthorized, "stream belongs to another principal")
		},
	}))
	require.NoError(t, reg.RegisterStreamType(types.StreamMessage, registry.StreamTypeOptions{
		Transient: true,
		PushPhase: registry.PushRouting,
		Authorizer: func(_ context.Context, principal types.Principal, resourceID, token string) error {
			if token == "room-token" || principal.ID == "u:cam:alice" {
				return nil
			}
			return types.NewError(types.CodeUnauthorized, "not a member of "+resourceID)
		},
	}))
	reg.Seal()

	clk := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	broker := events.NewBroker()
	svc := New(Config{
		Registry:    reg,
		Tenants:     tenant.NewStatic(&tenant.Tenant{Alias: "cam", Host: "cam.example.com", SigningKey: signingKey}),
		Redis:       rdb,
		Broker:      broker,
		Clock:       clk,
		AuthTimeout: authTimeout,
	})
	svc.Start()
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(func() {
		srv.Close()
		broker.Stop()
		svc.Stop()
	})

	return &pushFixture{mr: mr, clk: clk, broker: broker, svc: svc, srv: srv}
}

func (f *pushFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func writeFrame(t *testing.T, ws *websocket.Conn, id int64, frameType string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(ClientFrame{ID: id, Type: frameType, Data: raw}))
}

func readServerFrame(t *testing.T, ws *websocket.Conn) ServerFrame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame ServerFrame
	require.NoError(t, ws.ReadJSON(&frame))
	return frame
}

func readStreamMessage(t *testing.T, ws *websocket.Conn) StreamMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg StreamMessage
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

// authenticate opens the session as userID with a valid expiring signature.
func (f *pushFixture) authenticate(t *testing.T, ws *websocket.Conn, userID string) {
	t.Helper()
	sig := security.CreateExpiringSignature(signingKey, userID, f.clk.Now(), time.Minute)
	writeFrame(t, ws, 1, frameAuthentication, AuthenticationData{
		UserID:      userID,
		TenantAlias: "cam",
		Signature:   sig,
	})
	reply := readServerFrame(t, ws)
	require.Equal(t, int64(1), reply.ReplyTo)
	require.Nil(t, reply.Error)
}

func shareActivity(id string) types.Activity {
	actor := types.NewEntity("user", "u:cam:mia")
	actor["displayName"] = "Mia"
	object := types.NewEntity("content", "c:cam:doc")
	return types.Activity{
		ActivityType: "content-share",
		ActivityID:   id,
		Verb:         "share",
		Published:    1_700_000_000_000,
		Actor:        actor,
		Object:       object,
	}
}

func requireClosed(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
}

func TestAuthenticationTimeout(t *testing.T) {
	f := newPushFixture(t, 50*time.Millisecond)
	ws := f.dial(t)

	// No frames sent: the server times the session out on its own.
	reply := readServerFrame(t, ws)
	assert.Equal(t, int64(0), reply.ReplyTo)
	require.NotNil(t, reply.Error)
	assert.Equal(t, types.CodeInvalidInput, reply.Error.Code)
	requireClosed(t, ws)
}

func TestSilentClientSessionIsTornDown(t *testing.T) {
	f := newPushFixture(t, 50*time.Millisecond)
	before := testutil.ToFloat64(metrics.PushConnections)

	ws := f.dial(t)
	// Never send a frame. The timeout must end the whole session server
	// side, not just stop answering: the connection gauge has to return
	// to where it started.
	reply := readServerFrame(t, ws)
	require.NotNil(t, reply.Error)
	assert.Equal(t, types.CodeInvalidInput, reply.Error.Code)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.PushConnections) == before
	}, 2*time.Second, 10*time.Millisecond, "session goroutine still holding the socket")
	requireClosed(t, ws)
}

func TestFirstFrameMustAuthenticate(t *testing.T) {
	f := newPushFixture(t, time.Minute)
	ws := f.dial(t)

	writeFrame(t, ws, 7, frameSubscribe, SubscribeData{
		Stream: StreamRef{ResourceID: "u:cam:alice", StreamType: types.StreamActivity},
	})
	reply := readServerFrame(t, ws)
	assert.Equal(t, int64(7), reply.ReplyTo)
	require.NotNil(t, reply.Error)
	assert.Equal(t, types.CodeInvalidInput, reply.Error.Code)
	requireClosed(t, ws)
}

func TestAuthenticationRejectsForgedSignature(t *testing.T) {
	f := newPushFixture(t, time.Minute)
	ws := f.dial(t)

	sig := security.CreateExpiringSignature("some-other-key", "u:cam:alice", f.clk.Now(), time.Minute)
	writeFrame(t, ws, 1, frameAuthentication, AuthenticationData{
		UserID:      "u:cam:alice",
		TenantAlias: "cam",
		Signature:   sig,
	})
	reply := readServerFrame(t, ws)
	require.NotNil(t, reply.Error)
	assert.Equal(t, types.CodeUnauthorized, reply.Error.Code)
	requireClosed(t, ws)
}

func TestAuthenticationRejectsExpiredSignature(t *testing.T) {
	f := newPushFixture(t, time.Minute)
	ws := f.dial(t)

	sig := security.CreateExpiringSignature(signingKey, "u:cam:alice", f.clk.Now().Add(-2*time.Minute), time.Minute)
	writeFrame(t, ws, 1, frameAuthentication, AuthenticationData{
		UserID:      "u:cam:alice",
		TenantAlias: "cam",
		Signature:   sig,
	})
	reply := readServerFrame(t, ws)
	require.NotNil(t, reply.Error)
	assert.Equal(t, types.CodeUnauthorized, reply.Error.Code)
	requireClosed(t, ws)
}

func TestAuthenticationRejectsUnknownTenant(t *testing.T) {
	f := newPushFixture(t, time.Minute)
	ws := f.dial(t)

	sig := security.CreateExpiringSignature(signingKey, "u:oxf:ines", f.clk.Now(), time.Minute)
	writeFrame(t, ws, 1, frameAuthentication, AuthenticationData{
		UserID:      "u:oxf:ines",
		TenantAlias: "oxf",
		Signature:   sig,
	})
	reply := readServerFrame(t, ws)
	require.NotNil(t, reply.Error)
	assert.Equal(t, types.CodeUnauthorized, reply.Error.Code)
	requireClosed(t, ws)
}

func TestDuplicateAuthenticationIsRejectedWithoutClosing(t *testing.T) {
	f := newPushFixture(t, time.Minute)
	ws := f.dial(t)
	f.authenticate(t, ws, "u:cam:alice")

	sig := security.CreateExpiringSignature(signingKey, "u:cam:alice", f.clk.Now(), time.Minute)
	writeFrame(t, ws, 2, frameAuthentication, AuthenticationData{
		UserID:      "u:cam:alice",
		TenantAlias: "cam",
		Signature:   sig,
	})
	reply := readServerFrame(t, ws)
	assert.Equal(t, int64(2), reply.ReplyTo)
	require.NotNil(t, reply.Error)
	assert.Equal(t, types.CodeInvalidInput, reply.Error.Code)

	// The session survives and can still subscribe.
	writeFrame(t, ws, 3, frameSubscribe, SubscribeData{
		Stream: StreamRef{ResourceID: "u:cam:alice", StreamType: types.StreamActivity},
	})
	reply = readServerFrame(t, ws)
	assert.Equal(t, int64(3), reply.ReplyTo)
	assert.Nil(t, reply.Error)
}

func TestSubscribeRejectsUnknownStreamType(t *testing.T) {
	f := newPushFixture(t, time.Minute)
	ws := f.dial(t)
	f.authenticate(t, ws, "u:cam:alice")

	writeFrame(t, ws, 2, frameSubscribe, SubscribeData{
		Stream: StreamRef{ResourceID: "u:cam:alice", StreamType: "gallery"},
	})
	reply := readServerFrame(t, ws)
	assert.Equal(t, int64(2), reply.ReplyTo)
	require.NotNil(t, reply.Error)
	assert.Equal(t, types.CodeInvalidInput, reply.Error.Code)
}

func TestSubscribeRunsStreamAuthorization(t *testing.T) {
	f := newPushFixture(t, time.Minute)
	ws := f.dial(t)
	f.authenticate(t, ws, "u:cam:bob")

	// Bob is not a member and presents no token.
	writeFrame(t, ws, 2, frameSubscribe, SubscribeData{
		Stream: StreamRef{ResourceID: "d:cam:doc1", StreamType: types.StreamMessage},
	})
	reply := readServerFrame(t, ws)
	require.NotNil(t, reply.Error)
	assert.Equal(t, types.CodeUnauthorized, reply.Error.Code)

	// A stream token opens the same subscription.
	writeFrame(t, ws, 3, frameSubscribe, SubscribeData{
		Stream: StreamRef{ResourceID: "d:cam:doc1", StreamType: types.StreamMessage},
		Token:  "room-token",
	})
	reply = readServerFrame(t, ws)
	assert.Equal(t, int64(3), reply.ReplyTo)
	assert.Nil(t, reply.Error)
}

func TestVisibilityVariantSubscriptions(t *testing.T) {
	f := newPushFixture(t, time.Minute)
	ws := f.dial(t)
	f.authenticate(t, ws, "u:cam:bob")

	tests := []struct {
		name       string
		streamType string
		code       int
	}{
		{name: "base stream of another user", streamType: "activity", code: types.CodeUnauthorized},
		{name: "public variant", streamType: "activity#public", code: 0},
		{name: "loggedin variant", streamType: "activity#loggedin", code: 0},
		{name: "unknown variant", streamType: "activity#friends", code: types.CodeInvalidInput},
		{name: "variant of unbucketed stream", streamType: "message#public", code: types.CodeInvalidInput},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := int64(10 + i)
			writeFrame(t, ws, id, frameSubscribe, SubscribeData{
				Stream: StreamRef{ResourceID: "u:cam:alice", StreamType: tt.streamType},
			})
			reply := readServerFrame(t, ws)
			assert.Equal(t, id, reply.ReplyTo)
			if tt.code == 0 {
				assert.Nil(t, reply.Error)
			} else {
				require.NotNil(t, reply.Error)
				assert.Equal(t, tt.code, reply.Error.Code)
			}
		})
	}
}

func TestAggregationPhaseDeliveriesArePushed(t *testing.T) {
	f := newPushFixture(t, time.Minute)
	ws := f.dial(t)
	f.authenticate(t, ws, "u:cam:alice")

	writeFrame(t, ws, 2, frameSubscribe, SubscribeData{
		Stream: StreamRef{ResourceID: "u:cam:alice", StreamType: types.StreamActivity},
	})
	reply := readServerFrame(t, ws)
	require.Nil(t, reply.Error)

	f.broker.PublishDelivered(events.DeliveredActivities{
		Deliveries: map[string]map[string]events.Delivery{
			"u:cam:alice": {
				types.StreamActivity: {
					Activities: []types.Activity{shareActivity("1700000000000:a1")},
					NumNew:     2,
				},
			},
		},
	})

	msg := readStreamMessage(t, ws)
	assert.Equal(t, "u:cam:alice", msg.ResourceID)
	assert.Equal(t, types.StreamActivity, msg.StreamType)
	assert.Equal(t, 2, msg.NumNewActivities)
	require.Len(t, msg.Activities, 1)
	assert.Equal(t, "1700000000000:a1", msg.Activities[0].ActivityID)
	// The default transformer reduces entities to their identity properties.
	assert.Equal(t, "u:cam:mia", msg.Activities[0].Actor.ID())
	assert.NotContains(t, msg.Activities[0].Actor, "displayName")
}

func TestRoutingPhaseStreamsPushPerActivity(t *testing.T) {
	f := newPushFixture(t, time.Minute)
	ws := f.dial(t)
	f.authenticate(t, ws, "u:cam:alice")

	writeFrame(t, ws, 2, frameSubscribe, SubscribeData{
		Stream: StreamRef{ResourceID: "d:cam:doc1", StreamType: types.StreamMessage},
	})
	reply := readServerFrame(t, ws)
	require.Nil(t, reply.Error)

	room := types.Route{ResourceID: "d:cam:doc1", StreamType: types.StreamMessage, Transient: true}
	f.broker.PublishRouted(events.RoutedActivities{Routed: []types.RoutedActivity{
		{Route: room, Activity: shareActivity("1700000000000:m1")},
		// Aggregation-phase routes are not pushed at routing time.
		{Route: types.Route{ResourceID: "u:cam:alice", StreamType: types.StreamActivity}, Activity: shareActivity("1700000000000:a1")},
		{Route: room, Activity: shareActivity("1700000000001:m2")},
	}})

	first := readStreamMessage(t, ws)
	assert.Equal(t, types.StreamMessage, first.StreamType)
	assert.Equal(t, 1, first.NumNewActivities)
	require.Len(t, first.Activities, 1)
	assert.Equal(t, "1700000000000:m1", first.Activities[0].ActivityID)

	second := readStreamMessage(t, ws)
	require.Len(t, second.Activities, 1)
	assert.Equal(t, "1700000000001:m2", second.Activities[0].ActivityID)
}

func TestUnsubscribedStreamsAreSilent(t *testing.T) {
	f := newPushFixture(t, time.Minute)
	ws := f.dial(t)
	f.authenticate(t, ws, "u:cam:alice")

	writeFrame(t, ws, 2, frameSubscribe, SubscribeData{
		Stream: StreamRef{ResourceID: "u:cam:alice", StreamType: types.StreamActivity},
	})
	require.Nil(t, readServerFrame(t, ws).Error)

	// A delivery to someone else's feed must not reach this socket.
	f.broker.PublishDelivered(events.DeliveredActivities{
		Deliveries: map[string]map[string]events.Delivery{
			"u:cam:bob": {
				types.StreamActivity: {
					Activities: []types.Activity{shareActivity("1700000000000:a1")},
					NumNew:     1,
				},
			},
		},
	})

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var msg StreamMessage
	assert.Error(t, ws.ReadJSON(&msg))
}

func TestHubReleasesChannelAfterLastSubscriber(t *testing.T) {
	f := newPushFixture(t, time.Minute)
	h := f.svc.hub
	ctx := context.Background()
	channel := types.FeedID("u:cam:alice", types.StreamActivity)

	c1 := newConn(nil, f.svc)
	c2 := newConn(nil, f.svc)
	require.NoError(t, h.subscribe(ctx, c1, channel, ""))
	require.NoError(t, h.subscribe(ctx, c2, channel, "activitystreams"))
	// Re-subscribing the same conn and format is idempotent.
	require.NoError(t, h.subscribe(ctx, c1, channel, ""))

	h.mu.Lock()
	assert.Len(t, h.subs[channel], 2)
	h.mu.Unlock()

	h.removeConn(c1)
	h.mu.Lock()
	assert.Len(t, h.subs[channel], 1)
	h.mu.Unlock()

	h.removeConn(c2)
	h.mu.Lock()
	assert.NotContains(t, h.subs, channel)
	h.mu.Unlock()
}
