package mqttctrl

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shilianming/iotgw/internal/kvstore"
	"github.com/shilianming/iotgw/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeNode is an HTTP stand-in for a real MQTT worker node's
// /create_mqtt endpoint: it always accepts placement and counts how
// many configs it has been handed.
type fakeNode struct {
	srv      *httptest.Server
	accepted int
}

func newFakeNode() *fakeNode {
	n := &fakeNode{}
	n.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.accepted++
		w.Write([]byte("ok"))
	}))
	return n
}

func hostPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func registerNode(t *testing.T, ctx context.Context, kv *kvstore.Mem, nodeType, name string, srv *httptest.Server, capacity int64) model.NodeInfo {
	t.Helper()
	host, port := hostPort(t, srv)
	n := model.NodeInfo{Host: host, Port: port, Name: name, NodeType: nodeType, Capacity: capacity}
	encoded, err := json.Marshal(n)
	require.NoError(t, err)
	require.NoError(t, kv.HSet(ctx, registerKey(nodeType), name, string(encoded)))
	return n
}

// TestController_S5 covers spec.md §8 S5: two equal-capacity nodes split
// three configs, and killing one redistributes its bindings onto the
// survivor via HandlerOffNode.
func TestController_S5(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMem()

	n1 := newFakeNode()
	defer n1.srv.Close()
	n2 := newFakeNode()
	defer n2.srv.Close()

	registerNode(t, ctx, kv, "mqtt", "N1", n1.srv, 2)
	registerNode(t, ctx, kv, "mqtt", "N2", n2.srv, 2)

	c := New(kv, model.NodeInfo{Name: "self", NodeType: "mqtt"}, "holder-1", 0, discardLogger())

	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, c.PlaceConfig(ctx, model.MqttConfig{ClientID: id}))
	}

	n1Bound, err := kv.SetMembers(ctx, bindKey("N1"))
	require.NoError(t, err)
	n2Bound, err := kv.SetMembers(ctx, bindKey("N2"))
	require.NoError(t, err)
	assert.Equal(t, 3, len(n1Bound)+len(n2Bound))
	assert.LessOrEqual(t, len(n1Bound), 2)
	assert.LessOrEqual(t, len(n2Bound), 2)

	// Kill N1: HandlerOffNode must empty its bind set and return every
	// client_id it held to the unassigned pool (the placer re-places them
	// on the next tick; here we assert completeness directly per
	// invariant #2).
	require.NoError(t, c.HandlerOffNode(ctx, "N1", "mqtt"))

	afterN1, err := kv.SetMembers(ctx, bindKey("N1"))
	require.NoError(t, err)
	assert.Empty(t, afterN1)

	unassigned, err := kv.ListAll(ctx, unassignedPool)
	require.NoError(t, err)
	assert.Len(t, unassigned, len(n1Bound))
}

// TestController_UniqueAssignment covers invariant #1: once placed, a
// client_id is bound to exactly one node and absent from the unassigned
// pool.
func TestController_UniqueAssignment(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMem()

	n1 := newFakeNode()
	defer n1.srv.Close()
	registerNode(t, ctx, kv, "mqtt", "N1", n1.srv, 5)

	c := New(kv, model.NodeInfo{Name: "self", NodeType: "mqtt"}, "holder-1", 0, discardLogger())
	require.NoError(t, c.PlaceConfig(ctx, model.MqttConfig{ClientID: "c1"}))

	unassigned, err := kv.ListAll(ctx, unassignedPool)
	require.NoError(t, err)
	assert.Empty(t, unassigned)

	members, err := kv.SetMembers(ctx, bindKey("N1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, members)
}

// TestController_HandlerOffNode_Idempotent covers invariant #5: calling
// HandlerOffNode twice in a row leaves the registry in the same state as
// calling it once.
func TestController_HandlerOffNode_Idempotent(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMem()

	n1 := newFakeNode()
	defer n1.srv.Close()
	registerNode(t, ctx, kv, "mqtt", "N1", n1.srv, 5)

	c := New(kv, model.NodeInfo{Name: "self", NodeType: "mqtt"}, "holder-1", 0, discardLogger())
	require.NoError(t, c.PlaceConfig(ctx, model.MqttConfig{ClientID: "c1"}))

	require.NoError(t, c.HandlerOffNode(ctx, "N1", "mqtt"))
	firstUnassigned, err := kv.ListAll(ctx, unassignedPool)
	require.NoError(t, err)

	require.NoError(t, c.HandlerOffNode(ctx, "N1", "mqtt"))
	secondUnassigned, err := kv.ListAll(ctx, unassignedPool)
	require.NoError(t, err)

	assert.Equal(t, firstUnassigned, secondUnassigned)
}
