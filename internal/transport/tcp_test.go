package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shilianming/iotgw/internal/kvstore"
	"github.com/shilianming/iotgw/internal/model"
	"github.com/shilianming/iotgw/internal/mqueue"
)

// TestTCP_S6 covers spec.md §8 S6: a session line binds the device, a
// following payload line is forwarded to pre_tcp_handler, and closing
// the connection unbinds both tcp_uid hashes.
func TestTCP_S6(t *testing.T) {
	kv := kvstore.NewMem()
	q := mqueue.NewMem()
	ctx := context.Background()
	require.NoError(t, kv.HSet(ctx, "auth:tcp", "d1", `{"username":"u","password":"p"}`))

	tr := &TCP{KV: kv, Queue: q, Log: slog.New(slog.NewTextHandler(io.Discard, nil)), Node: "n1"}

	client, server := net.Pipe()
	defer client.Close()
	addr := server.RemoteAddr().String()

	done := make(chan struct{})
	go func() {
		tr.handleConn(ctx, server)
		close(done)
	}()

	writer := bufio.NewWriter(client)
	_, err := writer.WriteString("uid:d1:u:p\n")
	require.NoError(t, err)
	require.NoError(t, writer.Flush())

	_, err = writer.WriteString("42.0\n")
	require.NoError(t, err)
	require.NoError(t, writer.Flush())

	require.Eventually(t, func() bool {
		return len(q.Messages(mqueue.QueuePreTCPHandler)) == 1
	}, time.Second, 10*time.Millisecond)

	msgs := q.Messages(mqueue.QueuePreTCPHandler)
	var msg model.RawMessage
	require.NoError(t, json.Unmarshal(msgs[0], &msg))
	assert.Equal(t, "d1", msg.UID)
	assert.Equal(t, "42.0", msg.Message)

	_, bound, err := kv.HGet(ctx, "tcp_uid:n1", "d1")
	require.NoError(t, err)
	assert.True(t, bound)

	client.Close()
	<-done

	_, bound, err = kv.HGet(ctx, "tcp_uid:n1", "d1")
	require.NoError(t, err)
	assert.False(t, bound)
	_, bound, err = kv.HGet(ctx, "tcp_uid_f:n1", addr)
	require.NoError(t, err)
	assert.False(t, bound)
}

// TestTCP_BadAuth_NoSessionBound covers the bad-input path: an
// unauthorized session line closes the connection without publishing or
// binding anything.
func TestTCP_BadAuth_NoSessionBound(t *testing.T) {
	kv := kvstore.NewMem()
	q := mqueue.NewMem()
	ctx := context.Background()
	require.NoError(t, kv.HSet(ctx, "auth:tcp", "d1", `{"username":"u","password":"p"}`))

	tr := &TCP{KV: kv, Queue: q, Log: slog.New(slog.NewTextHandler(io.Discard, nil)), Node: "n1"}

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		tr.handleConn(ctx, server)
		close(done)
	}()

	writer := bufio.NewWriter(client)
	_, err := writer.WriteString("uid:d1:wrong:creds\n")
	require.NoError(t, err)
	require.NoError(t, writer.Flush())

	<-done
	assert.Empty(t, q.Messages(mqueue.QueuePreTCPHandler))

	_, bound, err := kv.HGet(ctx, "tcp_uid:n1", "d1")
	require.NoError(t, err)
	assert.False(t, bound)
}
