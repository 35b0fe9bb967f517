package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/shilianming/iotgw/internal/kvstore"
	"github.com/shilianming/iotgw/internal/model"
	"github.com/shilianming/iotgw/internal/mqueue"
)

const tcpIdleTimeout = 10 * time.Second

// TCP implements the line-protocol device contract: the first line binds
// a session (uid:{device_id}:{username}:{password}); subsequent lines are
// raw payload forwarded to pre_tcp_handler. Sessions idle past
// tcpIdleTimeout are closed.
type TCP struct {
	KV    kvstore.KV
	Queue mqueue.Queue
	Log   *slog.Logger
	Node  string
}

// Serve accepts connections on ln until ctx is cancelled.
func (t *TCP) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go t.handleConn(ctx, conn)
	}
}

func (t *TCP) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	addr := conn.RemoteAddr().String()
	reader := bufio.NewReader(conn)

	conn.SetReadDeadline(time.Now().Add(tcpIdleTimeout))
	firstLine, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	deviceID, ok := t.bindSession(ctx, addr, strings.TrimSpace(firstLine))
	if !ok {
		return
	}
	defer t.unbindSession(ctx, addr, deviceID)

	for {
		conn.SetReadDeadline(time.Now().Add(tcpIdleTimeout))
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		payload := strings.TrimSuffix(line, "\n")
		t.refreshLastSeen(ctx, addr)
		t.publish(ctx, deviceID, payload)
	}
}

func (t *TCP) bindSession(ctx context.Context, addr, firstLine string) (string, bool) {
	parts := strings.SplitN(firstLine, ":", 4)
	if len(parts) != 4 || parts[0] != "uid" {
		t.Log.Warn("bad input: malformed tcp session line", "addr", addr)
		return "", false
	}
	deviceID, username, password := parts[1], parts[2], parts[3]
	if !CheckAuth(ctx, t.KV, "tcp", deviceID, username, password) {
		t.Log.Warn("unauthorized tcp session", "device_id", deviceID)
		return "", false
	}
	t.KV.HSet(ctx, fmt.Sprintf("tcp_uid:%s", t.Node), deviceID, addr)
	t.KV.HSet(ctx, fmt.Sprintf("tcp_uid_f:%s", t.Node), addr, deviceID)
	t.refreshLastSeen(ctx, addr)
	return deviceID, true
}

func (t *TCP) unbindSession(ctx context.Context, addr, deviceID string) {
	t.KV.HDel(ctx, fmt.Sprintf("tcp_uid:%s", t.Node), deviceID)
	t.KV.HDel(ctx, fmt.Sprintf("tcp_uid_f:%s", t.Node), addr)
	t.KV.DeleteString(ctx, fmt.Sprintf("tcp:last:%s", addr))
}

func (t *TCP) refreshLastSeen(ctx context.Context, addr string) {
	t.KV.SetStringTTL(ctx, fmt.Sprintf("tcp:last:%s", addr), fmt.Sprint(time.Now().Unix()), 24*time.Hour)
}

func (t *TCP) publish(ctx context.Context, deviceID, payload string) {
	msg := model.RawMessage{UID: deviceID, Message: payload}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := t.Queue.Publish(pubCtx, mqueue.QueuePreTCPHandler, encoded); err != nil {
		t.Log.Error("transient: publishing tcp message", "error", err)
	}
}
