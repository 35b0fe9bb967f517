// Package transport implements the out-of-scope-but-documented protocol
// listeners: generic HTTP ingestion, TCP line protocol, WebSocket, and
// CoAP. Each is a thin adapter that authenticates a device and publishes
// its payload onto the matching pre_*_handler queue; none of them owns
// any ingestion or alerting logic.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shilianming/iotgw/internal/kvstore"
	"github.com/shilianming/iotgw/internal/model"
	"github.com/shilianming/iotgw/internal/mqueue"
)

// HTTPIngest implements the generic ingestion contract: POST /handler
// with Basic auth and a device_id header.
type HTTPIngest struct {
	KV    kvstore.KV
	Queue mqueue.Queue
	Log   *slog.Logger
}

type handlerBody struct {
	Data string `json:"data"`
}

func (h *HTTPIngest) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/handler", h.handle)
}

func (h *HTTPIngest) handle(w http.ResponseWriter, r *http.Request) {
	deviceID := r.Header.Get("device_id")
	if deviceID == "" {
		http.Error(w, "missing device_id", http.StatusBadRequest)
		return
	}
	username, password, ok := r.BasicAuth()
	if !ok || !h.authorized(r.Context(), deviceID, username, password) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var body handlerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}

	msg := model.RawMessage{UID: deviceID, Message: body.Data}
	encoded, err := json.Marshal(msg)
	if err != nil {
		http.Error(w, "encoding error", http.StatusInternalServerError)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.Queue.Publish(ctx, mqueue.QueuePreHTTPHandler, encoded); err != nil {
		h.Log.Error("transient: publishing http ingestion message", "error", err)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPIngest) authorized(ctx context.Context, deviceID, username, password string) bool {
	return CheckAuth(ctx, h.KV, "http", deviceID, username, password)
}

// CheckAuth validates (username, password) against the AuthRecord stored
// for deviceID under auth:{protocol}.
func CheckAuth(ctx context.Context, kv kvstore.KV, protocol, deviceID, username, password string) bool {
	key := fmt.Sprintf("auth:%s", protocol)
	raw, ok, err := kv.HGet(ctx, key, deviceID)
	if err != nil || !ok {
		return false
	}
	var rec model.AuthRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return false
	}
	return rec.Username == username && rec.Password == password
}

// SplitSessionID splits a WS-style "device_id@session_uuid" identifier.
func SplitSessionID(id string) (deviceID, sessionUUID string) {
	parts := strings.SplitN(id, "@", 2)
	if len(parts) != 2 {
		return id, ""
	}
	return parts[0], parts[1]
}
