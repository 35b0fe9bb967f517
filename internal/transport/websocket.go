package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shilianming/iotgw/internal/kvstore"
	"github.com/shilianming/iotgw/internal/model"
	"github.com/shilianming/iotgw/internal/mqueue"
)

// WS implements the WebSocket device contract: POST /auth mints a
// session token; GET /ws?id={device_id}@{session_uuid} then upgrades,
// wrapping every text frame for pre_ws_handler.
type WS struct {
	KV       kvstore.KV
	Queue    mqueue.Queue
	Log      *slog.Logger
	secret   []byte
	upgrader websocket.Upgrader
}

// NewWS builds a WS transport using secret to sign session tokens.
func NewWS(kv kvstore.KV, queue mqueue.Queue, secret []byte, log *slog.Logger) *WS {
	return &WS{
		KV:     kv,
		Queue:  queue,
		Log:    log,
		secret: secret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (w *WS) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/auth", w.handleAuth)
	mux.HandleFunc("/ws", w.handleWS)
}

type authBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
	DeviceID string `json:"device_id"`
}

type sessionClaims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

func (w *WS) handleAuth(rw http.ResponseWriter, r *http.Request) {
	var body authBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(rw, "bad body", http.StatusBadRequest)
		return
	}
	if !CheckAuth(r.Context(), w.KV, "ws", body.DeviceID, body.Username, body.Password) {
		http.Error(rw, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessionUUID := uuid.NewString()
	claims := sessionClaims{
		DeviceID: body.DeviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionUUID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(10 * time.Minute)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(w.secret)
	if err != nil {
		http.Error(rw, "token error", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(rw).Encode(map[string]string{"session": body.DeviceID + "@" + sessionUUID, "token": signed})
}

func (w *WS) handleWS(rw http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	deviceID, _ := SplitSessionID(id)
	if deviceID == "" {
		http.Error(rw, "missing id", http.StatusBadRequest)
		return
	}

	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.Log.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg := model.RawMessage{UID: deviceID, Message: string(data)}
		encoded, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		err = w.Queue.Publish(ctx, mqueue.QueuePreWSHandler, encoded)
		cancel()
		if err != nil {
			w.Log.Error("transient: publishing ws message", "error", err)
			continue
		}
		conn.WriteMessage(websocket.TextMessage, []byte("ack"))
	}
}
