package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	coapmux "github.com/plgd-dev/go-coap/v3/mux"
	"github.com/plgd-dev/go-coap/v3/udp"

	"github.com/shilianming/iotgw/internal/kvstore"
	"github.com/shilianming/iotgw/internal/model"
	"github.com/shilianming/iotgw/internal/mqueue"
)

// CoAP implements the device contract: GET /auth binds a session to the
// remote address (":" replaced with "@"); GET /data publishes the
// payload to pre_coap_handler.
type CoAP struct {
	KV    kvstore.KV
	Queue mqueue.Queue
	Log   *slog.Logger
	Node  string
}

// ListenAndServe binds addr and serves CoAP requests until ctx is
// cancelled.
func (c *CoAP) ListenAndServe(ctx context.Context, addr string) error {
	router := coapmux.NewRouter()
	router.Handle("/auth", coapmux.HandlerFunc(c.handleAuth))
	router.Handle("/data", coapmux.HandlerFunc(c.handleData))

	ln, err := udp.NewListener(addr)
	if err != nil {
		return fmt.Errorf("coap: listening on %s: %w", addr, err)
	}
	srv := udp.NewServer(udp.WithMux(router))
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	return srv.Serve(ln)
}

type authBodyCoAP struct {
	Username string `json:"username"`
	Password string `json:"password"`
	DeviceID string `json:"device_id"`
}

func (c *CoAP) handleAuth(w coapmux.ResponseWriter, r *coapmux.Message) {
	body, err := readBody(r)
	if err != nil {
		w.SetResponse(coapCode(false), message.TextPlain, nil)
		return
	}
	var req authBodyCoAP
	if err := json.Unmarshal(body, &req); err != nil {
		w.SetResponse(coapCode(false), message.TextPlain, nil)
		return
	}
	if !CheckAuth(r.Context(), c.KV, "coap", req.DeviceID, req.Username, req.Password) {
		w.SetResponse(coapCode(false), message.TextPlain, nil)
		return
	}

	remote := strings.ReplaceAll(r.Conn().RemoteAddr().String(), ":", "@")
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	c.KV.HSet(ctx, fmt.Sprintf("coap_uid:%s", c.Node), req.DeviceID, remote)
	c.KV.HSet(ctx, fmt.Sprintf("coap_uid_f:%s", c.Node), remote, req.DeviceID)

	w.SetResponse(coapCode(true), message.TextPlain, nil)
}

func (c *CoAP) handleData(w coapmux.ResponseWriter, r *coapmux.Message) {
	body, err := readBody(r)
	if err != nil {
		w.SetResponse(coapCode(false), message.TextPlain, nil)
		return
	}
	remote := strings.ReplaceAll(r.Conn().RemoteAddr().String(), ":", "@")
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	deviceID, ok, err := c.KV.HGet(ctx, fmt.Sprintf("coap_uid_f:%s", c.Node), remote)
	if err != nil || !ok {
		w.SetResponse(coapCode(false), message.TextPlain, nil)
		return
	}

	msg := model.RawMessage{UID: deviceID, Message: string(body)}
	encoded, err := json.Marshal(msg)
	if err != nil {
		w.SetResponse(coapCode(false), message.TextPlain, nil)
		return
	}
	if err := c.Queue.Publish(ctx, mqueue.QueuePreCoAPHandler, encoded); err != nil {
		c.Log.Error("transient: publishing coap message", "error", err)
		w.SetResponse(coapCode(false), message.TextPlain, nil)
		return
	}
	w.SetResponse(coapCode(true), message.TextPlain, nil)
}

func readBody(r *coapmux.Message) ([]byte, error) {
	if r.Body() == nil {
		return nil, nil
	}
	return io.ReadAll(r.Body())
}

func coapCode(ok bool) codes.Code {
	if ok {
		return codes.Changed
	}
	return codes.BadRequest
}
