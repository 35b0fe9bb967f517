// Package mqttnode implements an MQTT fleet worker: it holds a table of
// active broker subscriptions, exposes the controller's HTTP contract
// (create_mqtt / remove_mqtt_client / beat), and forwards every received
// frame onto the ingestion queue.
package mqttnode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/shilianming/iotgw/internal/model"
	"github.com/shilianming/iotgw/internal/mqueue"
)

// session is one active broker subscription. paho runs the subscription
// callback on its own internal goroutine; there is no event loop of ours
// to cancel, so tearing a session down is just disconnecting the client.
type session struct {
	client mqtt.Client
}

// Node is a single MQTT worker. It is safe for concurrent HTTP handler
// use.
type Node struct {
	mu       sync.Mutex
	sessions map[string]*session

	queue mqueue.Queue
	log   *slog.Logger
}

// New builds an empty Node.
func New(queue mqueue.Queue, log *slog.Logger) *Node {
	return &Node{sessions: make(map[string]*session), queue: queue, log: log}
}

// RegisterRoutes mounts the worker's HTTP control surface.
func (n *Node) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/beat", n.handleBeat)
	mux.HandleFunc("/create_mqtt", n.handleCreateMqtt)
	mux.HandleFunc("/remove_mqtt_client", n.handleRemoveMqttClient)
}

func (n *Node) handleBeat(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (n *Node) handleCreateMqtt(w http.ResponseWriter, r *http.Request) {
	var cfg model.MqttConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "bad config body", http.StatusBadRequest)
		return
	}
	if err := n.Subscribe(cfg); err != nil {
		n.log.Error("subscribe failed", "client_id", cfg.ClientID, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (n *Node) handleRemoveMqttClient(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("id")
	if clientID == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	n.Unsubscribe(clientID)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Subscribe opens a broker connection for cfg and subscribes to
// sub_topic at QoS 0. Every received frame is published to pre_handler.
func (n *Node) Subscribe(cfg model.MqttConfig) error {
	n.mu.Lock()
	if _, exists := n.sessions[cfg.ClientID]; exists {
		n.mu.Unlock()
		return fmt.Errorf("mqttnode: client_id %s already active", cfg.ClientID)
	}
	n.mu.Unlock()

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			n.log.Warn("mqtt connection lost", "client_id", cfg.ClientID, "error", err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		return fmt.Errorf("mqttnode: connect: %w", token.Error())
	}

	handler := func(c mqtt.Client, msg mqtt.Message) {
		n.forward(cfg.ClientID, string(msg.Payload()))
	}
	subToken := client.Subscribe(cfg.SubTopic, 0, handler)
	if !subToken.WaitTimeout(10*time.Second) || subToken.Error() != nil {
		client.Disconnect(250)
		return fmt.Errorf("mqttnode: subscribe: %w", subToken.Error())
	}

	n.mu.Lock()
	n.sessions[cfg.ClientID] = &session{client: client}
	n.mu.Unlock()
	return nil
}

func (n *Node) forward(clientID, payload string) {
	msg := model.MqttRawMessage{MqttClientID: clientID, Message: payload}
	encoded, err := json.Marshal(msg)
	if err != nil {
		n.log.Error("encoding raw mqtt message", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.queue.Publish(ctx, mqueue.QueuePreHandler, encoded); err != nil {
		n.log.Error("publishing to pre_handler", "error", err)
	}
}

// Unsubscribe disconnects the session for clientID. Disconnect blocks
// until paho's internal goroutines have drained, which is what actually
// gives the "awaits termination" contract from spec.md §4.4. A missing
// clientID is a no-op (matches "ok" either way per spec.md's worker
// contract).
func (n *Node) Unsubscribe(clientID string) {
	n.mu.Lock()
	s, ok := n.sessions[clientID]
	if ok {
		delete(n.sessions, clientID)
	}
	n.mu.Unlock()
	if !ok {
		return
	}
	s.client.Disconnect(250)
}
