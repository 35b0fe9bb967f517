package mqttctrl

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/shilianming/iotgw/internal/model"
)

// RegisterRoutes mounts the controller's operator HTTP surface: node
// listing, assignment status, and create/remove intent publishing.
func (c *Controller) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/beat", c.handleBeat)
	mux.HandleFunc("/nodes", c.handleNodeList)
	mux.HandleFunc("/nodes/status", c.handleNodeStatus)
	mux.HandleFunc("/configs/assigned", c.handleAssignedConfigs)
	mux.HandleFunc("/configs/unassigned", c.handleUnassignedConfigs)
	mux.HandleFunc("/configs", c.handleSubmitConfig)
}

func (c *Controller) handleBeat(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (c *Controller) handleNodeList(w http.ResponseWriter, r *http.Request) {
	nodes, err := c.listNodes(r.Context(), c.self.NodeType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, nodes)
}

type nodeStatus struct {
	model.NodeInfo
	Bound int64 `json:"bound"`
}

func (c *Controller) handleNodeStatus(w http.ResponseWriter, r *http.Request) {
	nodes, err := c.listNodes(r.Context(), c.self.NodeType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]nodeStatus, 0, len(nodes))
	for _, n := range nodes {
		bound, err := c.kv.SetLength(r.Context(), bindKey(n.Name))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out = append(out, nodeStatus{NodeInfo: n, Bound: bound})
	}
	writeJSON(w, out)
}

func (c *Controller) handleAssignedConfigs(w http.ResponseWriter, r *http.Request) {
	values, err := c.kv.HAllValues(r.Context(), assignedHash)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, decodeConfigs(values))
}

func (c *Controller) handleUnassignedConfigs(w http.ResponseWriter, r *http.Request) {
	values, err := c.kv.ListAll(r.Context(), unassignedPool)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, decodeConfigs(values))
}

// handleSubmitConfig implements PubCreateMqttClientHttp: an operator
// submits a new MqttConfig into the unassigned pool; the placer picks it
// up on its next tick.
func (c *Controller) handleSubmitConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		c.handleRemoveConfig(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var cfg model.MqttConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "bad config body", http.StatusBadRequest)
		return
	}
	c.addUnassigned(r.Context(), cfg)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleRemoveConfig implements PubRemoveMqttClient: locate the node
// currently hosting client_id, ask it to disconnect, then clear the
// gateway's own bookkeeping.
func (c *Controller) handleRemoveConfig(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("id")
	if clientID == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	_, ok, err := c.kv.HGet(r.Context(), assignedHash, clientID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
		return
	}

	nodes, err := c.listNodes(r.Context(), c.self.NodeType)
	if err == nil {
		for _, n := range nodes {
			bound, _ := c.kv.SetMembers(r.Context(), bindKey(n.Name))
			for _, id := range bound {
				if id == clientID {
					c.http.Get("http://" + n.Host + ":" + strconv.Itoa(n.Port) + "/remove_mqtt_client?id=" + clientID)
					c.kv.SetRemove(r.Context(), bindKey(n.Name), clientID)
				}
			}
		}
	}
	c.kv.HDel(r.Context(), assignedHash, clientID)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func decodeConfigs(values []string) []model.MqttConfig {
	out := make([]model.MqttConfig, 0, len(values))
	for _, v := range values {
		var cfg model.MqttConfig
		if json.Unmarshal([]byte(v), &cfg) == nil {
			out = append(out, cfg)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
