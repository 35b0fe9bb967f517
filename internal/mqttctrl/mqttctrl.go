// Package mqttctrl implements the MQTT fleet controller: node
// self-registration, liveness reaping, unassigned-config placement via
// least-load selection, and failover redistribution. Every durable
// state transition lives in the key-value store; the controller itself
// is stateless and any node in the cluster can host its periodic tasks.
package mqttctrl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shilianming/iotgw/internal/kvstore"
	"github.com/shilianming/iotgw/internal/model"
)

const (
	beatTTL        = 3 * time.Second
	tickInterval   = 1 * time.Second
	reaperLockTTL  = 100 * time.Millisecond
	placerLockTTL  = 100 * time.Millisecond
	lockCBeat      = "c_beat"
	lockPlacer     = "no_handler_config_lock"
	unassignedPool = "mqtt_config:unassigned"
	assignedHash   = "mqtt_config:use"
)

// UnassignedPoolKey is exported for callers (e.g. the operator HTTP
// surface) that need to enumerate or append to the unassigned pool
// directly.
const UnassignedPoolKey = unassignedPool

// AssignedHashKey is exported for the same reason, for the assigned pool.
const AssignedHashKey = assignedHash

func registerKey(nodeType string) string { return fmt.Sprintf("register:%s", nodeType) }
func beatKey(nodeType, name string) string { return fmt.Sprintf("beat:%s:%s", nodeType, name) }
func bindKey(name string) string           { return fmt.Sprintf("node_bind:%s", name) }

// Controller runs the four cooperating periodic tasks described in
// spec.md §4.5 against a shared key-value store.
type Controller struct {
	kv       kvstore.KV
	http     *http.Client
	self     model.NodeInfo
	holderID string
	log      *slog.Logger
	redisDB  int
}

// New builds a Controller for the given self-identity. holderID
// disambiguates this process as a lock holder (e.g. hostname:pid).
func New(kv kvstore.KV, self model.NodeInfo, holderID string, redisDB int, log *slog.Logger) *Controller {
	return &Controller{
		kv:       kv,
		http:     &http.Client{Timeout: 2 * time.Second},
		self:     self,
		holderID: holderID,
		redisDB:  redisDB,
		log:      log,
	}
}

// Start launches the four periodic tasks as goroutines and performs the
// mandatory startup recovery sweep. It returns once all goroutines have
// been launched; callers should cancel ctx to stop them.
func (c *Controller) Start(ctx context.Context) {
	// Startup sequence: recover from a previous unclean shutdown where
	// `use` entries could still reference this node.
	if err := c.HandlerOffNode(ctx, c.self.Name, c.self.NodeType); err != nil {
		c.log.Error("startup HandlerOffNode failed", "error", err)
	}

	go c.runSelfRegister(ctx)
	go c.runReaper(ctx)
	go c.runPlacer(ctx)
	go c.runExpiryListener(ctx)
}

func (c *Controller) runSelfRegister(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.selfRegister(ctx); err != nil {
				c.log.Error("self-register failed", "error", err)
			}
		}
	}
}

func (c *Controller) selfRegister(ctx context.Context) error {
	if err := c.kv.SetStringTTL(ctx, beatKey(c.self.NodeType, c.self.Name), c.self.Name, beatTTL); err != nil {
		return err
	}
	encoded, err := json.Marshal(c.self)
	if err != nil {
		return err
	}
	return c.kv.HSet(ctx, registerKey(c.self.NodeType), c.self.Name, string(encoded))
}

func (c *Controller) runReaper(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.withLock(ctx, lockCBeat, reaperLockTTL, func() {
				if err := c.reapOnce(ctx); err != nil {
					c.log.Error("reaper tick failed", "error", err)
				}
			})
		}
	}
}

func (c *Controller) reapOnce(ctx context.Context) error {
	nodes, err := c.listNodes(ctx, c.self.NodeType)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if c.probeBeat(n) {
			continue
		}
		if err := c.kv.HDel(ctx, registerKey(n.NodeType), n.Name); err != nil {
			c.log.Error("removing dead node from registry", "node", n.Name, "error", err)
		}
		if err := c.HandlerOffNode(ctx, n.Name, n.NodeType); err != nil {
			c.log.Error("HandlerOffNode failed for dead node", "node", n.Name, "error", err)
		}
	}
	return nil
}

func (c *Controller) probeBeat(n model.NodeInfo) bool {
	url := fmt.Sprintf("http://%s:%d/beat", n.Host, n.Port)
	resp, err := c.http.Get(url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Controller) runPlacer(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.withLock(ctx, lockPlacer, placerLockTTL, func() {
				if err := c.drainUnassigned(ctx); err != nil {
					c.log.Error("placer tick failed", "error", err)
				}
			})
		}
	}
}

func (c *Controller) drainUnassigned(ctx context.Context) error {
	for {
		raw, ok, err := c.kv.PopList(ctx, unassignedPool)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		var cfg model.MqttConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			c.log.Error("dropping unparseable unassigned config", "error", err)
			continue
		}
		if err := c.PlaceConfig(ctx, cfg); err != nil {
			c.log.Warn("placement failed, config returned to pool", "client_id", cfg.ClientID, "error", err)
			c.addUnassigned(ctx, cfg)
		}
	}
}

func (c *Controller) runExpiryListener(ctx context.Context) {
	prefix := fmt.Sprintf("beat:%s:", c.self.NodeType)
	for key := range c.kv.SubscribeExpired(ctx, c.redisDB) {
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		name := key[len(prefix):]
		if err := c.HandlerOffNode(ctx, name, c.self.NodeType); err != nil {
			c.log.Error("HandlerOffNode failed from expiry event", "node", name, "error", err)
		}
	}
}

func (c *Controller) withLock(ctx context.Context, key string, ttl time.Duration, fn func()) {
	ok, err := c.kv.AcquireLock(ctx, key, c.holderID, ttl)
	if err != nil {
		c.log.Error("lock acquisition error", "lock", key, "error", err)
		return
	}
	if !ok {
		return
	}
	defer c.kv.ReleaseLock(ctx, key, c.holderID)
	fn()
}

func (c *Controller) listNodes(ctx context.Context, nodeType string) ([]model.NodeInfo, error) {
	values, err := c.kv.HAllValues(ctx, registerKey(nodeType))
	if err != nil {
		return nil, err
	}
	nodes := make([]model.NodeInfo, 0, len(values))
	for _, v := range values {
		var n model.NodeInfo
		if err := json.Unmarshal([]byte(v), &n); err != nil {
			c.log.Error("unparseable NodeInfo in registry", "error", err)
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// LeastLoaded implements the exact least-load selection algorithm:
// exclude passNode, read each remaining node's current bind-set
// cardinality, keep only nodes with current < capacity, and return the
// minimum-capacity node among those (ties -> first encountered).
func (c *Controller) LeastLoaded(ctx context.Context, passNode, nodeType string) (*model.NodeInfo, error) {
	nodes, err := c.listNodes(ctx, nodeType)
	if err != nil {
		return nil, err
	}
	var best *model.NodeInfo
	for i := range nodes {
		n := nodes[i]
		if n.Name == passNode {
			continue
		}
		current, err := c.kv.SetLength(ctx, bindKey(n.Name))
		if err != nil {
			c.log.Error("reading bind cardinality", "node", n.Name, "error", err)
			continue
		}
		if current >= n.Capacity {
			continue
		}
		if best == nil || n.Capacity < best.Capacity {
			best = &n
		}
	}
	return best, nil
}

// PlaceConfig selects a target node via least-load selection and attempts
// to place cfg there. On a confirmed "ok" response cfg is added to the
// target's bind set and the assigned pool; any other outcome records
// nothing. PlaceConfig never reads or writes the unassigned pool: the
// placer pops cfg from it before the call and pushes it back on failure,
// so while a placement is in flight cfg is in neither pool.
func (c *Controller) PlaceConfig(ctx context.Context, cfg model.MqttConfig) error {
	target, err := c.LeastLoaded(ctx, "", c.self.NodeType)
	if err != nil {
		return err
	}
	if target == nil {
		return fmt.Errorf("mqttctrl: no eligible node for client_id %s", cfg.ClientID)
	}
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s:%d/create_mqtt", target.Host, target.Port)
	resp, err := c.http.Post(url, "application/json", bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("mqttctrl: create_mqtt call: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		return fmt.Errorf("mqttctrl: node %s declined placement: %q", target.Name, body)
	}

	if err := c.kv.SetAdd(ctx, bindKey(target.Name), cfg.ClientID); err != nil {
		return err
	}
	return c.kv.HSet(ctx, assignedHash, cfg.ClientID, string(encoded))
}

func (c *Controller) addUnassigned(ctx context.Context, cfg model.MqttConfig) {
	encoded, err := json.Marshal(cfg)
	if err != nil {
		c.log.Error("re-encoding config for unassigned pool", "error", err)
		return
	}
	if err := c.kv.PushList(ctx, unassignedPool, string(encoded)); err != nil {
		c.log.Error("pushing config back to unassigned pool", "error", err)
	}
}

// HandlerOffNode returns every config bound to name back to the
// unassigned pool and clears its bind set. It is designed to be
// idempotent under concurrent invocation (reaper and the expiry listener
// may both call it for the same node).
func (c *Controller) HandlerOffNode(ctx context.Context, name, nodeType string) error {
	bound, err := c.kv.SetMembers(ctx, bindKey(name))
	if err != nil {
		return err
	}
	for _, clientID := range bound {
		if err := c.removeBindNode(ctx, name, clientID); err != nil {
			c.log.Error("removing bound client during failover", "client_id", clientID, "error", err)
		}
	}

	// Redundant safety sweep: re-read the bind set once more before
	// deleting it, catching any client_id a concurrent PlaceConfig added
	// after the first pass started iterating.
	if err := c.sweepRemainingBindings(ctx, name); err != nil {
		c.log.Error("bind-set sweep failed", "node", name, "error", err)
	}

	return c.kv.Delete(ctx, bindKey(name))
}

func (c *Controller) removeBindNode(ctx context.Context, name, clientID string) error {
	if err := c.kv.SetRemove(ctx, bindKey(name), clientID); err != nil {
		return err
	}
	raw, ok, err := c.kv.HGet(ctx, assignedHash, clientID)
	if err != nil || !ok {
		return err
	}
	var cfg model.MqttConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return err
	}
	if err := c.kv.HDel(ctx, assignedHash, clientID); err != nil {
		return err
	}
	c.addUnassigned(ctx, cfg)
	return nil
}

func (c *Controller) sweepRemainingBindings(ctx context.Context, name string) error {
	bound, err := c.kv.SetMembers(ctx, bindKey(name))
	if err != nil {
		return err
	}
	for _, clientID := range bound {
		if err := c.removeBindNode(ctx, name, clientID); err != nil {
			c.log.Error("removing straggler binding during failover", "client_id", clientID, "error", err)
		}
	}
	return nil
}
