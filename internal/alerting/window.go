package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shilianming/iotgw/internal/docstore"
	"github.com/shilianming/iotgw/internal/kvstore"
	"github.com/shilianming/iotgw/internal/model"
	"github.com/shilianming/iotgw/internal/mqueue"
	"github.com/shilianming/iotgw/internal/scripthost"
)

// WindowEvaluator consumes waring_delay_handler: it resolves each
// device's window bindings, pulls their sliding windows, and runs each
// rule's predicate script over the assembled parameter map.
type WindowEvaluator struct {
	KV             kvstore.KV
	Docs           docstore.Docs
	Queue          mqueue.Queue
	Scripts        *scripthost.Host
	ScriptAlertPre string
	Log            *slog.Logger
}

// Run starts the windowed evaluator's consumer loop. It blocks until ctx
// is cancelled.
func (e *WindowEvaluator) Run(ctx context.Context) error {
	return e.Queue.Consume(ctx, mqueue.QueueWaringDelay, func(ctx context.Context, body []byte) error {
		var records []model.NormalizedRecord
		if err := json.Unmarshal(body, &records); err != nil {
			e.Log.Error("bad input: unparseable normalized record batch", "error", err)
			return nil
		}
		for i := range records {
			if err := e.evaluateOnce(ctx, &records[i]); err != nil {
				e.Log.Error("transient: evaluating windowed record", "error", err)
				return err
			}
		}
		return nil
	})
}

func (e *WindowEvaluator) evaluateOnce(ctx context.Context, rec *model.NormalizedRecord) error {
	bindings, err := e.matchingBindings(ctx, rec)
	if err != nil {
		return err
	}
	if len(bindings) == 0 {
		return nil
	}

	params := make(map[string][]model.TimedValue)
	for _, b := range bindings {
		key := fmt.Sprintf("signal_delay_warning:%s:%s:%d", b.DeviceUID, b.IdentificationCode, b.SignalID)
		members, err := e.KV.ZRangeWithScores(ctx, key)
		if err != nil {
			return err
		}
		vals := make([]model.TimedValue, 0, len(members))
		for _, m := range members {
			v, _ := strconv.ParseFloat(m.Member, 64)
			vals = append(vals, model.TimedValue{Time: int64(m.Score), Value: v})
		}
		params[b.SignalName] = vals
	}

	rules, err := e.distinctRules(ctx, bindings)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	for _, rule := range rules {
		hit, err := e.Scripts.Predicate(rule.Script, params)
		if err != nil {
			e.Log.Warn("bad input: window predicate script failed, counting as false", "rule_id", rule.ID, "error", err)
		}
		if !hit {
			continue
		}
		doc := map[string]interface{}{
			"device_uid":  rec.DeviceUID,
			"param":       params,
			"script":      rule.Script,
			"value":       hit,
			"rule_id":     rule.ID,
			"insert_time": now,
			"up_time":     rec.Time,
		}
		collection := model.CollectionName(e.ScriptAlertPre, rule.ID)
		if err := e.Docs.CreateCollection(ctx, collection); err != nil {
			return err
		}
		if err := e.Docs.InsertDocument(ctx, collection, doc); err != nil {
			return err
		}
	}
	return nil
}

// matchingBindings loads the full delay_param list and filters it to
// bindings for this device+code whose signal_name appears among the
// record's data rows — the list is flat and shared across all devices,
// so every consumer filters client-side.
func (e *WindowEvaluator) matchingBindings(ctx context.Context, rec *model.NormalizedRecord) ([]model.WindowBinding, error) {
	values, err := e.KV.ListAll(ctx, "delay_param")
	if err != nil {
		return nil, err
	}
	rowNames := make(map[string]bool, len(rec.DataRows))
	for _, row := range rec.DataRows {
		rowNames[row.Name] = true
	}

	var out []model.WindowBinding
	for _, v := range values {
		var b model.WindowBinding
		if err := json.Unmarshal([]byte(v), &b); err != nil {
			continue
		}
		if b.DeviceUID == rec.DeviceUID && b.IdentificationCode == rec.IdentificationCode && rowNames[b.SignalName] {
			out = append(out, b)
		}
	}
	return out, nil
}

func (e *WindowEvaluator) distinctRules(ctx context.Context, bindings []model.WindowBinding) ([]model.WindowRule, error) {
	seen := make(map[int64]bool)
	var out []model.WindowRule
	for _, b := range bindings {
		if seen[b.RuleID] {
			continue
		}
		raw, ok, err := e.KV.HGet(ctx, "signal_delay_config", strconv.FormatInt(b.RuleID, 10))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var rule model.WindowRule
		if err := json.Unmarshal([]byte(raw), &rule); err != nil {
			e.Log.Error("unparseable window rule", "rule_id", b.RuleID, "error", err)
			continue
		}
		seen[b.RuleID] = true
		out = append(out, rule)
	}
	return out, nil
}
