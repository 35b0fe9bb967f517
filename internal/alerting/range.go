// Package alerting implements the range evaluator (C9) and the windowed
// script evaluator (C10): both consume normalized records and persist
// alert documents, but the range evaluator is stateless per-sample while
// the windowed evaluator pulls each signal's sliding window and runs a
// user script over it.
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
)

// RangeEvaluator consumes waring_handler and checks each sample against
// its signal's threshold rules.
type RangeEvaluator struct {
	KV       kvstore.KV
	Docs     docstore.Docs
	Queue    mqueue.Queue
	AlertPre string
	Log      *slog.Logger
}

// Run starts the range evaluator's consumer loop. It blocks until ctx is
// cancelled.
func (e *RangeEvaluator) Run(ctx context.Context) error {
	return e.Queue.Consume(ctx, mqueue.QueueWaringHandler, func(ctx context.Context, body []byte) error {
		var records []model.NormalizedRecord
		if err := json.Unmarshal(body, &records); err != nil {
			e.Log.Error("bad input: unparseable normalized record batch", "error", err)
			return nil
		}
		for i := range records {
			if err := e.evaluateOnce(ctx, &records[i]); err != nil {
				e.Log.Error("transient: evaluating record", "error", err)
				return err
			}
		}
		return nil
	})
}

func (e *RangeEvaluator) evaluateOnce(ctx context.Context, rec *model.NormalizedRecord) error {
	signalByName, err := e.signalIDs(ctx, rec.DeviceUID, rec.IdentificationCode)
	if err != nil {
		return err
	}
	now := time.Now().Unix()

	for _, row := range rec.DataRows {
		signalID, ok := signalByName[row.Name]
		if !ok {
			continue
		}
		rules, err := e.loadRules(ctx, signalID)
		if err != nil {
			return err
		}
		value, err := strconv.ParseFloat(row.Value, 64)
		if err != nil {
			continue // bad input: non-numeric value, skip this rule set
		}
		for _, rule := range rules {
			hit := false
			if rule.Mode == model.ModeInBand {
				hit = value >= rule.Min && value <= rule.Max
			} else {
				hit = value < rule.Min || value > rule.Max
			}
			if !hit {
				continue
			}
			// Both branches populate every field with its real value —
			// the original implementation's out-of-band branch stuffed
			// every field with device_uid instead; that is a documented
			// bug and is not reproduced here.
			doc := map[string]interface{}{
				"device_uid":  rec.DeviceUID,
				"signal_name": row.Name,
				"signal_id":   signalID,
				"value":       value,
				"rule_id":     rule.ID,
				"insert_time": now,
				"up_time":     rec.Time,
			}
			collection := model.CollectionName(e.AlertPre, rule.ID)
			if err := e.Docs.CreateCollection(ctx, collection); err != nil {
				return err
			}
			if err := e.Docs.InsertDocument(ctx, collection, doc); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *RangeEvaluator) signalIDs(ctx context.Context, deviceUID, code string) (map[string]int64, error) {
	key := fmt.Sprintf("signal:%s:%s", deviceUID, code)
	values, err := e.KV.ListAll(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(values))
	for _, v := range values {
		var sig model.Signal
		if err := json.Unmarshal([]byte(v), &sig); err == nil {
			out[sig.Name] = sig.ID
		}
	}
	return out, nil
}

func (e *RangeEvaluator) loadRules(ctx context.Context, signalID int64) ([]model.RangeRule, error) {
	key := fmt.Sprintf("waring:%d", signalID)
	values, err := e.KV.ListAll(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]model.RangeRule, 0, len(values))
	for _, v := range values {
		var rule model.RangeRule
		if err := json.Unmarshal([]byte(v), &rule); err == nil {
			out = append(out, rule)
		}
	}
	return out, nil
}
