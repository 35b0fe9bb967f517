// Package ingest implements the per-protocol ingestion pipeline (C8): it
// consumes raw-protocol queues, runs the device's transformation script,
// writes time-series points, maintains the sliding-window cache, and
// fans the normalized record out onto the alerting and forwarding
// queues.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shilianming/iotgw/internal/kvstore"
	"github.com/shilianming/iotgw/internal/model"
	"github.com/shilianming/iotgw/internal/mqueue"
	"github.com/shilianming/iotgw/internal/scripthost"
	"github.com/shilianming/iotgw/internal/tsdb"
)

// Pipeline wires the collaborators a consumer needs: key-value store,
// time-series writer, queue client, and script host. It holds no
// per-message state — every field is a shared, concurrency-safe handle.
type Pipeline struct {
	KV        kvstore.KV
	TS        tsdb.TS
	Queue     mqueue.Queue
	Scripts   *scripthost.Host
	BucketPre string
	Log       *slog.Logger
}

func scriptKey(protocol, clientOrUID string) string {
	switch protocol {
	case "MQTT":
		return fmt.Sprintf("mqtt_script[%s]", clientOrUID)
	default:
		return fmt.Sprintf("struct:%s[%s]", protoProperCase(protocol), clientOrUID)
	}
}

func protoProperCase(protocol string) string {
	switch protocol {
	case "COAP", "Coap", "coap":
		return "Coap"
	case "TCP", "Tcp", "tcp":
		return "Tcp"
	case "HTTP", "Http", "http":
		return "Http"
	case "WS", "Ws", "ws":
		return "Ws"
	default:
		return protocol
	}
}

// ConsumeMQTT runs the consumer loop for pre_handler (the MQTT raw queue,
// keyed by client_id instead of the generic uid field).
func (p *Pipeline) ConsumeMQTT(ctx context.Context) error {
	return p.Queue.Consume(ctx, mqueue.QueuePreHandler, func(ctx context.Context, body []byte) error {
		var raw model.MqttRawMessage
		if err := json.Unmarshal(body, &raw); err != nil {
			p.Log.Error("bad input: unparseable mqtt raw message", "error", err)
			return nil // bad input: ack and drop
		}
		return p.handle(ctx, "MQTT", raw.MqttClientID, raw.Message)
	})
}

// ConsumeProtocol runs the consumer loop for one of the other
// pre_*_handler queues, which all share the {uid, message} envelope.
func (p *Pipeline) ConsumeProtocol(ctx context.Context, queueName, protocol string) error {
	return p.Queue.Consume(ctx, queueName, func(ctx context.Context, body []byte) error {
		var raw model.RawMessage
		if err := json.Unmarshal(body, &raw); err != nil {
			p.Log.Error("bad input: unparseable raw message", "queue", queueName, "error", err)
			return nil
		}
		return p.handle(ctx, protocol, raw.UID, raw.Message)
	})
}

// handle runs the shared per-message pipeline: script lookup, transform,
// per-record persistence, and downstream fan-out.
func (p *Pipeline) handle(ctx context.Context, protocol, clientOrUID, payload string) error {
	key := scriptKey(protocol, clientOrUID)
	script, ok, err := p.KV.GetString(ctx, key)
	if err != nil {
		p.Log.Error("transient: reading device script", "key", key, "error", err)
		return err // transient infra: leave unacked
	}
	if !ok {
		p.Log.Info("configuration-absent: no script for device, discarding", "key", key)
		return nil // config-absent: ack and discard
	}

	records, err := p.Scripts.Transform(script, payload)
	if err != nil {
		p.Log.Error("bad input: script transform failed", "key", key, "error", err)
		return nil // bad input: ack, skip
	}

	for i := range records {
		records[i].Protocol = protocol
		if err := p.storageDataRow(ctx, &records[i]); err != nil {
			p.Log.Error("fatal: storing data row", "error", err)
			return err
		}
	}

	encoded, err := json.Marshal(records)
	if err != nil {
		p.Log.Error("encoding normalized records for fan-out", "error", err)
		return nil
	}
	for _, q := range []string{mqueue.QueueWaringHandler, mqueue.QueueWaringDelay, mqueue.QueueTransmitHandler} {
		if err := p.Queue.Publish(ctx, q, encoded); err != nil {
			p.Log.Error("transient: publishing fan-out message", "queue", q, "error", err)
			return err
		}
	}
	return nil
}

// storageDataRow is the exact persistence routine from spec.md §4.6:
// resolve each row's signal, type it, append to the sliding window, and
// write the full field map as one time-series point.
func (p *Pipeline) storageDataRow(ctx context.Context, rec *model.NormalizedRecord) error {
	deviceUID, err := strconv.ParseInt(rec.DeviceUID, 10, 64)
	if err != nil {
		return fmt.Errorf("ingest: fatal: device_uid %q is not an integer: %w", rec.DeviceUID, err)
	}

	signals, err := p.loadSignals(ctx, rec.DeviceUID, rec.IdentificationCode)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	fields := map[string]interface{}{
		"storage_time": now,
		"push_time":    rec.Time,
		"time-sub":     now - rec.Time,
	}

	for _, row := range rec.DataRows {
		sig, ok := signals[row.Name]
		if !ok {
			p.Log.Info("bad input: unknown signal, skipping row", "name", row.Name)
			continue
		}
		if sig.Type.IsNumeric() {
			if f, err := strconv.ParseFloat(row.Value, 64); err == nil {
				fields[strconv.FormatInt(sig.ID, 10)] = f
			} else {
				fields[strconv.FormatInt(sig.ID, 10)] = row.Value
			}
		} else {
			fields[strconv.FormatInt(sig.ID, 10)] = row.Value
		}

		if sig.CacheSize > 0 {
			if err := p.appendSlidingWindow(ctx, rec.DeviceUID, rec.IdentificationCode, sig, row.Value, now); err != nil {
				return err
			}
		}
	}

	measurement := model.Measurement(rec.Protocol, rec.DeviceUID, rec.IdentificationCode)
	bucket := model.BucketName(p.BucketPre, rec.Protocol, deviceUID)
	if err := p.TS.EnsureBucket(ctx, bucket); err != nil {
		return fmt.Errorf("ingest: ensuring bucket %s: %w", bucket, err)
	}
	if err := p.TS.Write(ctx, bucket, measurement, fields); err != nil {
		return fmt.Errorf("ingest: writing point: %w", err)
	}

	markerKey := fmt.Sprintf("storage_time:%s:%s:%s", rec.Protocol, rec.DeviceUID, rec.IdentificationCode)
	return p.KV.SetString(ctx, markerKey, strconv.FormatInt(now, 10))
}

// appendSlidingWindow stores rawValue verbatim (spec.md §4.6: "append the
// raw string value") — it is not reparsed or reformatted here. A
// non-numeric raw value enters the window unchanged, whether it belongs
// to a text signal or to a numeric signal whose typed-field parse in
// storageDataRow fell back to text.
func (p *Pipeline) appendSlidingWindow(ctx context.Context, deviceUID, code string, sig model.Signal, rawValue string, now int64) error {
	key := fmt.Sprintf("signal_delay_warning:%s:%s:%d", deviceUID, code, sig.ID)
	card, err := p.KV.ZCard(ctx, key)
	if err != nil {
		return err
	}
	if card >= sig.CacheSize {
		if err := p.KV.ZRemoveLowest(ctx, key); err != nil {
			return err
		}
	}
	return p.KV.ZAdd(ctx, key, rawValue, float64(now))
}

func (p *Pipeline) loadSignals(ctx context.Context, deviceUID, code string) (map[string]model.Signal, error) {
	key := fmt.Sprintf("signal:%s:%s", deviceUID, code)
	values, err := p.KV.ListAll(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.Signal, len(values))
	for _, v := range values {
		var sig model.Signal
		if err := json.Unmarshal([]byte(v), &sig); err != nil {
			p.Log.Error("unparseable signal entry", "error", err)
			continue
		}
		out[sig.Name] = sig
	}
	return out, nil
}
