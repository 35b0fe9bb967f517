package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shilianming/iotgw/internal/kvstore"
	"github.com/shilianming/iotgw/internal/model"
	"github.com/shilianming/iotgw/internal/mqueue"
	"github.com/shilianming/iotgw/internal/scripthost"
	"github.com/shilianming/iotgw/internal/tsdb"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline() (*Pipeline, *kvstore.Mem, *tsdb.Mem, *mqueue.Mem) {
	kv := kvstore.NewMem()
	ts := tsdb.NewMem()
	q := mqueue.NewMem()
	p := &Pipeline{
		KV:        kv,
		TS:        ts,
		Queue:     q,
		Scripts:   scripthost.New(),
		BucketPre: "iot",
		Log:       discardLogger(),
	}
	return p, kv, ts, q
}

// TestIngest_S1 runs spec.md §8 scenario S1 literally: a mqtt_script
// transform produces one record, which must land as one time-series
// point in bucket iot_MQTT_7 / measurement MQTT_7_A, and fan out to all
// three downstream queues.
func TestIngest_S1(t *testing.T) {
	p, kv, ts, q := newTestPipeline()
	ctx := context.Background()

	const script = `function main(m){ return [{"Time":1,"DeviceUid":"7","IdentificationCode":"A","DataRows":[{"Name":"t","Value":"23.5"}],"Nc":"n"}]; }`
	require.NoError(t, kv.SetString(ctx, "mqtt_script[dev1]", script))
	require.NoError(t, kv.PushList(ctx, "signal:7:A", mustJSON(t, model.Signal{ID: 42, Name: "t", Type: model.SignalNumeric, CacheSize: 0})))

	require.NoError(t, p.handle(ctx, "MQTT", "dev1", "x"))

	points := ts.Points()
	require.Len(t, points, 1)
	assert.Equal(t, "iot_MQTT_7", points[0].Bucket)
	assert.Equal(t, "MQTT_7_A", points[0].Measurement)
	assert.EqualValues(t, 1, points[0].Fields["push_time"])
	sub, ok := points[0].Fields["time-sub"].(int64)
	require.True(t, ok)
	assert.True(t, sub >= 0)
	assert.InDelta(t, 23.5, points[0].Fields["42"], 0.0001)

	for _, queueName := range []string{mqueue.QueueWaringHandler, mqueue.QueueWaringDelay, mqueue.QueueTransmitHandler} {
		msgs := q.Messages(queueName)
		require.Len(t, msgs, 1, "queue %s", queueName)
		var records []model.NormalizedRecord
		require.NoError(t, json.Unmarshal(msgs[0], &records))
		require.Len(t, records, 1)
		assert.Equal(t, "7", records[0].DeviceUID)
	}
}

// TestIngest_SlidingWindowCapAndOrdering covers invariants #3 (cap with
// FIFO eviction) and #6 (ordering) from spec.md §8, and scenario S4's
// literal inputs.
func TestIngest_SlidingWindowCapAndOrdering(t *testing.T) {
	p, kv, _, _ := newTestPipeline()
	ctx := context.Background()

	sig := model.Signal{ID: 42, Name: "t", Type: model.SignalNumeric, CacheSize: 3}
	require.NoError(t, kv.PushList(ctx, "signal:7:A", mustJSON(t, sig)))

	rec := model.NormalizedRecord{DeviceUID: "7", IdentificationCode: "A"}
	for i, v := range []string{"1", "2", "3", "4"} {
		rec.DataRows = []model.DataRow{{Name: "t", Value: v}}
		require.NoError(t, p.storageDataRow(ctx, &rec))
		_ = i
	}

	members, err := kv.ZRangeWithScores(ctx, "signal_delay_warning:7:A:42")
	require.NoError(t, err)
	require.Len(t, members, 3)
	got := make([]string, len(members))
	for i, m := range members {
		got[i] = m.Member
	}
	assert.Equal(t, []string{"2", "3", "4"}, got)
}

// TestIngest_AppendSlidingWindow_PreservesRawNonNumericValue guards
// against the data-corruption bug where a non-numeric raw value was
// silently replaced with 0 before being written to the sliding window.
func TestIngest_AppendSlidingWindow_PreservesRawNonNumericValue(t *testing.T) {
	p, kv, _, _ := newTestPipeline()
	ctx := context.Background()

	sig := model.Signal{ID: 7, Name: "state", Type: model.SignalText, CacheSize: 2}
	require.NoError(t, p.appendSlidingWindow(ctx, "7", "A", sig, "unlocked", time.Now().Unix()))

	members, err := kv.ZRangeWithScores(ctx, "signal_delay_warning:7:A:7")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "unlocked", members[0].Member)
}

// TestIngest_RoundTripEncoding covers invariant #4: NormalizedRecord is
// stable under encode/decode, and numeric-type values parseable as float
// are stored as float while unparseable ones fall back to text.
func TestIngest_RoundTripEncoding(t *testing.T) {
	p, kv, ts, _ := newTestPipeline()
	ctx := context.Background()

	require.NoError(t, kv.PushList(ctx, "signal:7:A", mustJSON(t, model.Signal{ID: 1, Name: "numOK", Type: model.SignalNumeric, CacheSize: 0})))
	require.NoError(t, kv.PushList(ctx, "signal:7:A", mustJSON(t, model.Signal{ID: 2, Name: "numBad", Type: model.SignalNumeric, CacheSize: 0})))

	rec := model.NormalizedRecord{
		DeviceUID:          "7",
		IdentificationCode: "A",
		DataRows: []model.DataRow{
			{Name: "numOK", Value: "3.14"},
			{Name: "numBad", Value: "not-a-number"},
		},
	}
	encoded, err := json.Marshal(rec)
	require.NoError(t, err)
	var decoded model.NormalizedRecord
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, rec, decoded)

	require.NoError(t, p.storageDataRow(ctx, &decoded))
	pt := ts.Points()[0]
	assert.IsType(t, float64(0), pt.Fields["1"])
	assert.IsType(t, "", pt.Fields["2"])
}

// TestIngest_ConfigurationAbsent covers the config-absent taxonomy entry
// from spec.md §7: a device with no registered script is acked and
// discarded, producing no storage or fan-out side effects.
func TestIngest_ConfigurationAbsent(t *testing.T) {
	p, _, ts, q := newTestPipeline()
	ctx := context.Background()

	require.NoError(t, p.handle(ctx, "MQTT", "unprovisioned", "x"))
	assert.Empty(t, ts.Points())
	assert.Empty(t, q.Messages(mqueue.QueueWaringHandler))
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
