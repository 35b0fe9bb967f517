// Package tsdb wraps a time-series store (InfluxDB-compatible) with
// idempotent bucket creation, typed point writes, and Flux range queries.
package tsdb

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
)

// Aggregator selects the window-reduction function in a Query.
type Aggregator string

const (
	AggMean  Aggregator = "mean"
	AggSum   Aggregator = "sum"
	AggMin   Aggregator = "min"
	AggMax   Aggregator = "max"
	AggFirst Aggregator = "first"
	AggLast  Aggregator = "last"
)

// Record is one row of a Query result.
type Record struct {
	Time   time.Time
	Field  string
	Value  interface{}
}

// Writer is a typed handle over a time-series store connection.
type Writer struct {
	client influxdb2.Client
	org    string
}

// Config addresses the backing time-series store.
type Config struct {
	Host  string
	Port  int
	Token string
	Org   string
}

// New builds a Writer. The underlying client is lazy; New never blocks on
// a round trip.
func New(cfg Config) *Writer {
	url := fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	return &Writer{client: influxdb2.NewClient(url, cfg.Token), org: cfg.Org}
}

// Close releases the underlying HTTP client.
func (w *Writer) Close() { w.client.Close() }

// EnsureBucket creates bucket if it does not already exist. It is
// idempotent: a bucket that already exists is left untouched.
func (w *Writer) EnsureBucket(ctx context.Context, name string) error {
	bucketsAPI := w.client.BucketsAPI()
	existing, err := bucketsAPI.FindBucketByName(ctx, name)
	if err == nil && existing != nil {
		return nil
	}
	org, err := w.client.OrganizationsAPI().FindOrganizationByName(ctx, w.org)
	if err != nil {
		return fmt.Errorf("tsdb: resolving org %s: %w", w.org, err)
	}
	_, err = bucketsAPI.CreateBucketWithNameWithID(ctx, *org.Id, name)
	return err
}

// Write writes one point to measurement within bucket, with fields typed
// as int64, float64, or string scalars.
func (w *Writer) Write(ctx context.Context, bucket, measurement string, fields map[string]interface{}) error {
	writeAPI := w.client.WriteAPIBlocking(w.org, bucket)
	point := influxdb2.NewPointWithMeasurement(measurement)
	for k, v := range fields {
		point.AddField(k, v)
	}
	point.SetTime(time.Now())
	return writeAPI.WritePoint(ctx, point)
}

// QueryParams describes a windowed or raw-reduce range query.
type QueryParams struct {
	Bucket      string
	Measurement string
	Start       time.Time
	Stop        time.Time
	Fields      []string
	Window      time.Duration // zero disables windowed aggregation
	Aggregator  Aggregator
	CreateEmpty bool
}

// Query runs a Flux range query and returns a time-ordered record
// sequence. When Window is zero, no aggregateWindow is applied: a set
// Aggregator runs as a raw reduce over the whole range, and an empty one
// returns the raw points.
func (w *Writer) Query(ctx context.Context, p QueryParams) ([]Record, error) {
	flux := buildFluxQuery(p)
	queryAPI := w.client.QueryAPI(w.org)
	result, err := queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, err
	}
	defer result.Close()
	var out []Record
	for result.Next() {
		rec := result.Record()
		out = append(out, Record{Time: rec.Time(), Field: rec.Field(), Value: rec.Value()})
	}
	if result.Err() != nil {
		return out, result.Err()
	}
	return out, nil
}

func buildFluxQuery(p QueryParams) string {
	filterFields := ""
	for i, f := range p.Fields {
		if i > 0 {
			filterFields += " or "
		}
		filterFields += fmt.Sprintf(`r._field == %q`, f)
	}
	base := fmt.Sprintf(
		"from(bucket: %q)\n|> range(start: %d, stop: %d)\n|> filter(fn: (r) => r._measurement == %q)",
		p.Bucket, p.Start.Unix(), p.Stop.Unix(), p.Measurement,
	)
	if filterFields != "" {
		base += fmt.Sprintf("\n|> filter(fn: (r) => %s)", filterFields)
	}
	if p.Window > 0 {
		base += fmt.Sprintf(
			"\n|> aggregateWindow(every: %ds, fn: %s, createEmpty: %t)",
			int64(p.Window.Seconds()), p.Aggregator, p.CreateEmpty,
		)
	} else if p.Aggregator != "" {
		base += fmt.Sprintf("\n|> %s()", p.Aggregator)
	}
	return base
}
