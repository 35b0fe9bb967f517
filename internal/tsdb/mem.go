package tsdb

import (
	"context"
	"sync"
)

// Point is one recorded call to Mem.Write.
type Point struct {
	Bucket      string
	Measurement string
	Fields      map[string]interface{}
}

// Mem is an in-memory TS implementation for tests: it records every
// ensured bucket and written point instead of talking to InfluxDB.
type Mem struct {
	mu      sync.Mutex
	buckets map[string]bool
	points  []Point
}

// NewMem builds an empty Mem.
func NewMem() *Mem {
	return &Mem{buckets: make(map[string]bool)}
}

func (m *Mem) EnsureBucket(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[name] = true
	return nil
}

func (m *Mem) Write(ctx context.Context, bucket, measurement string, fields map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	m.points = append(m.points, Point{Bucket: bucket, Measurement: measurement, Fields: cp})
	return nil
}

// Query is not exercised by the ingestion path; Mem returns the points
// matching bucket and measurement without interpreting Start/Stop/Window.
func (m *Mem) Query(ctx context.Context, p QueryParams) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, pt := range m.points {
		if pt.Bucket != p.Bucket || pt.Measurement != p.Measurement {
			continue
		}
		for field, value := range pt.Fields {
			out = append(out, Record{Field: field, Value: value})
		}
	}
	return out, nil
}

// Points returns every point written so far, for test assertions.
func (m *Mem) Points() []Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Point(nil), m.points...)
}

// Buckets returns every bucket name ensured so far, for test assertions.
func (m *Mem) Buckets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.buckets))
	for b := range m.buckets {
		out = append(out, b)
	}
	return out
}
