package tsdb

import "context"

// TS is the operation set ingest.Pipeline needs from a time-series
// store. *Writer satisfies it; Mem is an in-memory implementation for
// tests.
type TS interface {
	EnsureBucket(ctx context.Context, name string) error
	Write(ctx context.Context, bucket, measurement string, fields map[string]interface{}) error
	Query(ctx context.Context, p QueryParams) ([]Record, error)
}

var (
	_ TS = (*Writer)(nil)
	_ TS = (*Mem)(nil)
)
