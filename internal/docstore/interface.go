package docstore

import "context"

// Docs is the operation set the alerting evaluators need from a document
// store. *Manager satisfies it; Mem is an in-memory implementation for
// tests.
type Docs interface {
	CreateCollection(ctx context.Context, name string) error
	InsertDocument(ctx context.Context, collectionName string, doc map[string]interface{}) error
	FindDocuments(ctx context.Context, collectionName string, filter map[string]interface{}) ([]map[string]string, error)
}

var (
	_ Docs = (*Manager)(nil)
	_ Docs = (*Mem)(nil)
)
