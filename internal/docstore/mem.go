package docstore

import (
	"context"
	"fmt"
	"sync"
)

// Mem is an in-memory Docs implementation for tests: collections and
// documents live in plain maps instead of MongoDB.
type Mem struct {
	mu   sync.Mutex
	cols map[string]bool
	docs map[string][]map[string]interface{}
}

// NewMem builds an empty Mem.
func NewMem() *Mem {
	return &Mem{cols: make(map[string]bool), docs: make(map[string][]map[string]interface{})}
}

func (m *Mem) CreateCollection(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cols[name] = true
	return nil
}

// InsertDocument auto-creates collectionName if needed, matching the
// real driver's lazy-collection-on-insert behavior.
func (m *Mem) InsertDocument(ctx context.Context, collectionName string, doc map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cols[collectionName] = true
	cp := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		cp[k] = v
	}
	m.docs[collectionName] = append(m.docs[collectionName], cp)
	return nil
}

func (m *Mem) FindDocuments(ctx context.Context, collectionName string, filter map[string]interface{}) ([]map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]string, 0, len(m.docs[collectionName]))
	for _, d := range m.docs[collectionName] {
		match := true
		for k, v := range filter {
			if fmt.Sprint(d[k]) != fmt.Sprint(v) {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		row := make(map[string]string, len(d))
		for k, v := range d {
			row[k] = fmt.Sprint(v)
		}
		out = append(out, row)
	}
	return out, nil
}

// Documents returns every raw document inserted into collectionName, for
// test assertions that need typed values rather than FindDocuments'
// stringified view.
func (m *Mem) Documents(collectionName string) []map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]interface{}(nil), m.docs[collectionName]...)
}
