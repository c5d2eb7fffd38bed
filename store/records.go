package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Records stores values of T as JSON documents under Prefix.
type Records[T any] struct {
	Storage Storage
	Prefix  string
}

// NewRecords returns a repository keeping its records under prefix/.
func NewRecords[T any](s Storage, prefix string) *Records[T] {
	return &Records[T]{Storage: s, Prefix: strings.TrimSuffix(prefix, "/") + "/"}
}

func (r *Records[T]) key(id string) string {
	return r.Prefix + id + ".json"
}

// Save writes the complete record, replacing any previous version.
func (r *Records[T]) Save(ctx context.Context, id string, v *T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", id, err)
	}
	return r.Storage.Put(ctx, r.key(id), data)
}

// Load returns ErrNotFound for unknown ids.
func (r *Records[T]) Load(ctx context.Context, id string) (*T, error) {
	data, err := r.Storage.Get(ctx, r.key(id))
	if err != nil {
		return nil, err
	}

	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", id, err)
	}
	return v, nil
}

func (r *Records[T]) Delete(ctx context.Context, id string) error {
	return r.Storage.Delete(ctx, r.key(id))
}

// List returns the ids of all stored records.
func (r *Records[T]) List(ctx context.Context) ([]string, error) {
	keys, err := r.Storage.List(ctx, r.Prefix)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, r.Prefix)
		if !strings.HasSuffix(id, ".json") || strings.Contains(id, "/") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(id, ".json"))
	}
	return ids, nil
}
