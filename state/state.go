package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
)

var jsonNull = []byte("null")

// State is the in-memory snapshot of one stage checkpoint.
//
// The snapshot is loaded once by Load and never re-read from storage, so a
// State assumes it is the only writer of its key. Every mutation persists the
// whole mapping before returning; the snapshot only changes once the write
// succeeded.
type State struct {
	storage Storage
	values  map[string]json.RawMessage
}

// Load reads the checkpoint from storage.
func Load(ctx context.Context, storage Storage) (*State, error) {
	values, err := storage.Retrieve(ctx)
	if err != nil {
		return nil, err
	}
	return &State{storage: storage, values: values}, nil
}

// Set stores value under key and persists the checkpoint.
func (s *State) Set(ctx context.Context, key string, value any) error {
	return s.SetMany(ctx, map[string]any{key: value})
}

// SetMany stores all values and persists the checkpoint with a single write.
func (s *State) SetMany(ctx context.Context, values map[string]any) error {
	next := maps.Clone(s.values)
	if next == nil {
		next = make(map[string]json.RawMessage, len(values))
	}
	for key, value := range values {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode state key %q: %w", key, err)
		}
		next[key] = raw
	}
	if err := s.storage.Save(ctx, next); err != nil {
		return err
	}
	s.values = next
	return nil
}

// Get decodes the value stored under key into dst. It reports false when the
// key is absent or null.
func (s *State) Get(key string, dst any) (bool, error) {
	raw, ok := s.values[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), jsonNull) {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode state key %q: %w", key, err)
	}
	return true, nil
}

// GetString returns the string stored under key, or def.
func (s *State) GetString(key string, def string) string {
	var value string
	if ok, err := s.Get(key, &value); err != nil || !ok || value == "" {
		return def
	}
	return value
}

// Has reports whether key holds a non-null value.
func (s *State) Has(key string) bool {
	raw, ok := s.values[key]
	return ok && !bytes.Equal(bytes.TrimSpace(raw), jsonNull)
}

// Clear drops every key and persists the empty checkpoint.
func (s *State) Clear(ctx context.Context) error {
	empty := make(map[string]json.RawMessage)
	if err := s.storage.Save(ctx, empty); err != nil {
		return err
	}
	s.values = empty
	return nil
}
