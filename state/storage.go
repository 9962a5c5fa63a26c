// Package state keeps the continuation state of a pipeline stage.
//
// A stage owns exactly one checkpoint, stored as a single serialized mapping
// under a namespaced key. The mapping is read once when the stage starts and
// written back as a whole on every update.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
)

// DefaultStateKey is the last segment of a checkpoint key.
const DefaultStateKey = "processing_state"

var ErrCorrupt = errors.New("checkpoint is not a valid JSON object")

// Storage persists a stage checkpoint. Implementations must replace the stored
// mapping wholesale on Save.
type Storage interface {
	Save(ctx context.Context, values map[string]json.RawMessage) error
	Retrieve(ctx context.Context) (map[string]json.RawMessage, error)
}

// Key addresses a checkpoint as <namespace>:<stage>:<state-key>.
type Key struct {
	Namespace string
	Stage     string
	StateKey  string
}

func (k Key) String() string {
	stateKey := k.StateKey
	if stateKey == "" {
		stateKey = DefaultStateKey
	}
	return strings.Join([]string{k.Namespace, k.Stage, stateKey}, ":")
}

func decode(data []byte) (map[string]json.RawMessage, error) {
	values := make(map[string]json.RawMessage)
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, errors.Join(ErrCorrupt, err)
	}
	if values == nil {
		// stored literal null
		values = make(map[string]json.RawMessage)
	}
	return values, nil
}

// MemoryStorage keeps checkpoints in process memory. It is used for dry runs
// and tests; nothing survives a restart.
type MemoryStorage struct {
	mu   sync.Mutex
	data []byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (m *MemoryStorage) Save(_ context.Context, values map[string]json.RawMessage) error {
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) Retrieve(_ context.Context) (map[string]json.RawMessage, error) {
	m.mu.Lock()
	data := m.data
	m.mu.Unlock()
	return decode(data)
}

// Raw returns the serialized checkpoint as last saved.
func (m *MemoryStorage) Raw() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}
