package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kdimentionaltree/movies-index-go/models"
)

// DefaultTTL bounds how stale a cached response can be.
const DefaultTTL = 5 * time.Minute

// Manager holds the typed caches of the read API.
type Manager struct {
	client *redis.Client

	// Films: film id -> details
	Films *Cache[models.FilmDetails]

	// Genres: genre id -> genre
	Genres *Cache[models.Genre]

	// FilmPages: listing or search parameters -> page
	FilmPages *Cache[models.FilmsPage]
}

func NewManager(client *redis.Client, ttl time.Duration) *Manager {
	return &Manager{
		client:    client,
		Films:     newMsgpackCache[models.FilmDetails](client, "film", ttl),
		Genres:    newMsgpackCache[models.Genre](client, "genre", ttl),
		FilmPages: newMsgpackCache[models.FilmsPage](client, "films", ttl),
	}
}

// newMsgpackCache stores values as msgpack, which keeps the optional
// rating and description fields of the response models.
func newMsgpackCache[T any](client *redis.Client, prefix string, ttl time.Duration) *Cache[T] {
	return New(Options[T]{
		Client: client,
		Encoder: func(value T) ([]byte, error) {
			return msgpack.Marshal(value)
		},
		Decoder: func(data []byte) (T, error) {
			var value T
			err := msgpack.Unmarshal(data, &value)
			return value, err
		},
		Prefix: prefix,
		TTL:    ttl,
	})
}

func (m *Manager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}
