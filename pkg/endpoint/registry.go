package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotBound возвращается Lookup для имени без привязки
var ErrNotBound = errors.New("identity not bound")

// Registry общий для endpoint'ов справочник имя -> SIP URI. Через него
// "Alice звонит Bob" находит адрес Bob; другого общего состояния у
// endpoint'ов нет.
type Registry interface {
	Bind(ctx context.Context, name, uri string) error
	Lookup(ctx context.Context, name string) (string, error)
	Unbind(ctx context.Context, name string) error
}

// MemoryRegistry реестр в памяти процесса
type MemoryRegistry struct {
	mu    sync.RWMutex
	names map[string]string
}

// NewMemoryRegistry создает пустой реестр
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{names: make(map[string]string)}
}

func (r *MemoryRegistry) Bind(_ context.Context, name, uri string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[name] = uri
	return nil
}

func (r *MemoryRegistry) Lookup(_ context.Context, name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uri, ok := r.names[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotBound, name)
	}
	return uri, nil
}

func (r *MemoryRegistry) Unbind(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.names, name)
	return nil
}

// RedisRegistry реестр в Redis для endpoint'ов из разных процессов
type RedisRegistry struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisRegistry создает реестр поверх client. Ключи имеют вид
// prefix + name; ttl 0 хранит привязки без срока.
func NewRedisRegistry(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisRegistry {
	if prefix == "" {
		prefix = "vphone:identity:"
	}
	return &RedisRegistry{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisRegistry) Bind(ctx context.Context, name, uri string) error {
	if err := r.client.Set(ctx, r.prefix+name, uri, r.ttl).Err(); err != nil {
		return fmt.Errorf("bind %s: %w", name, err)
	}
	return nil
}

func (r *RedisRegistry) Lookup(ctx context.Context, name string) (string, error) {
	uri, err := r.client.Get(ctx, r.prefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrNotBound, name)
	}
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", name, err)
	}
	return uri, nil
}

func (r *RedisRegistry) Unbind(ctx context.Context, name string) error {
	if err := r.client.Del(ctx, r.prefix+name).Err(); err != nil {
		return fmt.Errorf("unbind %s: %w", name, err)
	}
	return nil
}
