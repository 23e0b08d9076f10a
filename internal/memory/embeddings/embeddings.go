// Package embeddings defines the embedding provider interface and a
// lazily-initialised manager shared by every component that embeds text.
package embeddings

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Provider defines the interface for embedding providers.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Name returns the provider name.
	Name() string

	// Dimension returns the embedding dimension.
	Dimension() int
}

// Factory builds the underlying provider on first use.
type Factory func() (Provider, error)

// Manager wraps a Provider with single-flight initialisation and an LRU
// cache. All callers share one instance so the model is loaded once and
// disposed once.
type Manager struct {
	factory Factory
	logger  *slog.Logger

	initOnce sync.Once
	initErr  error
	provider Provider

	cache *lruCache

	mu     sync.Mutex
	closed bool
}

// NewManager builds a manager around factory. The provider itself is not
// created until the first Embed call.
func NewManager(factory Factory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factory: factory,
		logger:  logger.With("component", "embeddings"),
		cache:   newLRUCache(512),
	}
}

// Embed returns the embedding for text, initialising the provider on
// first call. Concurrent first callers share one initialisation.
func (m *Manager) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := m.cache.get(text); ok {
		return cached, nil
	}

	provider, err := m.get()
	if err != nil {
		return nil, err
	}

	embedding, err := provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	m.cache.set(text, embedding)
	return embedding, nil
}

// Available reports whether an embedding provider is configured, without
// forcing initialisation.
func (m *Manager) Available() bool {
	return m != nil && m.factory != nil
}

func (m *Manager) get() (Provider, error) {
	if m.factory == nil {
		return nil, fmt.Errorf("no embedding provider configured")
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("embedding manager closed")
	}
	m.mu.Unlock()

	m.initOnce.Do(func() {
		provider, err := m.factory()
		if err != nil {
			m.initErr = fmt.Errorf("init embedding provider: %w", err)
			return
		}
		m.provider = provider
		m.logger.Info("embedding provider initialised", "provider", provider.Name(), "dimension", provider.Dimension())
	})
	if m.initErr != nil {
		return nil, m.initErr
	}
	return m.provider, nil
}

// Close releases the provider if it was ever initialised.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if closer, ok := m.provider.(interface{ Close() error }); ok && m.provider != nil {
		return closer.Close()
	}
	return nil
}

// lruCache is a small LRU keyed by exact text.
type lruCache struct {
	mu       sync.Mutex
	items    map[string]*lruNode
	head     *lruNode
	tail     *lruNode
	capacity int
}

type lruNode struct {
	key        string
	value      []float32
	prev, next *lruNode
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{items: make(map[string]*lruNode), capacity: capacity}
}

func (c *lruCache) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.moveToFront(node)
	return node.value, true
}

func (c *lruCache) set(key string, value []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if node, ok := c.items[key]; ok {
		node.value = value
		c.moveToFront(node)
		return
	}

	node := &lruNode{key: key, value: value}
	c.items[key] = node
	c.pushFront(node)

	if len(c.items) > c.capacity && c.tail != nil {
		evicted := c.tail
		c.unlink(evicted)
		delete(c.items, evicted.key)
	}
}

func (c *lruCache) moveToFront(node *lruNode) {
	if c.head == node {
		return
	}
	c.unlink(node)
	c.pushFront(node)
}

func (c *lruCache) pushFront(node *lruNode) {
	node.prev = nil
	node.next = c.head
	if c.head != nil {
		c.head.prev = node
	}
	c.head = node
	if c.tail == nil {
		c.tail = node
	}
}

func (c *lruCache) unlink(node *lruNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else if c.head == node {
		c.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else if c.tail == node {
		c.tail = node.prev
	}
	node.prev, node.next = nil, nil
}
