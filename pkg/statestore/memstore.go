package statestore

import (
	"context"
	"strings"
	"sync"
)

type memNode struct {
	kind  Kind
	meta  Metadata
	value Value
	set   bool
}

// MemStore is an in-memory Store. It is safe for concurrent use and is the
// default backend when no Redis address is configured; it is also what the
// test suites run against.
type MemStore struct {
	mu    sync.RWMutex
	nodes map[string]*memNode
	subs  map[int]*memSub
	nextS int
}

type memSub struct {
	prefix string
	fn     func(path string, v Value)
}

func NewMemStore() *MemStore {
	return &MemStore{
		nodes: make(map[string]*memNode),
		subs:  make(map[int]*memSub),
	}
}

func (s *MemStore) CreateIfAbsent(_ context.Context, path string, kind Kind, meta Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[path]; ok {
		return nil
	}
	s.nodes[path] = &memNode{kind: kind, meta: meta}
	return nil
}

func (s *MemStore) SetValue(_ context.Context, path string, val any, ack bool) error {
	s.mu.Lock()
	node, ok := s.nodes[path]
	if !ok {
		node = &memNode{kind: KindState}
		s.nodes[path] = node
	}
	node.value = Value{Val: val, Ack: ack}
	node.set = true
	var notify []*memSub
	for _, sub := range s.subs {
		if strings.HasPrefix(path, sub.prefix) {
			notify = append(notify, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range notify {
		sub.fn(path, Value{Val: val, Ack: ack})
	}
	return nil
}

func (s *MemStore) GetValue(_ context.Context, path string) (Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[path]
	if !ok || !node.set {
		return Value{}, ErrNotFound
	}
	return node.value, nil
}

func (s *MemStore) DeleteSubtree(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.nodes {
		if p == path || strings.HasPrefix(p, path+".") {
			delete(s.nodes, p)
		}
	}
	return nil
}

func (s *MemStore) Subscribe(_ context.Context, prefix string, fn func(path string, v Value)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextS
	s.nextS++
	s.subs[id] = &memSub{prefix: prefix, fn: fn}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}, nil
}

// Len reports the number of nodes; used by discovery idempotence tests.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Has reports whether a node exists at path, value set or not.
func (s *MemStore) Has(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[path]
	return ok
}
