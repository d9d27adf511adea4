package cache

import (
	"sync"
	"time"
)

// LRU 带 TTL 的本地缓存（双向链表，O(1) 操作）
type LRU struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*lruNode
	head     *lruNode // 最近使用
	tail     *lruNode // 最久未使用
}

type lruNode struct {
	key       string
	entry     *Entry
	expiresAt time.Time
	prev      *lruNode
	next      *lruNode
}

func NewLRU(capacity int, ttl time.Duration) *LRU {
	if capacity < 1 {
		capacity = 1
	}
	return &LRU{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*lruNode),
	}
}

func (c *LRU) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && time.Now().After(node.expiresAt) {
		c.unlink(node)
		delete(c.items, key)
		return nil, false
	}
	c.moveToHead(node)
	return node.entry, true
}

func (c *LRU) Set(key string, e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if node, ok := c.items[key]; ok {
		node.entry = e
		node.expiresAt = time.Now().Add(c.ttl)
		c.moveToHead(node)
		return
	}
	if len(c.items) >= c.capacity && c.tail != nil {
		old := c.tail
		c.unlink(old)
		delete(c.items, old.key)
	}
	node := &lruNode{key: key, entry: e, expiresAt: time.Now().Add(c.ttl)}
	c.items[key] = node
	c.pushHead(node)
}

func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *LRU) pushHead(node *lruNode) {
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

func (c *LRU) unlink(node *lruNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		c.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		c.tail = node.prev
	}
	node.prev, node.next = nil, nil
}

func (c *LRU) moveToHead(node *lruNode) {
	if node == c.head {
		return
	}
	c.unlink(node)
	c.pushHead(node)
}
