package topic

import (
	"slices"
	"strings"
	"sync"

	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/mqtt"
)

// Subscription 一条订阅记录
type Subscription struct {
	ClientID string
	Filter   string
	QoS      mqtt.QoS
}

func (s Subscription) key() string {
	return s.ClientID + "|" + s.Filter
}

func (s Subscription) same(other Subscription) bool {
	return s.ClientID == other.ClientID && s.Filter == other.Filter
}

// node 主题订阅树节点
type node struct {
	// 直接子节点（精确匹配）
	children map[string]*node
	// "+" 通配符子节点（单层）
	plus *node
	// "#" 通配符订阅列表（多层），挂在父节点上
	hash []Subscription
	// 精确匹配当前路径的订阅者
	terminals []Subscription
}

func newNode() *node {
	return &node{children: map[string]*node{}}
}

func (n *node) empty() bool {
	return len(n.children) == 0 && n.plus == nil && len(n.hash) == 0 && len(n.terminals) == 0
}

// Tree 内存中的主题订阅树，并发安全
type Tree struct {
	mu   sync.RWMutex
	root *node
	size int
}

func NewTree() *Tree {
	return &Tree{root: newNode()}
}

// Len 返回订阅总数
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// Insert 插入或更新订阅（同一客户端同一过滤器只保留一条，QoS 以最新为准）
func (t *Tree) Insert(subscription Subscription) error {
	if err := ValidateFilter(subscription.Filter); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.root
	levels := strings.Split(subscription.Filter, "/")
	for i, level := range levels {
		if level == "#" {
			t.upsert(&current.hash, subscription)
			return nil
		}
		var next *node
		if level == "+" {
			if current.plus == nil {
				current.plus = newNode()
			}
			next = current.plus
		} else {
			next = current.children[level]
			if next == nil {
				next = newNode()
				current.children[level] = next
			}
		}
		current = next
		if i == len(levels)-1 {
			t.upsert(&current.terminals, subscription)
		}
	}
	return nil
}

func (t *Tree) upsert(list *[]Subscription, subscription Subscription) {
	if idx := slices.IndexFunc(*list, subscription.same); idx >= 0 {
		(*list)[idx] = subscription
		return
	}
	*list = append(*list, subscription)
	t.size++
}

// Delete 删除订阅，返回是否存在
func (t *Tree) Delete(subscription Subscription) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delete(t.root, strings.Split(subscription.Filter, "/"), subscription)
}

func (t *Tree) delete(current *node, levels []string, subscription Subscription) bool {
	level := levels[0]
	if level == "#" {
		return t.remove(&current.hash, subscription)
	}
	var next *node
	if level == "+" {
		next = current.plus
	} else {
		next = current.children[level]
	}
	if next == nil {
		return false
	}
	var removed bool
	if len(levels) == 1 {
		removed = t.remove(&next.terminals, subscription)
	} else {
		removed = t.delete(next, levels[1:], subscription)
	}
	if removed && next.empty() {
		if level == "+" {
			current.plus = nil
		} else {
			delete(current.children, level)
		}
	}
	return removed
}

func (t *Tree) remove(list *[]Subscription, subscription Subscription) bool {
	before := len(*list)
	*list = slices.DeleteFunc(*list, subscription.same)
	t.size -= before - len(*list)
	return len(*list) != before
}

// DeleteClient 删除某客户端的所有订阅
func (t *Tree) DeleteClient(clientID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deleteClient(t.root, clientID)
}

func (t *Tree) deleteClient(current *node, clientID string) int {
	removed := 0
	match := func(s Subscription) bool { return s.ClientID == clientID }
	before := len(current.hash) + len(current.terminals)
	current.hash = slices.DeleteFunc(current.hash, match)
	current.terminals = slices.DeleteFunc(current.terminals, match)
	removed += before - len(current.hash) - len(current.terminals)
	t.size -= removed
	for level, child := range current.children {
		removed += t.deleteClient(child, clientID)
		if child.empty() {
			delete(current.children, level)
		}
	}
	if current.plus != nil {
		removed += t.deleteClient(current.plus, clientID)
		if current.plus.empty() {
			current.plus = nil
		}
	}
	return removed
}

// Match 返回匹配主题名的所有订阅，同一客户端同一过滤器去重
func (t *Tree) Match(topicName string) []Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	levels := strings.Split(topicName, "/")
	system := strings.HasPrefix(topicName, "$")
	var results []Subscription

	queue := []*node{t.root}
	for i, currentLevel := range levels {
		var nextQueue []*node
		for _, current := range queue {
			// 1. 收集当前节点的 # 通配符订阅
			if !(system && i == 0) {
				results = append(results, current.hash...)
			}
			// 2. 精确匹配子节点
			if child, ok := current.children[currentLevel]; ok {
				nextQueue = append(nextQueue, child)
			}
			// 3. 处理 + 通配符子节点
			if current.plus != nil && !(system && i == 0) {
				nextQueue = append(nextQueue, current.plus)
			}
		}
		queue = nextQueue
		if len(queue) == 0 {
			break
		}
	}

	// 收集终端节点的精确订阅，以及 "a/#" 对 "a" 本身的匹配
	for _, current := range queue {
		results = append(results, current.terminals...)
		results = append(results, current.hash...)
	}

	seen := make(map[string]bool, len(results))
	finalResults := make([]Subscription, 0, len(results))
	for _, sub := range results {
		if !seen[sub.key()] {
			finalResults = append(finalResults, sub)
			seen[sub.key()] = true
		}
	}
	return finalResults
}
