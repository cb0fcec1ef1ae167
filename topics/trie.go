// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"strings"
	"sync"
)

const separator = "/"

// Subscription is a trie entry: one client's subscription to one filter.
type Subscription struct {
	ClientID          string
	Filter            string
	QoS               byte
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    byte
	SubscriptionID    uint32
}

// Trie is the subscription trie. Levels of a filter form the path; each node
// keeps the subscriptions terminating there keyed by client ID, so
// re-subscribing to the same filter is last-write-wins per client.
//
// A '#' entry on a node matches the node itself and every descendant topic.
type Trie struct {
	mu   sync.RWMutex
	root *node
	size int
}

type node struct {
	children map[string]*node
	subs     map[string]*Subscription // by client ID
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// NewTrie returns an empty subscription trie.
func NewTrie() *Trie {
	return &Trie{root: newNode()}
}

// Insert adds or replaces a subscription. The filter must already be
// validated; Insert does not reject malformed wildcards.
func (t *Trie) Insert(sub *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root
	for _, level := range strings.Split(sub.Filter, separator) {
		child, ok := n.children[level]
		if !ok {
			child = newNode()
			n.children[level] = child
		}
		n = child
	}
	if n.subs == nil {
		n.subs = make(map[string]*Subscription)
	}
	if _, exists := n.subs[sub.ClientID]; !exists {
		t.size++
	}
	n.subs[sub.ClientID] = sub
}

// Remove deletes a client's subscription to a filter. Empty interior nodes
// are pruned so churn does not grow the trie without bound.
func (t *Trie) Remove(clientID, filter string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	levels := strings.Split(filter, separator)
	return t.remove(t.root, levels, clientID)
}

func (t *Trie) remove(n *node, levels []string, clientID string) bool {
	if len(levels) == 0 {
		if n.subs == nil {
			return false
		}
		if _, ok := n.subs[clientID]; !ok {
			return false
		}
		delete(n.subs, clientID)
		t.size--
		return true
	}

	child, ok := n.children[levels[0]]
	if !ok {
		return false
	}
	removed := t.remove(child, levels[1:], clientID)
	if removed && len(child.children) == 0 && len(child.subs) == 0 {
		delete(n.children, levels[0])
	}
	return removed
}

// RemoveAll deletes every subscription belonging to a client and returns the
// removed filters.
func (t *Trie) RemoveAll(clientID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var filters []string
	t.removeAll(t.root, clientID, &filters)
	return filters
}

func (t *Trie) removeAll(n *node, clientID string, filters *[]string) {
	if sub, ok := n.subs[clientID]; ok {
		*filters = append(*filters, sub.Filter)
		delete(n.subs, clientID)
		t.size--
	}
	for level, child := range n.children {
		t.removeAll(child, clientID, filters)
		if len(child.children) == 0 && len(child.subs) == 0 {
			delete(n.children, level)
		}
	}
}

// Match returns all subscriptions matching the topic. A client subscribed
// through several overlapping filters appears once per filter; callers
// dedupe per delivery policy. Topics starting with '$' are not matched by
// '+'/'#' at the first level.
func (t *Trie) Match(topic string) []*Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	levels := strings.Split(topic, separator)
	dollar := strings.HasPrefix(topic, "$")

	var matched []*Subscription
	matchLevel(t.root, levels, 0, dollar, &matched)
	return matched
}

func matchLevel(n *node, levels []string, index int, dollar bool, matched *[]*Subscription) {
	if index == len(levels) {
		for _, sub := range n.subs {
			*matched = append(*matched, sub)
		}
		if wild, ok := n.children["#"]; ok {
			for _, sub := range wild.subs {
				*matched = append(*matched, sub)
			}
		}
		return
	}

	level := levels[index]

	if child, ok := n.children[level]; ok {
		matchLevel(child, levels, index+1, false, matched)
	}

	// Wildcards never match the first level of $-topics.
	if dollar && index == 0 {
		return
	}

	if child, ok := n.children["+"]; ok {
		matchLevel(child, levels, index+1, false, matched)
	}
	if child, ok := n.children["#"]; ok {
		for _, sub := range child.subs {
			*matched = append(*matched, sub)
		}
	}
}

// Filters returns the filters a client is subscribed to.
func (t *Trie) Filters(clientID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var filters []string
	var walk func(n *node)
	walk = func(n *node) {
		if sub, ok := n.subs[clientID]; ok {
			filters = append(filters, sub.Filter)
		}
		for _, child := range n.children {
			walk(child)
		}
	}
	walk(t.root)
	return filters
}

// Size returns the number of subscriptions held.
func (t *Trie) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}
