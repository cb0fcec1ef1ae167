// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"sort"
	"testing"
)

func TestValidateTopicName(t *testing.T) {
	valid := []string{"a", "a/b/c", "sensors/room 1/temp", "/leading", "trailing/", "$SYS/broker/uptime"}
	for _, topic := range valid {
		if err := ValidateTopicName(topic); err != nil {
			t.Errorf("ValidateTopicName(%q) = %v", topic, err)
		}
	}

	invalid := []string{"", "a/+/b", "a/#", "+", "#", "a\x00b"}
	for _, topic := range invalid {
		if err := ValidateTopicName(topic); err == nil {
			t.Errorf("ValidateTopicName(%q) accepted", topic)
		}
	}
}

func TestValidateFilter(t *testing.T) {
	valid := []string{"a", "a/b", "+", "#", "a/+/c", "a/#", "+/+/+", "$SYS/#", "/"}
	for _, filter := range valid {
		if err := ValidateFilter(filter); err != nil {
			t.Errorf("ValidateFilter(%q) = %v", filter, err)
		}
	}

	invalid := []string{"", "a/#/b", "a#", "#a", "a+", "+a/b", "a/b#", "a\x00b"}
	for _, filter := range invalid {
		if err := ValidateFilter(filter); err == nil {
			t.Errorf("ValidateFilter(%q) accepted", filter)
		}
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/b/c", "a/b/d", false},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/d", false},
		{"a/+", "a/b/c", false},
		{"+", "a", true},
		{"+", "a/b", false},
		{"#", "a/b/c", true},
		{"a/#", "a", true},
		{"a/#", "a/b/c/d", true},
		{"a/#", "b/a", false},
		{"a/b/+", "a/b", false},
		{"+/+", "/finance", true},
		{"/+", "/finance", true},

		// $-prefixed topics are invisible to leading wildcards.
		{"#", "$SYS/broker/uptime", false},
		{"+/broker/uptime", "$SYS/broker/uptime", false},
		{"$SYS/#", "$SYS/broker/uptime", true},
		{"$SYS/broker/+", "$SYS/broker/uptime", true},

		{"", "a", false},
		{"a", "", false},
	}

	for _, tt := range tests {
		if got := Match(tt.filter, tt.topic); got != tt.want {
			t.Errorf("Match(%q, %q) = %t, want %t", tt.filter, tt.topic, got, tt.want)
		}
	}
}

func clientsOf(subs []*Subscription) []string {
	ids := make([]string, 0, len(subs))
	for _, s := range subs {
		ids = append(ids, s.ClientID)
	}
	sort.Strings(ids)
	return ids
}

func TestTrieInsertAndMatch(t *testing.T) {
	trie := NewTrie()
	trie.Insert(&Subscription{ClientID: "c1", Filter: "sensors/+/temp", QoS: 1})
	trie.Insert(&Subscription{ClientID: "c2", Filter: "sensors/#", QoS: 0})
	trie.Insert(&Subscription{ClientID: "c3", Filter: "sensors/room1/temp", QoS: 2})
	trie.Insert(&Subscription{ClientID: "c4", Filter: "alerts/fire"})

	got := clientsOf(trie.Match("sensors/room1/temp"))
	want := []string{"c1", "c2", "c3"}
	if len(got) != len(want) {
		t.Fatalf("Match = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Match = %v, want %v", got, want)
		}
	}

	if subs := trie.Match("other/topic"); len(subs) != 0 {
		t.Errorf("Match unrelated topic = %v", clientsOf(subs))
	}
	if trie.Size() != 4 {
		t.Errorf("Size = %d, want 4", trie.Size())
	}
}

func TestTrieResubscribeReplacesQoS(t *testing.T) {
	trie := NewTrie()
	trie.Insert(&Subscription{ClientID: "c1", Filter: "a/b", QoS: 0})
	trie.Insert(&Subscription{ClientID: "c1", Filter: "a/b", QoS: 2})

	subs := trie.Match("a/b")
	if len(subs) != 1 {
		t.Fatalf("Match returned %d subscriptions, want 1", len(subs))
	}
	if subs[0].QoS != 2 {
		t.Errorf("QoS = %d, want 2 after re-subscribe", subs[0].QoS)
	}
	if trie.Size() != 1 {
		t.Errorf("Size = %d, want 1", trie.Size())
	}
}

func TestTrieRemove(t *testing.T) {
	trie := NewTrie()
	trie.Insert(&Subscription{ClientID: "c1", Filter: "a/b"})
	trie.Insert(&Subscription{ClientID: "c2", Filter: "a/b"})

	if !trie.Remove("c1", "a/b") {
		t.Error("Remove existing subscription returned false")
	}
	if trie.Remove("c1", "a/b") {
		t.Error("Remove absent subscription returned true")
	}

	got := clientsOf(trie.Match("a/b"))
	if len(got) != 1 || got[0] != "c2" {
		t.Errorf("Match after remove = %v, want [c2]", got)
	}
}

func TestTrieRemoveAll(t *testing.T) {
	trie := NewTrie()
	trie.Insert(&Subscription{ClientID: "c1", Filter: "a/b"})
	trie.Insert(&Subscription{ClientID: "c1", Filter: "c/+"})
	trie.Insert(&Subscription{ClientID: "c2", Filter: "a/b"})

	filters := trie.RemoveAll("c1")
	sort.Strings(filters)
	if len(filters) != 2 || filters[0] != "a/b" || filters[1] != "c/+" {
		t.Errorf("RemoveAll = %v", filters)
	}
	if trie.Size() != 1 {
		t.Errorf("Size = %d, want 1", trie.Size())
	}
	if got := clientsOf(trie.Match("a/b")); len(got) != 1 || got[0] != "c2" {
		t.Errorf("Match after RemoveAll = %v", got)
	}
}

func TestTrieFilters(t *testing.T) {
	trie := NewTrie()
	trie.Insert(&Subscription{ClientID: "c1", Filter: "a/b"})
	trie.Insert(&Subscription{ClientID: "c1", Filter: "x/#"})
	trie.Insert(&Subscription{ClientID: "c2", Filter: "a/b"})

	filters := trie.Filters("c1")
	sort.Strings(filters)
	if len(filters) != 2 || filters[0] != "a/b" || filters[1] != "x/#" {
		t.Errorf("Filters = %v", filters)
	}
}

func TestTrieDollarTopics(t *testing.T) {
	trie := NewTrie()
	trie.Insert(&Subscription{ClientID: "wild", Filter: "#"})
	trie.Insert(&Subscription{ClientID: "sys", Filter: "$SYS/#"})

	got := clientsOf(trie.Match("$SYS/broker/uptime"))
	if len(got) != 1 || got[0] != "sys" {
		t.Errorf("Match($SYS topic) = %v, want [sys]", got)
	}

	got = clientsOf(trie.Match("normal/topic"))
	if len(got) != 1 || got[0] != "wild" {
		t.Errorf("Match(normal topic) = %v, want [wild]", got)
	}
}

// The trie and the linear predicate must agree on wildcard semantics,
// since retained scans use Match while routing uses the trie.
func TestTrieAgreesWithMatch(t *testing.T) {
	filters := []string{"a/b/c", "a/+/c", "a/#", "+/b/+", "#", "$SYS/#", "+/+"}
	topicNames := []string{"a/b/c", "a/x/c", "a/b", "b/b/b", "$SYS/uptime", "a", "a/b/c/d"}

	trie := NewTrie()
	for i, f := range filters {
		trie.Insert(&Subscription{ClientID: string(rune('a' + i)), Filter: f})
	}

	for _, topic := range topicNames {
		matched := make(map[string]bool)
		for _, sub := range trie.Match(topic) {
			matched[sub.Filter] = true
		}
		for _, f := range filters {
			if Match(f, topic) != matched[f] {
				t.Errorf("trie and Match disagree on (%q, %q): predicate=%t trie=%t",
					f, topic, Match(f, topic), matched[f])
			}
		}
	}
}
