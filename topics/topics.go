// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

// Package topics implements MQTT topic-filter matching: filter validation,
// the filter/topic predicate used for retained-message scans, and the
// subscription trie used for publish routing.
package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Validation errors.
var (
	ErrInvalidTopicName = errors.New("invalid topic name: contains wildcards or illegal characters")
	ErrInvalidFilter    = errors.New("invalid topic filter")
)

// ValidateTopicName checks that a topic name is valid for PUBLISH
// (non-empty, valid UTF-8, no wildcards, no null characters).
func ValidateTopicName(topic string) error {
	if topic == "" || len(topic) > 65535 {
		return ErrInvalidTopicName
	}
	if strings.ContainsAny(topic, "+#") {
		return ErrInvalidTopicName
	}
	if !utf8.ValidString(topic) || strings.ContainsRune(topic, 0) {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateFilter checks that a subscription filter is well-formed: '+' must
// occupy a whole level, '#' must occupy the whole final level.
func ValidateFilter(filter string) error {
	if filter == "" || len(filter) > 65535 {
		return ErrInvalidFilter
	}
	if !utf8.ValidString(filter) || strings.ContainsRune(filter, 0) {
		return ErrInvalidFilter
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") {
			if level != "#" || i != len(levels)-1 {
				return ErrInvalidFilter
			}
		}
		if strings.Contains(level, "+") && level != "+" {
			return ErrInvalidFilter
		}
	}
	return nil
}

// Match reports whether the topic matches the filter according to MQTT
// wildcard rules. Topics starting with '$' are only matched by filters that
// name the '$' level explicitly.
func Match(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if filter == topic {
		return true
	}

	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")

	if strings.HasPrefix(topic, "$") {
		if filterLevels[0] == "+" || filterLevels[0] == "#" {
			return false
		}
	}

	for i, fLevel := range filterLevels {
		if fLevel == "#" {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if fLevel == "+" {
			continue
		}
		if fLevel != topicLevels[i] {
			return false
		}
	}

	return len(filterLevels) == len(topicLevels)
}
