// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"testing"
)

func tcpAddr(host string) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(host), Port: 50000}
}

func TestConnLimiterAllowsWithinBurst(t *testing.T) {
	l := NewConnLimiter(1, 3)
	defer l.Close()

	for i := 0; i < 3; i++ {
		if !l.Allow(tcpAddr("10.0.0.1")) {
			t.Fatalf("attempt %d rejected within burst", i)
		}
	}
	if l.Allow(tcpAddr("10.0.0.1")) {
		t.Error("attempt beyond burst was allowed")
	}
}

func TestConnLimiterIsolatesIPs(t *testing.T) {
	l := NewConnLimiter(1, 1)
	defer l.Close()

	if !l.Allow(tcpAddr("10.0.0.1")) {
		t.Fatal("first IP rejected")
	}
	if l.Allow(tcpAddr("10.0.0.1")) {
		t.Error("second attempt from same IP allowed")
	}
	if !l.Allow(tcpAddr("10.0.0.2")) {
		t.Error("other IP throttled by first IP's bucket")
	}
}

func TestConnLimiterNilAddr(t *testing.T) {
	l := NewConnLimiter(1, 1)
	defer l.Close()

	if !l.Allow(nil) {
		t.Error("nil addr should always be allowed")
	}
}

func TestClientLimiterPublish(t *testing.T) {
	l := NewClientLimiter(10, 2)

	if !l.AllowPublish("c1") || !l.AllowPublish("c1") {
		t.Fatal("publishes within burst rejected")
	}
	if l.AllowPublish("c1") {
		t.Error("publish beyond burst allowed")
	}
	if !l.AllowPublish("c2") {
		t.Error("other client throttled by first client's bucket")
	}
}

func TestClientLimiterForget(t *testing.T) {
	l := NewClientLimiter(10, 1)

	if !l.AllowPublish("c1") {
		t.Fatal("first publish rejected")
	}
	if l.AllowPublish("c1") {
		t.Fatal("second publish allowed")
	}

	// Reconnecting after Forget starts a fresh bucket.
	l.Forget("c1")
	if !l.AllowPublish("c1") {
		t.Error("publish after Forget rejected")
	}
}
