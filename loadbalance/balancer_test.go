package loadbalance

import (
	"fmt"
	"testing"

	"vpp-ping/discovery"
)

var testEndpoints = []discovery.Endpoint{
	{Network: "tcp", Addr: ":8001", Weight: 10, Version: "24.02"},
	{Network: "tcp", Addr: ":8002", Weight: 5, Version: "24.02"},
	{Network: "tcp", Addr: ":8003", Weight: 10, Version: "24.02"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Pick 3 times, should cycle through all endpoints
	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		ep, err := b.Pick(testEndpoints, "")
		if err != nil {
			t.Fatal(err)
		}
		results[i] = ep.Addr
	}
	if results[0] != ":8001" || results[1] != ":8002" || results[2] != ":8003" {
		t.Fatalf("expect endpoints in order, got %v", results)
	}

	// Pick again, should wrap around to first
	ep, _ := b.Pick(testEndpoints, "")
	if ep.Addr != results[0] {
		t.Fatalf("expect wrap around to %s, got %s", results[0], ep.Addr)
	}
}

func TestEmpty(t *testing.T) {
	for _, name := range []string{"roundrobin", "weighted", "hash"} {
		b, err := New(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := b.Pick(nil, "key"); err == nil {
			t.Fatalf("%s: expect error for empty endpoints", b.Name())
		}
	}
}

func TestNewUnknown(t *testing.T) {
	if _, err := New("fastest"); err == nil {
		t.Fatal("expect error for unknown balancer")
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		ep, err := b.Pick(testEndpoints, "")
		if err != nil {
			t.Fatal(err)
		}
		counts[ep.Addr]++
	}

	// Weight ratio is 10:5:10, so :8001 and :8003 should be ~2x of :8002
	ratio := float64(counts[":8001"]) / float64(counts[":8002"])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio :8001/:8002 = %.2f, expect ~2.0", ratio)
	}
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	ep, err := b.Pick([]discovery.Endpoint{{Addr: "a"}, {Addr: "b"}}, "")
	if err != nil || ep == nil {
		t.Fatalf("expect a pick with zero weights, got %v, %v", ep, err)
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()

	// Same key should always map to the same endpoint
	ep1, _ := b.Pick(testEndpoints, "probe-a")
	ep2, _ := b.Pick(testEndpoints, "probe-a")
	if ep1.Addr != ep2.Addr {
		t.Fatalf("same key mapped to different endpoints: %s vs %s", ep1.Addr, ep2.Addr)
	}

	// Different keys should (likely) map to different endpoints
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		ep, _ := b.Pick(testEndpoints, fmt.Sprintf("key-%d", i))
		seen[ep.Addr] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expect at least 2 different endpoints, got %d", len(seen))
	}
}

func TestConsistentHashRebuild(t *testing.T) {
	b := NewConsistentHashBalancer()
	ep, _ := b.Pick(testEndpoints, "probe-a")

	// Removing an endpoint the key does not live on keeps the key in place
	var rest []discovery.Endpoint
	for _, e := range testEndpoints {
		if e.Addr != ep.Addr {
			rest = append(rest, e)
		}
	}
	moved, _ := b.Pick(rest, "probe-a")
	if moved.Addr == ep.Addr {
		t.Fatalf("key still mapped to removed endpoint %s", ep.Addr)
	}

	other := rest[0]
	if other.Addr == moved.Addr {
		other = rest[1]
	}
	var kept []discovery.Endpoint
	for _, e := range testEndpoints {
		if e.Addr != other.Addr {
			kept = append(kept, e)
		}
	}
	again, _ := b.Pick(kept, "probe-a")
	if again.Addr != ep.Addr {
		t.Fatalf("removing %s moved key from %s to %s", other.Addr, ep.Addr, again.Addr)
	}
}
