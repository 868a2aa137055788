package pool

import (
	"testing"

	"github.com/drsoft-oss/multisocks/internal/descriptor"
)

func mkDescs(n int, weight int) []*descriptor.Descriptor {
	out := make([]*descriptor.Descriptor, n)
	for i := range out {
		out[i] = descriptor.New(descriptor.Key{
			Protocol: descriptor.SOCKS5,
			Host:     "host",
			Port:     1000 + i,
			Weight:   weight,
		})
	}
	return out
}

func TestNew_RequiresAtLeastOne(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error constructing pool with no descriptors")
	}
}

func TestActiveSubsetOfAll(t *testing.T) {
	all := mkDescs(5, 1)
	p, err := New(all)
	if err != nil {
		t.Fatal(err)
	}
	p.SetActive(all[:2])
	active := p.Active()
	if len(active) != 2 {
		t.Fatalf("active len = %d, want 2", len(active))
	}
	allSet := map[*descriptor.Descriptor]bool{}
	for _, d := range p.All() {
		allSet[d] = true
	}
	for _, d := range active {
		if !allSet[d] {
			t.Fatal("active descriptor not present in all")
		}
	}
}

func TestSelect_Tier1AliveActive(t *testing.T) {
	all := mkDescs(2, 1)
	p, _ := New(all)
	d, err := p.Select("dest", 80)
	if err != nil {
		t.Fatal(err)
	}
	if d == nil {
		t.Fatal("expected a descriptor")
	}
}

func TestSelect_FallbackTiers(t *testing.T) {
	all := mkDescs(3, 1)
	p, _ := New(all)

	// Kill every descriptor's liveness via 3 failures each so tier 1 (active
	// alive) and tier 2 (all alive) are both empty; tier 3 (any active) must
	// then be used.
	for _, d := range all {
		d.MarkFailed()
		d.MarkFailed()
		d.MarkFailed()
	}

	warned := false
	p.Warn = func(string) { warned = true }

	d, err := p.Select("dest", 80)
	if err != nil {
		t.Fatalf("expected a fallback selection, got error: %v", err)
	}
	if d == nil {
		t.Fatal("expected a descriptor from tier 3 fallback")
	}
	if !warned {
		t.Error("expected a warning to be emitted on fallback")
	}
}

func TestSelect_NoProxiesAtAll(t *testing.T) {
	p := &Pool{}
	if _, err := p.Select("dest", 80); err != ErrNoProxies {
		t.Fatalf("err = %v, want ErrNoProxies", err)
	}
}

func TestSelect_WeightedDistribution(t *testing.T) {
	a := descriptor.New(descriptor.Key{Protocol: descriptor.SOCKS5, Host: "a", Port: 1, Weight: 1})
	b := descriptor.New(descriptor.Key{Protocol: descriptor.SOCKS5, Host: "b", Port: 2, Weight: 3})
	p, _ := New([]*descriptor.Descriptor{a, b})

	counts := map[*descriptor.Descriptor]int{}
	const trials = 20000
	for i := 0; i < trials; i++ {
		d, err := p.Select("x", 1)
		if err != nil {
			t.Fatal(err)
		}
		counts[d]++
	}

	fracA := float64(counts[a]) / trials
	fracB := float64(counts[b]) / trials
	if fracA < 0.20 || fracA > 0.30 {
		t.Errorf("fracA = %v, want close to 0.25", fracA)
	}
	if fracB < 0.70 || fracB > 0.80 {
		t.Errorf("fracB = %v, want close to 0.75", fracB)
	}
}

func TestSelect_ZeroWeightRoundRobin(t *testing.T) {
	all := mkDescs(3, 0)
	// descriptor.New raises a non-positive weight to 1, so zero the weights
	// afterwards to reach the all-zero round-robin path.
	for _, d := range all {
		d.Weight = 0
	}
	p, _ := New(all)

	seen := make([]*descriptor.Descriptor, 0, 6)
	for i := 0; i < 6; i++ {
		d, err := p.Select("x", 1)
		if err != nil {
			t.Fatal(err)
		}
		seen = append(seen, d)
	}
	for i := 0; i < 3; i++ {
		if seen[i] != seen[i+3] {
			t.Fatalf("expected round-robin cycle to repeat every %d selections", 3)
		}
	}
}

func TestRecordSuccessAndFailure(t *testing.T) {
	d := descriptor.New(descriptor.Key{Protocol: descriptor.SOCKS5, Host: "h", Port: 1})
	p, _ := New([]*descriptor.Descriptor{d})

	d.MarkFailed()
	d.MarkFailed()
	d.MarkFailed()
	if d.Alive() {
		t.Fatal("expected dead after 3 failures")
	}

	p.RecordSuccess(d, 0.2)
	if !d.Alive() || d.FailCount() != 0 {
		t.Fatal("expected RecordSuccess to revive the descriptor")
	}
	if d.Latency() != 0.2 {
		t.Fatalf("latency = %v, want 0.2", d.Latency())
	}

	p.RecordFailure(d)
	if d.FailCount() != 1 {
		t.Fatalf("fail count = %d, want 1", d.FailCount())
	}
}
