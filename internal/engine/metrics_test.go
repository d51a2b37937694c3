package engine

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

type staticProvider struct {
	engines []*Engine
}

func (p staticProvider) Engines() []*Engine { return p.engines }

func TestCollectorExportsCounters(t *testing.T) {
	w := newWorld(t, 2, 64, nil)

	worker := w.facades[0].Worker()
	for off := uint32(0); off < 8; off++ {
		if got := Get[float64](worker, 1, off); got != float64(off) {
			t.Fatalf("Get: %v", got)
		}
	}
	w.fenceAll()

	engines := []*Engine{w.facades[0].Engine(), w.facades[1].Engine()}
	c := NewCollector(staticProvider{engines: engines}, testLogger())

	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	produced := -1.0
	for _, mf := range families {
		if mf.GetName() != "pgas_engine_requests_produced_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			var rank, peer string
			for _, l := range m.GetLabel() {
				switch l.GetName() {
				case "rank":
					rank = l.GetValue()
				case "peer":
					peer = l.GetValue()
				}
			}
			if rank == "0" && peer == "1" {
				produced = m.GetCounter().GetValue()
			}
		}
	}
	if produced != 8 {
		t.Fatalf("rank 0 peer 1 produced counter: got %v, want 8", produced)
	}

	if len(families) < 10 {
		t.Fatalf("expected the full counter family set, got %d families", len(families))
	}
}
