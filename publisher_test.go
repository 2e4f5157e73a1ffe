package quicklook

import (
	"sync"
	"testing"
)

func TestPublisherHandsOffLatest(t *testing.T) {
	p := NewSnapshotPublisher(10)
	first := p.Latest()
	if first == nil || len(first.Notes) != 1 || first.Notes[0] != "no data yet" {
		t.Fatalf("fresh publisher Latest() = %+v, want the empty snapshot", first)
	}

	snap := &Snapshot{WindowSeconds: 10, TStartUS: 0, TEndUS: 10_000_000}
	p.Publish(snap)
	if p.Latest() != snap {
		t.Error("Latest did not return the published snapshot")
	}
	// The superseded snapshot is still intact for readers holding it.
	if first.Notes[0] != "no data yet" {
		t.Error("old snapshot mutated by Publish")
	}
}

func TestPublisherStatus(t *testing.T) {
	p := NewSnapshotPublisher(10)
	p.SetStatus(AcquisitionStatus{Running: true, Mode: "live", WindowS: 10, Nchan: 4})
	status := p.Status()
	if !status.Running || status.Mode != "live" {
		t.Errorf("Status = %+v, want running live", status)
	}
}

func TestPublisherConcurrentReaders(t *testing.T) {
	p := NewSnapshotPublisher(10)
	done := make(chan struct{})
	var wg sync.WaitGroup

	// One writer publishing a stream of snapshots...
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(0); i < 1000; i++ {
			p.Publish(&Snapshot{WindowSeconds: 10, TEndUS: (i + 1) * 10_000_000})
			p.SetStatus(AcquisitionStatus{Running: true, WindowS: 10})
		}
		close(done)
	}()

	// ...and several readers that must always see a complete snapshot with
	// monotonically nondecreasing end times.
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var lastEnd int64 = -1
			for {
				snap := p.Latest()
				if snap == nil {
					t.Error("Latest returned nil")
					return
				}
				if snap.TEndUS < lastEnd {
					t.Errorf("snapshot went backward: %d after %d", snap.TEndUS, lastEnd)
					return
				}
				lastEnd = snap.TEndUS
				p.Status()
				select {
				case <-done:
					return
				default:
				}
			}
		}()
	}
	wg.Wait()
}
