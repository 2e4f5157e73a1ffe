package quicklook

import "sync"

// AcquisitionStatus is the externally visible state of the acquisition
// engine, shaped for the monitoring clients.
type AcquisitionStatus struct {
	Running     bool    `json:"running"`
	Connected   bool    `json:"connected"`
	Mode        string  `json:"mode"`
	LastError   string  `json:"last_error"`
	WindowS     int     `json:"window_s"`
	Nchan       int     `json:"channels"`
	RecordPath  string  `json:"record_path"`
	ReplayPath  string  `json:"replay_path"`
	ReplaySpeed float64 `json:"replay_speed"`
}

// SnapshotPublisher is the hand-off cell between the single acquisition core
// loop (writer) and any number of concurrent readers. The lock is held only
// for the pointer assignment or copy, never across aggregation work, so
// readers never block the producer and the producer never blocks on readers.
// Snapshots are immutable, so returning the shared pointer is safe.
type SnapshotPublisher struct {
	lock     sync.Mutex
	snapshot *Snapshot
	status   AcquisitionStatus
}

// NewSnapshotPublisher creates a publisher whose Latest() yields an empty
// "no data yet" snapshot until the first window closes.
func NewSnapshotPublisher(windowS int) *SnapshotPublisher {
	return &SnapshotPublisher{snapshot: EmptySnapshot(windowS)}
}

// Publish installs snap as the latest snapshot. Called only by the core loop.
func (p *SnapshotPublisher) Publish(snap *Snapshot) {
	p.lock.Lock()
	p.snapshot = snap
	p.lock.Unlock()
}

// Latest returns the most recently published Snapshot. Readers see either
// the previous or the new snapshot, never a mix.
func (p *SnapshotPublisher) Latest() *Snapshot {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.snapshot
}

// SetStatus replaces the published status.
func (p *SnapshotPublisher) SetStatus(status AcquisitionStatus) {
	p.lock.Lock()
	p.status = status
	p.lock.Unlock()
}

// Status returns a copy of the current status.
func (p *SnapshotPublisher) Status() AcquisitionStatus {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.status
}
