package quicklook

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// AcquisitionState is the controller's state machine value.
type AcquisitionState int

// The three acquisition states. Failed is reachable only from Running, when
// the event source breaks; Stopped is reachable from anywhere via Stop().
const (
	Stopped AcquisitionState = iota
	Running
	Failed
)

func (s AcquisitionState) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Failed:
		return "error"
	}
	return fmt.Sprintf("AcquisitionState(%d)", int(s))
}

// ErrSourceRunning is returned by Configure-type operations that are only
// legal while acquisition is stopped.
var ErrSourceRunning = errors.New("acquisition is running; stop it first")

// AcquisitionConfig is the operator-tunable aggregation configuration. It
// may only change while acquisition is stopped; a change takes effect on the
// next Start.
type AcquisitionConfig struct {
	WindowS int
	Nchan   int
}

func (c AcquisitionConfig) validate() error {
	if c.WindowS < MinWindowSeconds || c.WindowS > MaxWindowSeconds {
		return fmt.Errorf("window_s %d outside [%d,%d]", c.WindowS, MinWindowSeconds, MaxWindowSeconds)
	}
	if c.Nchan < MinChannels || c.Nchan > MaxChannels {
		return fmt.Errorf("channels %d outside [%d,%d]", c.Nchan, MinChannels, MaxChannels)
	}
	return nil
}

// windowPollPeriod is how often the core loop checks for a window boundary
// even when no events arrive, so quiet channels still close zero-filled
// windows on schedule.
const windowPollPeriod = 200 * time.Millisecond

// eventClock estimates "now" in the event time base. Events observe the
// mapping from their source-monotonic microseconds to the wall clock;
// between events, now advances by elapsed wall time scaled by rate (the
// replay speed multiplier, 1 for live sources).
type eventClock struct {
	originUS   int64
	originWall time.Time
	rate       float64
}

func (c *eventClock) observe(tUS int64, wall time.Time) {
	c.originUS = tUS
	c.originWall = wall
}

func (c *eventClock) now(wall time.Time) int64 {
	elapsed := float64(wall.Sub(c.originWall).Microseconds())
	return c.originUS + int64(elapsed*c.rate)
}

// RunInfo summarizes one completed acquisition run, for run-provenance
// logging.
type RunInfo struct {
	ID         string
	Mode       string
	WindowS    int
	Nchan      int
	RecordFile string
	ReplayFile string
	Start      time.Time
	End        time.Time
	LastError  string
}

type eventResult struct {
	ev  Event
	err error
}

type activeRun struct {
	source    EventSource
	closeOnce sync.Once
}

// closeSource closes the run's source exactly once, even when Stop and the
// core loop race to do it.
func (r *activeRun) closeSource() {
	r.closeOnce.Do(func() { r.source.Close() })
}

// Acquisition owns the acquisition state machine and the single background
// ingestion loop. One instance is constructed by the composition root and
// injected into the control surface; there is no process-wide singleton.
type Acquisition struct {
	lock    sync.Mutex // guards state, lastErr, configs, run bookkeeping
	state   AcquisitionState
	lastErr string
	mode    SourceMode

	config       AcquisitionConfig
	liveConfig   LiveSourceConfig
	recordConfig RecordSourceConfig
	replayConfig ReplaySourceConfig

	publisher     *SnapshotPublisher
	clientUpdates chan<- ClientUpdate
	onRunEnd      func(RunInfo) // optional run-provenance hook

	run        *activeRun
	abort      chan struct{}
	runDone    sync.WaitGroup
	runID      string
	runStart   time.Time
	recordPath string
}

// NewAcquisition creates a stopped Acquisition with the given aggregation
// configuration.
func NewAcquisition(config AcquisitionConfig) (*Acquisition, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	a := &Acquisition{
		config:    config,
		publisher: NewSnapshotPublisher(config.WindowS),
	}
	a.publisher.SetStatus(a.statusLocked())
	return a, nil
}

// SetClientUpdates directs status/snapshot broadcasts to the given channel.
func (a *Acquisition) SetClientUpdates(updates chan<- ClientUpdate) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.clientUpdates = updates
}

// SetRunEndCallback registers a hook invoked (from the core loop or Stop)
// when a run finishes, with that run's provenance.
func (a *Acquisition) SetRunEndCallback(cb func(RunInfo)) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.onRunEnd = cb
}

// Publisher returns the snapshot/status hand-off cell for readers.
func (a *Acquisition) Publisher() *SnapshotPublisher {
	return a.publisher
}

// State returns the current state machine value.
func (a *Acquisition) State() AcquisitionState {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.state
}

// Config returns the current aggregation configuration.
func (a *Acquisition) Config() AcquisitionConfig {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.config
}

// Configure changes the aggregation configuration. Legal only while stopped
// (or failed); returns ErrSourceRunning otherwise, leaving the running
// configuration untouched.
func (a *Acquisition) Configure(config AcquisitionConfig) error {
	if err := config.validate(); err != nil {
		return err
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.state == Running {
		return ErrSourceRunning
	}
	a.config = config
	a.publisher.SetStatus(a.statusLocked())
	return nil
}

// ConfigureLiveSource sets the live feed address. Legal only while stopped.
func (a *Acquisition) ConfigureLiveSource(config LiveSourceConfig) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.state == Running {
		return ErrSourceRunning
	}
	a.liveConfig = config
	a.publisher.SetStatus(a.statusLocked())
	return nil
}

// ConfigureRecordSource sets the live feed address and capture base path.
// Legal only while stopped.
func (a *Acquisition) ConfigureRecordSource(config RecordSourceConfig) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.state == Running {
		return ErrSourceRunning
	}
	a.recordConfig = config
	a.publisher.SetStatus(a.statusLocked())
	return nil
}

// ConfigureReplaySource sets the capture path and speed multiplier. Legal
// only while stopped.
func (a *Acquisition) ConfigureReplaySource(config ReplaySourceConfig) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.state == Running {
		return ErrSourceRunning
	}
	a.replayConfig = config
	a.publisher.SetStatus(a.statusLocked())
	return nil
}

// Start constructs the event source for the given mode, opens it, and
// launches the ingestion loop. An Open failure is returned synchronously
// and leaves the state unchanged (acquisition never started, so it is not
// recorded in last_error). Starting from Failed clears last_error and
// retries. Rate history starts fresh on every Start: a prior run's source
// and time base are not guaranteed to match.
func (a *Acquisition) Start(mode SourceMode) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.state == Running {
		return fmt.Errorf("acquisition is already running")
	}

	var source EventSource
	clock := &eventClock{rate: 1.0}
	switch mode {
	case ModeLive:
		source = NewLiveSource(a.liveConfig)
	case ModeRecord:
		source = NewRecordSource(a.recordConfig)
	case ModeReplay:
		source = NewReplaySource(a.replayConfig)
		clock.rate = a.replayConfig.Speed
	default:
		return fmt.Errorf("unknown source mode %v", mode)
	}

	if err := source.Open(); err != nil {
		return err
	}

	a.state = Running
	a.lastErr = ""
	a.mode = mode
	a.run = &activeRun{source: source}
	a.abort = make(chan struct{})
	a.runID = ulid.Make().String()
	a.runStart = time.Now()
	a.recordPath = ""
	if rs, ok := source.(*RecordSource); ok {
		a.recordPath = rs.Filename()
	}

	accum := NewWindowAccumulator(a.config.WindowS, a.config.Nchan)
	clock.observe(time.Now().UnixMicro(), time.Now())
	accum.SeedStart(clock.originUS)
	a.publisher.Publish(EmptySnapshot(a.config.WindowS))
	a.publisher.SetStatus(a.statusLocked())
	a.sendUpdateLocked("STATUS", a.statusLocked())

	a.runDone.Add(1)
	go a.coreLoop(a.run, accum, clock, a.abort)
	return nil
}

// Stop halts acquisition. It is idempotent: stopping a stopped controller
// is a no-op, and stopping a failed one just returns it to Stopped
// (last_error persists until the next successful Start). Any in-progress
// window is discarded, never force-published.
func (a *Acquisition) Stop() error {
	a.lock.Lock()
	switch a.state {
	case Stopped:
		a.lock.Unlock()
		return nil
	case Failed:
		a.state = Stopped
		a.publisher.SetStatus(a.statusLocked())
		a.sendUpdateLocked("STATUS", a.statusLocked())
		a.lock.Unlock()
		return nil
	}
	abort := a.abort
	run := a.run
	a.lock.Unlock()

	closeIfOpen(abort)
	run.closeSource() // unblocks a Next stuck in a read or a paced sleep
	a.runDone.Wait()
	return nil
}

// coreLoop is the single producer: it drains decoded events from the source
// into the aggregator and polls for window boundaries on a timer so windows
// close on schedule even with no traffic. It exits on operator stop, clean
// end of input, or source failure.
func (a *Acquisition) coreLoop(run *activeRun, accum *WindowAccumulator, clock *eventClock, abort <-chan struct{}) {
	defer a.runDone.Done()

	events := make(chan eventResult, 64)
	go func() {
		defer close(events)
		for {
			ev, err := run.source.Next()
			select {
			case events <- eventResult{ev: ev, err: err}:
			case <-abort:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(windowPollPeriod)
	defer ticker.Stop()

	counter, _ := run.source.(interface{ DecodeFailures() int64 })

	for {
		select {
		case <-abort:
			run.closeSource()
			a.finishRun(Stopped, "")
			return

		case res, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if res.err != nil {
				run.closeSource()
				select {
				case <-abort:
					// The error was provoked by Stop closing the source.
					a.finishRun(Stopped, "")
				default:
					if errors.Is(res.err, io.EOF) {
						a.finishRun(Stopped, "")
					} else {
						a.finishRun(Failed, res.err.Error())
					}
				}
				return
			}
			clock.observe(res.ev.TimeUS, time.Now())
			if counter != nil {
				accum.ObserveDecodeFailures(counter.DecodeFailures())
			}
			// An event past the current boundary closes every window it
			// lies beyond before it is accepted, so it lands in the window
			// its own timestamp selects. Before the first event the origin
			// is a wall-clock guess in an unrelated time base, so only the
			// ticker may close windows then.
			if accum.EventSeen() {
				a.closeWindowsAt(accum, res.ev.TimeUS)
			}
			accum.Accept(res.ev)

		case <-ticker.C:
			if counter != nil {
				accum.ObserveDecodeFailures(counter.DecodeFailures())
			}
			a.closeReadyWindows(accum, clock)
		}
	}
}

// closeReadyWindows publishes every window whose boundary has passed. A long
// event gap can close several zero-filled windows at once; they are
// published in strictly increasing t_end_us order.
func (a *Acquisition) closeReadyWindows(accum *WindowAccumulator, clock *eventClock) {
	a.closeWindowsAt(accum, clock.now(time.Now()))
}

func (a *Acquisition) closeWindowsAt(accum *WindowAccumulator, nowUS int64) {
	for {
		snap := accum.MaybeClose(nowUS)
		if snap == nil {
			return
		}
		a.publisher.Publish(snap)
		a.sendUpdate("SNAPSHOT", snap)
	}
}

// finishRun records the end of a run: state transition, status broadcast,
// and the run-provenance callback.
func (a *Acquisition) finishRun(state AcquisitionState, errmsg string) {
	a.lock.Lock()
	a.state = state
	a.lastErr = errmsg
	info := RunInfo{
		ID:         a.runID,
		Mode:       a.mode.String(),
		WindowS:    a.config.WindowS,
		Nchan:      a.config.Nchan,
		RecordFile: a.recordPath,
		Start:      a.runStart,
		End:        time.Now(),
		LastError:  errmsg,
	}
	if a.mode == ModeReplay {
		info.ReplayFile = a.replayConfig.Path
	}
	cb := a.onRunEnd
	a.publisher.SetStatus(a.statusLocked())
	a.sendUpdateLocked("STATUS", a.statusLocked())
	a.lock.Unlock()

	if errmsg != "" {
		ProblemLogger.Printf("acquisition run %s ended with error: %s", info.ID, errmsg)
	}
	if cb != nil {
		cb(info)
	}
}

// statusLocked builds the externally visible status. Caller holds a.lock.
func (a *Acquisition) statusLocked() AcquisitionStatus {
	return AcquisitionStatus{
		Running:     a.state == Running,
		Connected:   a.state == Running,
		Mode:        a.mode.String(),
		LastError:   a.lastErr,
		WindowS:     a.config.WindowS,
		Nchan:       a.config.Nchan,
		RecordPath:  a.recordPath,
		ReplayPath:  a.replayConfig.Path,
		ReplaySpeed: a.replayConfig.Speed,
	}
}

// sendUpdate broadcasts a client update without blocking the core loop.
func (a *Acquisition) sendUpdate(tag string, state interface{}) {
	a.lock.Lock()
	a.sendUpdateLocked(tag, state)
	a.lock.Unlock()
}

func (a *Acquisition) sendUpdateLocked(tag string, state interface{}) {
	if a.clientUpdates == nil {
		return
	}
	select {
	case a.clientUpdates <- ClientUpdate{tag: tag, state: state}:
	default:
	}
}
