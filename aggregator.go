package quicklook

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// HistogramBins is the number of buckets per ADC spectrum. Each bucket covers
// adcBucketWidth raw values, so 64 buckets span the 12-bit domain [0,4095].
const (
	HistogramBins  = 64
	adcBucketWidth = 64
)

// rateHistoryLength bounds the trailing per-window rate trail carried in
// each Snapshot.
const rateHistoryLength = 60

const microsecondsPerSecond = 1_000_000

// HistogramSet holds the per-channel 64-bucket spectra for the three ADC
// streams of one window.
type HistogramSet struct {
	AdcX    map[int][]int64 `json:"adc_x"`
	AdcGtop map[int][]int64 `json:"adc_gtop"`
	AdcGbot map[int][]int64 `json:"adc_gbot"`
}

// Snapshot is the immutable aggregate of one closed window. It is created
// atomically when the window closes and never mutated afterward; readers may
// hold it for as long as they like.
type Snapshot struct {
	WindowSeconds     int           `json:"window_s"`
	TStartUS          int64         `json:"t_start_us"`
	TEndUS            int64         `json:"t_end_us"`
	Channels          []int         `json:"channels"`
	CountsByChannel   map[int]int64 `json:"counts_by_channel"`
	Histograms        HistogramSet  `json:"histograms"`
	Ratemap           [8][8]float64 `json:"ratemap_8x8"`
	RateHistory       [][]float64   `json:"rate_history"`
	RateHistoryTEndUS []int64       `json:"rate_history_t_end_us"`
	TotalRateHz       float64       `json:"total_rate_hz"`
	MeanRateHz        float64       `json:"mean_rate_hz"`
	Notes             []string      `json:"notes"`
}

// EmptySnapshot is what readers see before the first window has closed.
func EmptySnapshot(windowS int) *Snapshot {
	return &Snapshot{
		WindowSeconds:   windowS,
		Channels:        []int{},
		CountsByChannel: map[int]int64{},
		Histograms: HistogramSet{
			AdcX:    map[int][]int64{},
			AdcGtop: map[int][]int64{},
			AdcGbot: map[int][]int64{},
		},
		RateHistory:       [][]float64{},
		RateHistoryTEndUS: []int64{},
		Notes:             []string{"no data yet"},
	}
}

// AdcBucket converts a raw ADC value to its histogram bucket, clamping
// out-of-range producers into [0, HistogramBins-1].
func AdcBucket(adc int) int {
	b := adc / adcBucketWidth
	if b < 0 {
		return 0
	}
	if b >= HistogramBins {
		return HistogramBins - 1
	}
	return b
}

type rateHistoryEntry struct {
	tEndUS int64
	rates  []float64
}

// WindowAccumulator builds one fixed-duration aggregation window at a time.
// It is not safe for concurrent use: exactly one producer (the acquisition
// core loop) feeds it, and finished windows leave as immutable Snapshots.
type WindowAccumulator struct {
	windowS    int
	nchan      int
	historyLen int

	seeded   bool // tStartUS holds a valid window origin
	sawEvent bool // at least one event has ever reached Accept

	tStartUS       int64
	counts         []int64
	histX          [][]int64
	histGtop       [][]int64
	histGbot       [][]int64
	invalidChannel int64 // events discarded this window for channel >= nchan

	decodeFailures         int64 // source's cumulative undecodable-record count
	reportedDecodeFailures int64 // portion already surfaced in a snapshot

	windowsClosed int
	pendingNotes  []string // diagnostics for the next snapshot to carry

	history []rateHistoryEntry
}

// NewWindowAccumulator creates an accumulator for nchan channels and windows
// of windowS seconds. The first window's origin is seeded by the first event
// to arrive, or by SeedStart.
func NewWindowAccumulator(windowS, nchan int) *WindowAccumulator {
	w := &WindowAccumulator{
		windowS:    windowS,
		nchan:      nchan,
		historyLen: rateHistoryLength,
		counts:     make([]int64, nchan),
		histX:      make([][]int64, nchan),
		histGtop:   make([][]int64, nchan),
		histGbot:   make([][]int64, nchan),
	}
	for i := 0; i < nchan; i++ {
		w.histX[i] = make([]int64, HistogramBins)
		w.histGtop[i] = make([]int64, HistogramBins)
		w.histGbot[i] = make([]int64, HistogramBins)
	}
	return w
}

// Seeded reports whether the current window has an origin yet.
func (w *WindowAccumulator) Seeded() bool {
	return w.seeded
}

// EventSeen reports whether any event has ever reached Accept, meaning the
// window origin is in the source's own time base rather than a wall-clock
// guess.
func (w *WindowAccumulator) EventSeen() bool {
	return w.sawEvent
}

// ObserveDecodeFailures records the source's cumulative undecodable-record
// count; any growth since the last closed window is surfaced in the next
// snapshot's notes.
func (w *WindowAccumulator) ObserveDecodeFailures(total int64) {
	if total > w.decodeFailures {
		w.decodeFailures = total
	}
}

// SeedStart sets the current window origin, used when the source emits
// nothing for a full window so that zero-filled windows still close on
// schedule. A later first event re-seeds the origin to its own time base.
func (w *WindowAccumulator) SeedStart(tUS int64) {
	w.tStartUS = tUS
	w.seeded = true
}

// Accept folds one event into the current window. Events flagged no_data are
// excluded from all aggregates; events on channels at or beyond the
// configured count are discarded and counted as invalid.
func (w *WindowAccumulator) Accept(ev Event) {
	if !w.sawEvent {
		// The wall-clock seed (if any) is in an unrelated time base;
		// the first real event establishes the true origin.
		w.sawEvent = true
		if w.windowsClosed > 0 {
			// Wall-seeded zero windows were already published; their
			// t_end_us values are not comparable with what follows.
			w.pendingNotes = append(w.pendingNotes, "time origin reset by first event")
		}
		w.tStartUS = ev.TimeUS
		w.seeded = true
	}
	if ev.Flags.NoData {
		return
	}
	if ev.Channel < 0 || ev.Channel >= w.nchan {
		w.invalidChannel++
		return
	}
	w.counts[ev.Channel]++
	w.histX[ev.Channel][AdcBucket(ev.AdcX)]++
	w.histGtop[ev.Channel][AdcBucket(ev.AdcGtop)]++
	w.histGbot[ev.Channel][AdcBucket(ev.AdcGbot)]++
}

// MaybeClose finalizes the current window if nowUS has reached its end
// boundary, returning the resulting Snapshot, or nil if the window is still
// open. The next window starts exactly at the closed window's end boundary,
// never at nowUS, so successive windows tile the time axis without gaps.
func (w *WindowAccumulator) MaybeClose(nowUS int64) *Snapshot {
	if !w.seeded {
		return nil
	}
	windowUS := int64(w.windowS) * microsecondsPerSecond
	if nowUS-w.tStartUS < windowUS {
		return nil
	}
	tEndUS := w.tStartUS + windowUS
	snap := w.finalize(tEndUS)

	// Reset for the next window, which begins at the boundary just closed.
	w.tStartUS = tEndUS
	for i := 0; i < w.nchan; i++ {
		w.counts[i] = 0
		clearInt64(w.histX[i])
		clearInt64(w.histGtop[i])
		clearInt64(w.histGbot[i])
	}
	w.invalidChannel = 0
	w.windowsClosed++
	return snap
}

func clearInt64(s []int64) {
	for i := range s {
		s[i] = 0
	}
}

// finalize builds the immutable Snapshot for the window ending at tEndUS and
// appends this window's per-channel rates to the bounded history trail.
func (w *WindowAccumulator) finalize(tEndUS int64) *Snapshot {
	snap := &Snapshot{
		WindowSeconds:   w.windowS,
		TStartUS:        w.tStartUS,
		TEndUS:          tEndUS,
		Channels:        make([]int, w.nchan),
		CountsByChannel: make(map[int]int64, w.nchan),
		Histograms: HistogramSet{
			AdcX:    make(map[int][]int64, w.nchan),
			AdcGtop: make(map[int][]int64, w.nchan),
			AdcGbot: make(map[int][]int64, w.nchan),
		},
		Notes: []string{},
	}

	rates := make([]float64, w.nchan)
	for ch := 0; ch < w.nchan; ch++ {
		snap.Channels[ch] = ch
		snap.CountsByChannel[ch] = w.counts[ch]
		snap.Histograms.AdcX[ch] = append([]int64(nil), w.histX[ch]...)
		snap.Histograms.AdcGtop[ch] = append([]int64(nil), w.histGtop[ch]...)
		snap.Histograms.AdcGbot[ch] = append([]int64(nil), w.histGbot[ch]...)
		rates[ch] = float64(w.counts[ch]) / float64(w.windowS)
		snap.Ratemap[ch/8][ch%8] = rates[ch]
	}
	snap.TotalRateHz = floats.Sum(rates)
	snap.MeanRateHz = stat.Mean(rates, nil)
	if len(w.pendingNotes) > 0 {
		snap.Notes = append(snap.Notes, w.pendingNotes...)
		w.pendingNotes = nil
	}
	if w.invalidChannel > 0 {
		snap.Notes = append(snap.Notes,
			fmt.Sprintf("%d events discarded for invalid channel", w.invalidChannel))
	}
	if w.decodeFailures > w.reportedDecodeFailures {
		snap.Notes = append(snap.Notes,
			fmt.Sprintf("%d undecodable records dropped", w.decodeFailures-w.reportedDecodeFailures))
		w.reportedDecodeFailures = w.decodeFailures
	}

	w.history = append(w.history, rateHistoryEntry{tEndUS: tEndUS, rates: rates})
	if excess := len(w.history) - w.historyLen; excess > 0 {
		w.history = w.history[excess:]
	}

	snap.RateHistory = make([][]float64, len(w.history))
	snap.RateHistoryTEndUS = make([]int64, len(w.history))
	for i, entry := range w.history {
		// History entries are never mutated after append, so sharing
		// the per-window rate slices with past snapshots is safe.
		snap.RateHistory[i] = entry.rates
		snap.RateHistoryTEndUS[i] = entry.tEndUS
	}
	return snap
}
