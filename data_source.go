package quicklook

import (
	"errors"
	"fmt"
	"strings"
)

// EventSource is the interface for the three event suppliers: the live
// socket, the live socket with a recording tee, and capture replay. The
// acquisition controller never inspects which variant is active.
//
// Next is a blocking pull returning one decoded event per call. It returns
// io.EOF at a clean end of input (replay file exhausted, or the source was
// closed under it) and ErrConnectionLost (possibly wrapped) when the feed
// fails. Close must unblock a concurrent Next within a bounded time.
type EventSource interface {
	Open() error
	Next() (Event, error)
	Close() error
}

// ErrConnectionLost indicates the live feed dropped. It is fatal to the
// current run and surfaces in the acquisition status as last_error.
var ErrConnectionLost = errors.New("event source connection lost")

// SourceMode selects which EventSource variant a run uses.
type SourceMode int

// The three event source variants.
const (
	ModeLive SourceMode = iota
	ModeRecord
	ModeReplay
)

func (m SourceMode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModeRecord:
		return "record"
	case ModeReplay:
		return "replay"
	}
	return fmt.Sprintf("SourceMode(%d)", int(m))
}

// ParseSourceMode converts a source name from the control interface into a
// SourceMode. Matching is case-insensitive.
func ParseSourceMode(name string) (SourceMode, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "LIVE":
		return ModeLive, nil
	case "RECORD":
		return ModeRecord, nil
	case "REPLAY":
		return ModeReplay, nil
	}
	return ModeLive, fmt.Errorf("event source %q is not recognized (want LIVE, RECORD, or REPLAY)", name)
}

func closeIfOpen(c chan struct{}) {
	select {
	case <-c:
	default:
		close(c)
	}
}
