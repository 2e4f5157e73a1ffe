package quicklook

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"time"
)

// ReplaySourceConfig holds the arguments needed to configure a ReplaySource by RPC.
type ReplaySourceConfig struct {
	Path  string
	Speed float64 // time-compression factor; 1.0 replays at recorded pace
}

// ReplaySource reads a recorded capture file and paces delivery so that the
// gap between successive events approximates the original capture's pacing,
// scaled by the speed multiplier. End of file yields io.EOF, which the
// controller treats as a clean stop.
type ReplaySource struct {
	path  string
	speed float64

	file           *os.File
	scanner        *bufio.Scanner
	lastTimeUS     int64
	havePrev       bool
	abort          chan struct{}
	decodeFailures int64
}

// NewReplaySource creates a ReplaySource for the given capture file.
func NewReplaySource(config ReplaySourceConfig) *ReplaySource {
	return &ReplaySource{path: config.Path, speed: config.Speed}
}

// Open opens the capture file.
func (rp *ReplaySource) Open() error {
	if rp.speed <= 0 {
		return fmt.Errorf("replay speed must be positive, have %g", rp.speed)
	}
	file, err := os.Open(rp.path)
	if err != nil {
		return fmt.Errorf("could not open capture file: %w", err)
	}
	rp.file = file
	rp.scanner = bufio.NewScanner(file)
	rp.scanner.Buffer(make([]byte, 0, 16384), 1024*1024)
	rp.abort = make(chan struct{})
	rp.havePrev = false
	return nil
}

// Next returns the next recorded event, sleeping first to reproduce the
// recorded inter-event gap (divided by the speed multiplier). The sleep is
// interruptible by Close.
func (rp *ReplaySource) Next() (Event, error) {
	for {
		if !rp.scanner.Scan() {
			if err := rp.scanner.Err(); err != nil {
				return Event{}, fmt.Errorf("error reading capture file: %w", err)
			}
			return Event{}, io.EOF
		}
		line := rp.scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		ev, err := DecodeEvent(line)
		if err != nil {
			rp.decodeFailures++
			if rp.decodeFailures <= 5 || rp.decodeFailures%1000 == 0 {
				ProblemLogger.Printf("dropping undecodable capture record (%d so far): %v", rp.decodeFailures, err)
			}
			continue
		}
		if rp.havePrev {
			if delta := ev.TimeUS - rp.lastTimeUS; delta > 0 {
				wait := time.Duration(float64(delta) / rp.speed * float64(time.Microsecond))
				select {
				case <-time.After(wait):
				case <-rp.abort:
					return Event{}, io.EOF
				}
			}
		}
		rp.havePrev = true
		rp.lastTimeUS = ev.TimeUS
		return ev, nil
	}
}

// Close releases the capture file and interrupts any in-progress paced sleep.
func (rp *ReplaySource) Close() error {
	if rp.abort != nil {
		closeIfOpen(rp.abort)
	}
	if rp.file == nil {
		return nil
	}
	err := rp.file.Close()
	rp.file = nil
	return err
}

// Speed returns the configured speed multiplier.
func (rp *ReplaySource) Speed() float64 {
	return rp.speed
}

// DecodeFailures returns how many undecodable lines this source has dropped.
func (rp *ReplaySource) DecodeFailures() int64 {
	return rp.decodeFailures
}
