package quicklook

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/usnistgov/quicklook/internal/asyncbufio"
)

const dialTimeout = 5 * time.Second

// LiveSourceConfig holds the arguments needed to configure a LiveSource by RPC.
type LiveSourceConfig struct {
	Host string
	Port int
}

// LiveSource reads newline-delimited wire events from a TCP feed (the
// simulator or the hardware adapter). Next blocks until a complete line
// decodes or the connection drops; closing the socket unblocks it.
type LiveSource struct {
	addr           string
	conn           net.Conn
	scanner        *bufio.Scanner
	decodeFailures int64
}

// NewLiveSource creates a LiveSource for the given feed address.
func NewLiveSource(config LiveSourceConfig) *LiveSource {
	return &LiveSource{addr: net.JoinHostPort(config.Host, strconv.Itoa(config.Port))}
}

// Open dials the event feed.
func (ls *LiveSource) Open() error {
	conn, err := net.DialTimeout("tcp", ls.addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("could not connect to event feed %s: %w", ls.addr, err)
	}
	ls.conn = conn
	ls.scanner = bufio.NewScanner(conn)
	ls.scanner.Buffer(make([]byte, 0, 16384), 1024*1024)
	return nil
}

// Next returns the next decoded event from the feed.
func (ls *LiveSource) Next() (Event, error) {
	_, ev, err := ls.nextRecord()
	return ev, err
}

// nextRecord returns the next event along with its verbatim wire line, so
// the recording tee can capture bytes rather than re-encoding. The returned
// line aliases the scanner's buffer and is only valid until the next call.
func (ls *LiveSource) nextRecord() ([]byte, Event, error) {
	for {
		if !ls.scanner.Scan() {
			if err := ls.scanner.Err(); err != nil {
				return nil, Event{}, fmt.Errorf("%w: %v", ErrConnectionLost, err)
			}
			// EOF: the peer closed the feed.
			return nil, Event{}, ErrConnectionLost
		}
		line := ls.scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		ev, err := DecodeEvent(line)
		if err != nil {
			// Malformed records are dropped; ingestion continues.
			ls.decodeFailures++
			if ls.decodeFailures <= 5 || ls.decodeFailures%1000 == 0 {
				ProblemLogger.Printf("dropping undecodable event record (%d so far): %v", ls.decodeFailures, err)
			}
			continue
		}
		return line, ev, nil
	}
}

// Close shuts the socket, unblocking any in-progress Next.
func (ls *LiveSource) Close() error {
	if ls.conn == nil {
		return nil
	}
	err := ls.conn.Close()
	ls.conn = nil
	return err
}

// DecodeFailures returns how many undecodable lines this source has dropped.
func (ls *LiveSource) DecodeFailures() int64 {
	return ls.decodeFailures
}

// RecordSourceConfig holds the arguments needed to configure a RecordSource by RPC.
type RecordSourceConfig struct {
	Host     string
	Port     int
	BasePath string
}

// RecordSource is a LiveSource whose successfully decoded lines are also
// appended verbatim to a capture file, producing a byte-for-byte record
// that ReplaySource can play back. Capture writes are best-effort: a full
// write buffer drops the line and ingestion continues.
type RecordSource struct {
	LiveSource
	basePath      string
	filename      string
	file          *os.File
	writer        *asyncbufio.LineWriter
	droppedWrites int64
}

// NewRecordSource creates a RecordSource recording under basePath.
func NewRecordSource(config RecordSourceConfig) *RecordSource {
	rs := &RecordSource{basePath: config.BasePath}
	rs.addr = net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
	return rs
}

// Open dials the feed and creates the capture file. Failure to create the
// capture file is fatal here: a RecordSource that cannot record at all
// should not start.
func (rs *RecordSource) Open() error {
	pattern, err := makeDirectory(rs.basePath)
	if err != nil {
		return fmt.Errorf("could not make recording directory: %w", err)
	}
	rs.filename = fmt.Sprintf(pattern, "events", "ndjson")
	file, err := os.Create(rs.filename)
	if err != nil {
		return fmt.Errorf("could not create capture file: %w", err)
	}
	if err := rs.LiveSource.Open(); err != nil {
		file.Close()
		os.Remove(rs.filename)
		return err
	}
	rs.file = file
	rs.writer = asyncbufio.NewLineWriter(file, 4096, time.Second)
	return nil
}

// Next returns the next decoded event, teeing its wire bytes to the capture.
func (rs *RecordSource) Next() (Event, error) {
	line, ev, err := rs.nextRecord()
	if err != nil {
		return ev, err
	}
	if werr := rs.writer.WriteLine(line); werr != nil {
		rs.droppedWrites++
		if rs.droppedWrites <= 5 || rs.droppedWrites%1000 == 0 {
			ProblemLogger.Printf("capture write failed (%d lines dropped): %v", rs.droppedWrites, werr)
		}
	}
	return ev, nil
}

// Close shuts the socket, then flushes and closes the capture file.
func (rs *RecordSource) Close() error {
	err := rs.LiveSource.Close()
	if rs.writer != nil {
		rs.writer.Close()
		rs.writer = nil
	}
	if rs.file != nil {
		if cerr := rs.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		rs.file = nil
	}
	return err
}

// Filename returns the capture file path, empty before Open.
func (rs *RecordSource) Filename() string {
	return rs.filename
}

// makeDirectory creates a directory of the form basepath/20060102/0000 where
// the 4-digit subdirectory counts separate recording occasions. It returns
// the formatting code basepath/20060102/0000/20060102_run0000_%s.%s for use
// in an Sprintf call, and an error, if any.
func makeDirectory(basepath string) (string, error) {
	if len(basepath) == 0 {
		return "", fmt.Errorf("BasePath is the empty string")
	}
	today := time.Now().Format("20060102")
	todayDir := fmt.Sprintf("%s/%s", basepath, today)
	if err := os.MkdirAll(todayDir, 0755); err != nil {
		return "", err
	}
	for i := 0; i < 10000; i++ {
		thisDir := fmt.Sprintf("%s/%4.4d", todayDir, i)
		_, err := os.Stat(thisDir)
		if os.IsNotExist(err) {
			if err2 := os.MkdirAll(thisDir, 0755); err2 != nil {
				return "", err2
			}
			return fmt.Sprintf("%s/%s_run%4.4d_%%s.%%s", thisDir, today, i), nil
		}
	}
	return "", fmt.Errorf("out of 4-digit ID numbers for today in %s", todayDir)
}
