// Package asyncbufio provides asynchronous, buffered line writing so that a
// slow disk never stalls the goroutine producing the lines.
package asyncbufio

import (
	"bufio"
	"errors"
	"io"
	"time"
)

// ErrBufferFull is returned by WriteLine when the channel buffer is full.
// The caller decides whether dropping the line is acceptable.
var ErrBufferFull = errors.New("asyncbufio: line buffer full")

// LineWriter appends newline-terminated lines to an underlying io.Writer
// from a dedicated goroutine. WriteLine never blocks.
type LineWriter struct {
	writer        *bufio.Writer
	lines         chan []byte   // lines waiting to be written
	flushNow      chan struct{} // signal the write loop to flush
	flushComplete chan struct{} // signal that a flush finished
	flushInterval time.Duration
}

// NewLineWriter creates a LineWriter holding up to channelDepth pending
// lines and flushing the underlying writer every flushInterval.
func NewLineWriter(w io.Writer, channelDepth int, flushInterval time.Duration) *LineWriter {
	lw := &LineWriter{
		writer:        bufio.NewWriter(w),
		lines:         make(chan []byte, channelDepth),
		flushNow:      make(chan struct{}),
		flushComplete: make(chan struct{}),
		flushInterval: flushInterval,
	}
	go lw.writeLoop()
	return lw
}

// WriteLine queues one line for writing, appending the newline itself. The
// line is copied, so the caller may reuse its buffer immediately. Returns
// ErrBufferFull (and drops the line) if the queue is full.
func (lw *LineWriter) WriteLine(line []byte) error {
	buf := make([]byte, len(line)+1)
	copy(buf, line)
	buf[len(line)] = '\n'
	select {
	case lw.lines <- buf:
		return nil
	default:
		return ErrBufferFull
	}
}

// Flush drains all queued lines to the underlying writer and flushes it.
// Blocks until the flush is complete.
func (lw *LineWriter) Flush() {
	lw.flushNow <- struct{}{}
	<-lw.flushComplete
}

// Close flushes remaining lines and stops the write loop. WriteLine and
// Flush must not be called after Close.
func (lw *LineWriter) Close() {
	close(lw.flushNow)
	<-lw.flushComplete
}

func (lw *LineWriter) writeLoop() {
	ticker := time.NewTicker(lw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case line := <-lw.lines:
			lw.writer.Write(line)

		case _, ok := <-lw.flushNow:
			lw.drainAndFlush()
			lw.flushComplete <- struct{}{}
			if !ok {
				return
			}

		case <-ticker.C:
			lw.drainAndFlush()
		}
	}
}

// drainAndFlush empties the line channel, then flushes the bufio.Writer.
func (lw *LineWriter) drainAndFlush() {
	for {
		select {
		case line := <-lw.lines:
			lw.writer.Write(line)
		default:
			lw.writer.Flush()
			return
		}
	}
}
