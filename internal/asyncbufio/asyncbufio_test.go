package asyncbufio

import (
	"bytes"
	"testing"
	"time"
)

func TestLineWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := NewLineWriter(&buf, 16, time.Hour)

	lines := []string{"first", "second", "third"}
	for _, line := range lines {
		if err := lw.WriteLine([]byte(line)); err != nil {
			t.Fatalf("WriteLine(%q) error: %v", line, err)
		}
	}
	lw.Flush()
	want := "first\nsecond\nthird\n"
	if buf.String() != want {
		t.Errorf("after Flush buffer = %q, want %q", buf.String(), want)
	}

	if err := lw.WriteLine([]byte("last")); err != nil {
		t.Fatalf("WriteLine after Flush error: %v", err)
	}
	lw.Close()
	if buf.String() != want+"last\n" {
		t.Errorf("after Close buffer = %q, want %q", buf.String(), want+"last\n")
	}
}

func TestLineWriterCopiesCallerBuffer(t *testing.T) {
	var buf bytes.Buffer
	lw := NewLineWriter(&buf, 16, time.Hour)

	scratch := []byte("original")
	if err := lw.WriteLine(scratch); err != nil {
		t.Fatal(err)
	}
	copy(scratch, []byte("clobber!"))
	lw.Close()
	if buf.String() != "original\n" {
		t.Errorf("buffer = %q, want %q (caller reuse must not corrupt the line)", buf.String(), "original\n")
	}
}

func TestLineWriterFullBuffer(t *testing.T) {
	// Lines bigger than the bufio buffer write through to the underlying
	// writer, which here blocks, so the channel backs up and WriteLine must
	// reject a line rather than stall its caller.
	blocked := make(chan struct{})
	lw := NewLineWriter(blockingWriter{release: blocked}, 1, time.Hour)

	big := bytes.Repeat([]byte("x"), 8192)
	sawFull := false
	for i := 0; i < 10; i++ {
		if err := lw.WriteLine(big); err == ErrBufferFull {
			sawFull = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !sawFull {
		t.Error("WriteLine never returned ErrBufferFull with a blocked writer")
	}
	close(blocked)
}

type blockingWriter struct {
	release chan struct{}
}

func (w blockingWriter) Write(p []byte) (int, error) {
	<-w.release
	return len(p), nil
}
