package logging

import (
	"bytes"
	"io"
	"sync"
	"time"
)

const stampLayout = "2006-01-02 15:04:05"

// LineStamper prefixes every complete line written through it with the
// wall-clock time, the way the listener's log file has always looked.
// Partial lines are held until their newline arrives or Close is called.
type LineStamper struct {
	mu     sync.Mutex
	target io.Writer
	buf    bytes.Buffer
	now    func() time.Time
}

func NewLineStamper(target io.Writer) *LineStamper {
	return &LineStamper{target: target, now: time.Now}
}

func (s *LineStamper) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Write(p)
	for {
		i := bytes.IndexByte(s.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := s.buf.Next(i + 1)
		if err := s.writeLine(line); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Close flushes a trailing partial line. It does not close the target.
func (s *LineStamper) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buf.Len() == 0 {
		return nil
	}
	line := append(s.buf.Next(s.buf.Len()), '\n')
	return s.writeLine(line)
}

func (s *LineStamper) writeLine(line []byte) error {
	out := make([]byte, 0, len(stampLayout)+1+len(line))
	out = s.now().AppendFormat(out, stampLayout)
	out = append(out, ' ')
	out = append(out, line...)
	_, err := s.target.Write(out)
	return err
}
