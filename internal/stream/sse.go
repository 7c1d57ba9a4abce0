package stream

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"
)

// Frame is a single dispatched Server-Sent Event.
type Frame struct {
	// Type is the "event:" field. Empty means the default "message" type.
	Type string

	// Data is the payload assembled from one or more "data:" lines,
	// joined with newlines.
	Data string

	// ID is the "id:" field set inside this event block, empty if the
	// block did not set one.
	ID string
}

// DefaultMaxFrameSize bounds the bytes of one event block, its comment
// and field lines included.
const DefaultMaxFrameSize = 1 << 20

// ErrFrameTooLarge stops a scanner whose current event block outgrew its
// limit.
var ErrFrameTooLarge = errors.New("sse: event exceeds maximum size")

const byteOrderMark = "\uFEFF"

// Scanner reads Server-Sent Events from an [io.Reader] following the
// W3C event stream interpretation rules.
//
// Events are delimited by blank lines. Lines starting with ":" are
// comments. "id:" updates the last event id, "retry:" updates the
// reconnection time when its value is all ASCII digits. A block with no
// "data:" line dispatches nothing. An incomplete block at end of input
// is discarded. A leading UTF-8 byte order mark is skipped.
//
//	scanner := NewScanner(body)
//	for scanner.Next() {
//	    frame := scanner.Frame()
//	}
//	if err := scanner.Err(); err != nil {
//	    // transport error
//	}
type Scanner struct {
	reader      *bufio.Reader
	maxFrame    int
	started     bool
	current     Frame
	lastEventID string
	retry       time.Duration
	err         error
}

// NewScanner creates a scanner that reads events from reader, limited to
// DefaultMaxFrameSize per event.
func NewScanner(reader io.Reader) *Scanner {
	return NewScannerSize(reader, DefaultMaxFrameSize)
}

// NewScannerSize is NewScanner with a custom per-event limit.
func NewScannerSize(reader io.Reader, maxFrame int) *Scanner {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Scanner{
		reader:   bufio.NewReaderSize(reader, 64*1024),
		maxFrame: maxFrame,
	}
}

// Next advances to the next dispatched event. It returns false at end
// of input or on a read error; call Err to tell them apart.
func (s *Scanner) Next() bool {
	s.current = Frame{}
	if s.err != nil {
		return false
	}
	if !s.started {
		s.started = true
		if b, err := s.reader.Peek(len(byteOrderMark)); err == nil && string(b) == byteOrderMark {
			s.reader.Discard(len(byteOrderMark))
		}
	}

	var (
		dataLines []string
		eventType string
		blockID   string
		hasData   bool
		size      int
	)

	for {
		line, err := s.readLine(s.maxFrame - size)
		if err != nil {
			// A final line without its terminator never completes an event.
			s.err = err
			return false
		}
		size += len(line)

		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		if line == "" {
			if !hasData {
				eventType, blockID = "", ""
				size = 0
				continue
			}
			s.current = Frame{
				Type: eventType,
				Data: strings.Join(dataLines, "\n"),
				ID:   blockID,
			}
			return true
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, hasColon := strings.Cut(line, ":")
		if hasColon {
			value = strings.TrimPrefix(value, " ")
		} else {
			field, value = line, ""
		}

		switch field {
		case "data":
			dataLines = append(dataLines, value)
			hasData = true
		case "event":
			eventType = value
		case "id":
			if !strings.ContainsRune(value, 0) {
				blockID = value
				s.lastEventID = value
			}
		case "retry":
			if ms, ok := parseRetry(value); ok {
				s.retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
}

// readLine returns the next line with its terminator, failing with
// ErrFrameTooLarge once it would exceed limit bytes.
func (s *Scanner) readLine(limit int) (string, error) {
	var buf []byte
	for {
		chunk, err := s.reader.ReadSlice('\n')
		if len(buf)+len(chunk) > limit {
			return "", ErrFrameTooLarge
		}
		buf = append(buf, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return "", err
		}
		return string(buf), nil
	}
}

// Frame returns the event parsed by the last successful Next.
func (s *Scanner) Frame() Frame {
	return s.current
}

// LastEventID returns the most recent "id:" value seen on the stream,
// which persists across events.
func (s *Scanner) LastEventID() string {
	return s.lastEventID
}

// Retry returns the reconnection time most recently announced by the
// server, zero if none.
func (s *Scanner) Retry() time.Duration {
	return s.retry
}

// Err returns the read error that stopped the scanner, or nil on a
// clean end of input.
func (s *Scanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}

func parseRetry(value string) (int64, bool) {
	if value == "" {
		return 0, false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	return ms, err == nil
}
