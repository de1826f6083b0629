// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package pgagent

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/reqprof/reqprof/pkg/correlation"
	"github.com/reqprof/reqprof/pkg/util/log"
)

const (
	maxStatementChars = 2000
	maxLogBatch       = 500
)

var (
	// logLineRe matches the stderr format produced by log_line_prefix
	// '%m [%p] ' or '%t [%p] %u@%d ', with the timezone and user@db parts
	// optional. The message may span lines.
	logLineRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}(?:\.\d+)?)(?: [A-Z]+)? \[(\d+)\](?: (\S+)@(\S+))? ([A-Z]+):\s+(?s:(.*))$`)

	// recordStartRe decides whether a line opens a new log record or
	// continues the previous one.
	recordStartRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}`)

	durationRe  = regexp.MustCompile(`duration:\s+([\d.]+)\s+ms`)
	statementRe = regexp.MustCompile(`(?s)statement:\s+(.+)`)
)

// logEntry is one parsed PostgreSQL log record.
type logEntry struct {
	Timestamp     string   `json:"timestamp"`
	PID           int      `json:"pid"`
	User          string   `json:"user,omitempty"`
	Database      string   `json:"database,omitempty"`
	Level         string   `json:"level"`
	Message       string   `json:"message"`
	DurationMs    *float64 `json:"duration_ms,omitempty"`
	Statement     string   `json:"statement,omitempty"`
	CorrelationID string   `json:"correlation_id,omitempty"`
}

// parseLogLine parses one complete log record, which may contain embedded
// newlines. The second return is false for lines that do not look like
// PostgreSQL log output.
func parseLogLine(line string) (*logEntry, bool) {
	m := logLineRe.FindStringSubmatch(strings.TrimRight(line, "\n"))
	if m == nil {
		return nil, false
	}
	pid, err := strconv.Atoi(m[2])
	if err != nil {
		return nil, false
	}
	e := &logEntry{
		Timestamp: m[1],
		PID:       pid,
		User:      m[3],
		Database:  m[4],
		Level:     m[5],
		Message:   strings.TrimSpace(m[6]),
	}
	if dm := durationRe.FindStringSubmatch(e.Message); dm != nil {
		if d, err := strconv.ParseFloat(dm[1], 64); err == nil {
			e.DurationMs = &d
		}
	}
	if sm := statementRe.FindStringSubmatch(e.Message); sm != nil {
		stmt := strings.TrimSpace(sm[1])
		if id, ok := correlation.ParseComment(stmt); ok {
			e.CorrelationID = id
		}
		if len(stmt) > maxStatementChars {
			stmt = stmt[:maxStatementChars] + queryTruncationMark
		}
		e.Statement = stmt
	}
	return e, true
}

// logTailer follows a PostgreSQL log file across rotations. It is polled
// rather than event-driven, Poll returns the records completed since the
// previous call.
type logTailer struct {
	path string

	f       *os.File
	info    os.FileInfo
	rd      *bufio.Reader
	partial string
	pending []string
	skipEnd bool
}

func newLogTailer(path string) *logTailer {
	// Only the very first open seeks to the end. History predating the
	// agent is not interesting, everything after a rotation is.
	return &logTailer{path: path, skipEnd: true}
}

func (t *logTailer) open() error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if t.skipEnd {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return err
		}
		t.skipEnd = false
	}
	t.f = f
	t.info = info
	t.rd = bufio.NewReader(f)
	return nil
}

func (t *logTailer) closeFile() {
	if t.f != nil {
		t.f.Close()
	}
	t.f = nil
	t.info = nil
	t.rd = nil
	t.partial = ""
}

// Poll drains everything appended since the last call and returns the parsed
// records. A rotation is picked up on the following call.
func (t *logTailer) Poll() ([]*logEntry, error) {
	if t.f == nil {
		if err := t.open(); err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, err
		}
	}

	var out []*logEntry
	for {
		line, err := t.rd.ReadString('\n')
		if err == nil {
			t.consume(t.partial+line, &out)
			t.partial = ""
			continue
		}
		if err == io.EOF {
			t.partial += line
			break
		}
		return out, err
	}

	// A fully terminated trailing record is complete, flush it rather than
	// waiting for the next record to arrive.
	if t.partial == "" && len(t.pending) > 0 {
		t.flushPending(&out)
	}

	t.checkRotation()
	return out, nil
}

// consume routes one physical line: a timestamp opens a new record, anything
// else continues the current one.
func (t *logTailer) consume(line string, out *[]*logEntry) {
	if recordStartRe.MatchString(line) {
		t.flushPending(out)
		t.pending = []string{line}
		return
	}
	if len(t.pending) > 0 {
		t.pending = append(t.pending, line)
	}
}

func (t *logTailer) flushPending(out *[]*logEntry) {
	if len(t.pending) == 0 {
		return
	}
	record := strings.Join(t.pending, "")
	t.pending = nil
	entry, ok := parseLogLine(record)
	if !ok {
		log.Debugf("unparseable log record skipped: %.80s", record)
		return
	}
	*out = append(*out, entry)
}

// checkRotation closes the handle when the file was rotated or truncated, so
// the next Poll reopens from the start of the replacement.
func (t *logTailer) checkRotation() {
	fresh, err := os.Stat(t.path)
	if err != nil {
		// Keep the open handle, the writer may recreate the file later.
		return
	}
	if !os.SameFile(t.info, fresh) {
		log.Infof("log file %s rotated, reopening", t.path)
		t.closeFile()
		return
	}
	if offset, err := t.f.Seek(0, io.SeekCurrent); err == nil && fresh.Size() < offset-int64(t.rd.Buffered()) {
		log.Infof("log file %s truncated, reopening", t.path)
		t.closeFile()
	}
}

// logBatch accumulates parsed records until the shipping threshold. Records
// carrying a correlation ID flush immediately so they land close to the
// application-side profile.
type logBatch struct {
	mu      sync.Mutex
	entries []*logEntry
}

// Add queues one record and reports whether the batch should ship now.
func (b *logBatch) Add(e *logEntry) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
	return len(b.entries) >= maxLogBatch || e.CorrelationID != ""
}

func (b *logBatch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Drain returns the queued records and resets the batch.
func (b *logBatch) Drain() []*logEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.entries
	b.entries = nil
	return entries
}
