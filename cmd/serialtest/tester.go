package main

import (
	"bytes"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Failure classifies a loopback round trip.
type Failure string

// Round trip outcomes.
const (
	FailureNone       Failure = ""
	FailureNoResponse Failure = "NO RESPONSE"
	FailureMismatch   Failure = "DATA MISMATCH"
)

// classify compares the echo with what was sent.
func classify(tx, rx []byte) Failure {
	switch {
	case len(rx) == 0:
		return FailureNoResponse
	case !bytes.Equal(tx, rx):
		return FailureMismatch
	default:
		return FailureNone
	}
}

// Record is one round trip.
type Record struct {
	Time    time.Time
	Seq     int
	TX      []byte
	RX      []byte
	Failure Failure
}

// Stats accumulates round trip outcomes.
type Stats struct {
	Sent       int
	Errors     int
	NoResponse int
	Mismatch   int
}

// ErrorRate returns the failed share of round trips in percent.
func (s Stats) ErrorRate() float64 {
	if s.Sent == 0 {
		return 0
	}
	return float64(s.Errors) / float64(s.Sent) * 100
}

// String formats the status line.
func (s Stats) String() string {
	return fmt.Sprintf("Sent: %d | Errors: %.1f%% (%d) | NoResp: %d | Mismatch: %d",
		s.Sent, s.ErrorRate(), s.Errors, s.NoResponse, s.Mismatch)
}

func (s *Stats) add(f Failure) {
	s.Sent++
	switch f {
	case FailureNoResponse:
		s.Errors++
		s.NoResponse++
	case FailureMismatch:
		s.Errors++
		s.Mismatch++
	}
}

// parsePayload decodes a hex string; whitespace between bytes is allowed.
func parsePayload(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.Join(strings.Fields(s), ""))
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("payload: empty")
	}
	return b, nil
}

// Tester writes a payload to a serial line and checks the echo.
type Tester struct {
	port    io.ReadWriter
	payload []byte
	settle  time.Duration
	log     *csv.Writer
	stats   Stats
	now     func() time.Time
	sleep   func(time.Duration)
}

// NewTester creates a tester. log may be nil.
func NewTester(port io.ReadWriter, payload []byte, settle time.Duration, log io.Writer) *Tester {
	t := &Tester{
		port:    port,
		payload: payload,
		settle:  settle,
		now:     time.Now,
		sleep:   time.Sleep,
	}
	if log != nil {
		t.log = csv.NewWriter(log)
	}
	return t
}

// WriteHeader writes the CSV header row.
func (t *Tester) WriteHeader() error {
	if t.log == nil {
		return nil
	}
	if err := t.log.Write([]string{"timestamp", "seq_no", "tx_hex", "rx_hex", "error_type"}); err != nil {
		return err
	}
	t.log.Flush()
	return t.log.Error()
}

// Step runs one round trip: send, wait, read whatever arrived.
func (t *Tester) Step() (Record, error) {
	rec := Record{
		Time: t.now(),
		Seq:  t.stats.Sent + 1,
		TX:   t.payload,
	}

	if _, err := t.port.Write(t.payload); err != nil {
		return rec, fmt.Errorf("write: %w", err)
	}
	t.sleep(t.settle)

	rx, err := readAvailable(t.port)
	if err != nil {
		return rec, fmt.Errorf("read: %w", err)
	}
	rec.RX = rx
	rec.Failure = classify(t.payload, rx)
	t.stats.add(rec.Failure)

	if t.log != nil {
		row := []string{
			rec.Time.Format("2006-01-02 15:04:05.000"),
			strconv.Itoa(rec.Seq),
			strings.ToUpper(hex.EncodeToString(rec.TX)),
			strings.ToUpper(hex.EncodeToString(rec.RX)),
			string(rec.Failure),
		}
		if err := t.log.Write(row); err != nil {
			return rec, fmt.Errorf("log: %w", err)
		}
		t.log.Flush()
		if err := t.log.Error(); err != nil {
			return rec, fmt.Errorf("log: %w", err)
		}
	}
	return rec, nil
}

// Stats returns the accumulated outcomes.
func (t *Tester) Stats() Stats {
	return t.stats
}

// readAvailable reads until a read returns no data. The port's read
// timeout bounds each call.
func readAvailable(r io.Reader) ([]byte, error) {
	var out []byte
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF || (err == nil && n == 0) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}
