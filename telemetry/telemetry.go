// Package telemetry implements event.Sink as a daily-rotating CSV log,
// generalizing the teacher's log.go (channel/APRS-packet CSV rows) to
// Blink's own event.Event vocabulary.
package telemetry

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/lestrrat-go/strftime"

	"github.com/blinknet/blink/event"
)

var header = []string{"asn", "utime", "isotime", "event", "gateway_id", "node_id", "reason"}

// DefaultPattern is the strftime pattern used when FileSink is constructed
// with an empty pattern.
const DefaultPattern = "blink-%Y-%m-%d.log"

// ASNSource supplies the current absolute slot number for the row being
// written. *mac.MAC satisfies this via its ASN method; a nil source logs
// 0 for every row.
type ASNSource interface {
	ASN() uint64
}

// FileSink appends one CSV line per event to a file whose name is
// derived from a strftime pattern, rotating whenever the formatted name
// changes (by default, at UTC midnight) — the same daily-names strategy
// as the teacher's log_write, keyed off event.Event instead of a decoded
// AX.25 packet.
type FileSink struct {
	mu       sync.Mutex
	dir      string
	pattern  string
	asn      ASNSource
	f        *os.File
	openName string
}

// NewFileSink returns a FileSink writing into dir, naming files via
// pattern (DefaultPattern if empty). asn may be nil. The directory must
// already exist; NewFileSink does not create it, mirroring the teacher's
// refusal to mkdir -p multiple levels.
func NewFileSink(dir, pattern string, asn ASNSource) *FileSink {
	if pattern == "" {
		pattern = DefaultPattern
	}
	return &FileSink{dir: dir, pattern: pattern, asn: asn}
}

// OnEvent implements event.Sink.
func (s *FileSink) OnEvent(e event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	name, err := strftime.Format(s.pattern, now)
	if err != nil {
		return
	}

	if s.f != nil && name != s.openName {
		s.f.Close()
		s.f = nil
	}

	if s.f == nil {
		full := filepath.Join(s.dir, name)
		_, statErr := os.Stat(full)
		alreadyThere := statErr == nil

		f, openErr := os.OpenFile(full, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0644)
		if openErr != nil {
			return
		}
		s.f = f
		s.openName = name

		if !alreadyThere {
			w := csv.NewWriter(s.f)
			w.Write(header)
			w.Flush()
		}
	}

	var asn uint64
	if s.asn != nil {
		asn = s.asn.ASN()
	}

	row := []string{
		strconv.FormatUint(asn, 10),
		strconv.FormatInt(now.Unix(), 10),
		now.Format("2006-01-02T15:04:05Z"),
		e.Kind.String(),
		fmt.Sprintf("%d", e.GatewayID),
		fmt.Sprintf("%d", e.NodeID),
		e.Reason.String(),
	}

	w := csv.NewWriter(s.f)
	w.Write(row)
	w.Flush()
}

// Close closes the currently open log file, if any.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
