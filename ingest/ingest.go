// Package ingest reads newline delimited JSON transaction records and feeds
// them to the aggregator.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ringstat/ringstat/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Adder accepts records, like *aggregator.Aggregator
type Adder interface {
	Add(rec *model.TransactionRecord) int64
}

// Stats counts the lines of one Read
type Stats struct {
	Lines    int
	Records  int
	Invalid  int
	Duration time.Duration
}

// Reader decodes a record stream
type Reader struct {
	a  Adder
	l  logrus.FieldLogger
	rl *rate.Limiter
}

func New(a Adder, l logrus.FieldLogger) *Reader {
	return &Reader{
		a:  a,
		l:  l.WithField("component", "ingest"),
		rl: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Read adds every record in r until EOF or until the context is canceled.
// Lines that are not valid records are logged and skipped, read errors
// abort.
func (rd *Reader) Read(ctx context.Context, r io.Reader) (Stats, error) {
	var st Stats
	t0 := time.Now()
	defer func() {
		st.Duration = time.Since(t0)
	}()

	br := bufio.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		line, err := br.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return st, errors.Wrap(err, "read records")
		}
		eof := err == io.EOF
		if line = bytes.TrimSpace(line); len(line) > 0 {
			st.Lines++
			rd.handleLine(line, st.Lines, &st)
		}
		if eof {
			rd.l.WithFields(logrus.Fields{
				"records": st.Records,
				"invalid": st.Invalid,
			}).Debug("Reached end of record stream")
			return st, nil
		}
	}
}

func (rd *Reader) handleLine(line []byte, lineNo int, st *Stats) {
	rec := new(model.TransactionRecord)
	err := json.Unmarshal(line, rec)
	if err == nil {
		err = rec.Validate()
	}
	if err != nil {
		st.Invalid++
		metricLines.WithLabelValues("invalid").Inc()
		if rd.rl.Allow() {
			rd.l.WithError(err).WithField("line", lineNo).Warn("Skipping invalid record")
		}
		return
	}
	rd.a.Add(rec)
	st.Records++
	metricLines.WithLabelValues("ok").Inc()
}
