// Package archive writes flushed intervals to a simpleblob storage backend
// as gzipped protobuf blobs, one blob per interval.
package archive

import (
	"bytes"
	"context"
	"io"
	"slices"
	"time"

	"github.com/PowerDNS/simpleblob"
	"github.com/c2h5oh/datasize"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ringstat/ringstat/aggregate"
	"github.com/ringstat/ringstat/utils"
	"github.com/ringstat/ringstat/utils/topics"
)

// Archive implements aggregator.Collector and can also follow the flushed
// topic of an aggregator.
type Archive struct {
	st       simpleblob.Interface
	instance string
	l        logrus.FieldLogger
}

func New(st simpleblob.Interface, instance string, l logrus.FieldLogger) *Archive {
	return &Archive{
		st:       st,
		instance: instance,
		l:        l.WithField("component", "archive"),
	}
}

// Encode returns a compressed interval blob
func Encode(ia *aggregate.IntervalAggregates) ([]byte, error) {
	pb := ia.Marshal()
	out := bytes.NewBuffer(make([]byte, 0, len(pb)/4+64))
	gw, err := gzip.NewWriterLevel(out, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := gw.Write(pb); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// MaxDecodedSize limits the uncompressed size of a blob, so that a corrupt
// or hostile blob cannot exhaust memory.
var MaxDecodedSize = 256 * datasize.MB

var ErrTooLarge = errors.New("decoded blob too large")

// Decode loads a blob written by Encode
func Decode(data []byte) (*aggregate.IntervalAggregates, error) {
	g, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	limit := int64(MaxDecodedSize.Bytes())
	pb, err := io.ReadAll(io.LimitReader(g, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(pb)) > limit {
		return nil, errors.Wrapf(ErrTooLarge, "limit %s", MaxDecodedSize.HR())
	}
	if err := g.Close(); err != nil {
		return nil, err
	}
	ia := new(aggregate.IntervalAggregates)
	if err := ia.Unmarshal(pb); err != nil {
		return nil, err
	}
	return ia, nil
}

// Store writes one interval and returns the blob name
func (a *Archive) Store(ctx context.Context, ia *aggregate.IntervalAggregates) (string, error) {
	t0 := time.Now()
	data, err := Encode(ia)
	if err != nil {
		return "", errors.Wrap(err, "encode")
	}
	name := Name(a.instance, ia.CaptureTime)
	if err := a.st.Store(ctx, name, data); err != nil {
		metricStoreFailed.Inc()
		return "", errors.Wrapf(err, "store %s", name)
	}
	metricStored.Inc()
	metricStoredBytes.Add(float64(len(data)))
	a.l.WithFields(logrus.Fields{
		"blob":      name,
		"size":      datasize.ByteSize(len(data)).HR(),
		"time_used": utils.TimeDiff(time.Now(), t0),
	}).Debug("Stored interval")
	return name, nil
}

// CollectAggregates stores an interval, so that the archive can be used as
// a sink of the aggregator directly.
func (a *Archive) CollectAggregates(ctx context.Context, ia *aggregate.IntervalAggregates) error {
	_, err := a.Store(ctx, ia)
	return err
}

// Run stores every interval published on the topic until the context is
// canceled. Failures are logged and do not stop the loop.
func (a *Archive) Run(ctx context.Context, flushed *topics.Topic[*aggregate.IntervalAggregates]) error {
	return flushed.Handle(ctx, func(ia *aggregate.IntervalAggregates) error {
		if ia == nil {
			return nil
		}
		if _, err := a.Store(ctx, ia); err != nil {
			if utils.IsCanceled(ctx) {
				return ctx.Err()
			}
			a.l.WithError(err).WithField("capture_time", utils.FormatMillis(ia.CaptureTime)).
				Warn("Could not archive interval")
		}
		return nil
	})
}

// Load reads an interval blob by name
func (a *Archive) Load(ctx context.Context, name string) (*aggregate.IntervalAggregates, error) {
	data, err := a.st.Load(ctx, name)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", name)
	}
	ia, err := Decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", name)
	}
	return ia, nil
}

// List returns the blobs of an instance sorted by capture time. Blobs with
// names that do not parse are skipped. An empty instance lists all instances.
func (a *Archive) List(ctx context.Context, instance string) ([]NameInfo, error) {
	prefix := ""
	if instance != "" {
		prefix = instance + nameSep
	}
	ls, err := a.st.List(ctx, prefix)
	if err != nil {
		return nil, errors.Wrap(err, "list")
	}
	var infos []NameInfo
	for _, name := range ls.Names() {
		ni, err := ParseName(name)
		if err != nil {
			continue
		}
		infos = append(infos, ni)
	}
	slices.SortFunc(infos, func(a, b NameInfo) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return infos, nil
}

// Delete removes a blob
func (a *Archive) Delete(ctx context.Context, name string) error {
	return a.st.Delete(ctx, name)
}
