package cappeddb

import (
	"time"
)

// Stats are the running write totals of one payload type
type Stats struct {
	UncompressedBytes int64
	CompressedBytes   int64
	WriteDuration     time.Duration
	Writes            int64
}

// CompressionRatio returns compressed bytes per uncompressed byte, or 0
func (s Stats) CompressionRatio() float64 {
	if s.UncompressedBytes == 0 {
		return 0
	}
	return float64(s.CompressedBytes) / float64(s.UncompressedBytes)
}

func (db *DB) addStats(typ string, uncompressed, compressed int64, dt time.Duration) {
	db.statsMu.Lock()
	s := db.stats[typ]
	if s == nil {
		s = &Stats{}
		db.stats[typ] = s
	}
	s.UncompressedBytes += uncompressed
	s.CompressedBytes += compressed
	s.WriteDuration += dt
	s.Writes++
	db.statsMu.Unlock()

	metricWriteBytes.WithLabelValues(typ, "uncompressed").Add(float64(uncompressed))
	metricWriteBytes.WithLabelValues(typ, "compressed").Add(float64(compressed))
	metricWriteSeconds.WithLabelValues(typ).Observe(dt.Seconds())
}

// Stats returns the totals for one payload type since Open
func (db *DB) Stats(typ string) Stats {
	db.statsMu.Lock()
	defer db.statsMu.Unlock()
	if s := db.stats[typ]; s != nil {
		return *s
	}
	return Stats{}
}

// AllStats returns the totals of all payload types since Open
func (db *DB) AllStats() map[string]Stats {
	db.statsMu.Lock()
	defer db.statsMu.Unlock()
	res := make(map[string]Stats, len(db.stats))
	for typ, s := range db.stats {
		res[typ] = *s
	}
	return res
}
