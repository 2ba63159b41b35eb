package utils

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"time"
)

// SleepContext sleeps for given duration. If the context closes in the
// meantime, it returns immediately with a context.Canceled error.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Canceled
	case <-t.C:
		return nil
	}
}

// SleepContextPerturb sleeps for given duration like SleepContext, but it
// perturbs the duration with a 20% random component to avoid multiple instances
// running cleanups at the exact same time.
func SleepContextPerturb(ctx context.Context, d time.Duration) error {
	r := rand.Intn(400)
	// Random duration between 80% and 120% of original
	d = time.Duration(800+r) * d / 1000
	return SleepContext(ctx, d)
}

// IsCanceled checks if the context has been canceled.
func IsCanceled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// FormatMillis formats a Unix millisecond timestamp for humans
func FormatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

// DisplayASCII represents a repository key as ascii. Unsafe characters,
// like the 0x00 separators, are replaced by '.' and a hex representation
// is added to the output.
// If the last 8 bytes look like a recent millisecond capture time, that
// will be shown too.
func DisplayASCII(b []byte) string {
	ret := make([]byte, len(b))
	unsafe := false
	for i, ch := range b {
		if ch < 32 || ch > 126 {
			ret[i] = '.'
			unsafe = true
		} else {
			ret[i] = ch
		}
	}
	var tsString string
	if len(b) >= 8 {
		ms := int64(binary.BigEndian.Uint64(b[len(b)-8:]))
		ts := time.UnixMilli(ms).UTC()
		isRecentTS := ts.After(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)) &&
			ts.Before(time.Now().Add(30*24*time.Hour))
		if isRecentTS {
			tsString = ts.Format(time.RFC3339Nano)
		}
	}
	if tsString != "" {
		return fmt.Sprintf("%s [% 0x] (%s)", string(ret), b, tsString)
	}
	if unsafe || len(b) <= 8 {
		return fmt.Sprintf("%s [% 0x]", string(ret), b)
	}
	return string(ret)
}

// TimeDiff returns the difference between two times, rounded to milliseconds.
func TimeDiff(t1, t0 time.Time) time.Duration {
	return t1.Sub(t0).Round(time.Millisecond)
}
