package utils

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDisplayASCII(t *testing.T) {
	key := func(prefix string, ms int64) []byte {
		b := []byte(prefix)
		return binary.BigEndian.AppendUint64(b, uint64(ms))
	}
	tests := []struct {
		name string
		b    []byte
		want string
	}{
		{"empty", []byte{}, " []"},
		{"nil", nil, " []"},
		{"safe-short", []byte("abc"), "abc [61 62 63]"},
		{"safe-long", []byte("Lorem ipsum dolor sit amet, consectetur adipiscing elit"),
			"Lorem ipsum dolor sit amet, consectetur adipiscing elit"},
		{"newline", []byte("abc\ndef"), "abc.def [61 62 63 0a 64 65 66]"},
		{"zero", []byte("\x00abc"), ".abc [00 61 62 63]"},
		{"high", []byte("\xF0abc"), ".abc [f0 61 62 63]"},
		{"capture-time", key("Web\x00", 1_700_000_060_000),
			"Web.......R` [57 65 62 00 00 00 01 8b cf e6 52 60] (2023-11-14T22:14:20Z)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equalf(t, tt.want, DisplayASCII(tt.b), "DisplayASCII(%v)", tt.b)
		})
	}
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	t0 := time.Now()
	err := SleepContext(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(t0), time.Second)

	assert.NoError(t, SleepContextPerturb(context.Background(), time.Millisecond))
}
