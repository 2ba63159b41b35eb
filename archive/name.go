package archive

import (
	"fmt"
	"strings"
	"time"
)

const (
	timeFormat = "20060102-150405.000" // the '.' is replaced by a '-'
	dotIndex   = 15                    // position of the '.'
	extension  = "pb.gz"
	nameSep    = "__"
)

// Timestamp formats a capture time for use in a blob name
func Timestamp(captureTime int64) string {
	return strings.Replace(
		time.UnixMilli(captureTime).UTC().Format(timeFormat),
		".", "-", 1)
}

// Name returns the blob name for an interval of an instance
func Name(instance string, captureTime int64) string {
	return instance + nameSep + Timestamp(captureTime) + "." + extension
}

// NameInfo is a parsed blob name
type NameInfo struct {
	FullName        string
	Instance        string
	TimestampString string
	Timestamp       time.Time
}

// CaptureTime returns the capture time in Unix milliseconds
func (ni NameInfo) CaptureTime() int64 {
	return ni.Timestamp.UnixMilli()
}

func ParseName(name string) (NameInfo, error) {
	var ni NameInfo
	basename, ext, found := strings.Cut(name, ".")
	if !found {
		return ni, fmt.Errorf("invalid name: no dot: %s", name)
	}
	if ext != extension {
		return ni, fmt.Errorf("unexpected extension: %s", name)
	}
	instance, tss, found := strings.Cut(basename, nameSep)
	if !found || instance == "" {
		return ni, fmt.Errorf("no instance in name: %s", name)
	}
	if len(tss) != len(timeFormat) || tss[dotIndex] != '-' {
		return ni, fmt.Errorf("invalid timestamp format: %s in %s", tss, name)
	}
	ts, err := time.Parse(timeFormat, tss[:dotIndex]+"."+tss[dotIndex+1:])
	if err != nil {
		return ni, fmt.Errorf("timestamp parse error: %s", err)
	}
	ni.FullName = name
	ni.Instance = instance
	ni.TimestampString = tss
	ni.Timestamp = ts
	return ni, nil
}
