package model

// NotAvailable marks a value that could not be measured. It must never be
// treated as zero.
const NotAvailable int64 = -1

// NotAvailableAwareAdd adds two values where either can be NotAvailable.
// A real value combined with NotAvailable yields the real value.
func NotAvailableAwareAdd(x, y int64) int64 {
	if x == NotAvailable {
		return y
	}
	if y == NotAvailable {
		return x
	}
	return x + y
}

// ThreadStats holds per-thread resource totals
type ThreadStats struct {
	CPUNanos       int64 `json:"cpu_nanos"`
	BlockedNanos   int64 `json:"blocked_nanos"`
	WaitedNanos    int64 `json:"waited_nanos"`
	AllocatedBytes int64 `json:"allocated_bytes"`
}

// NotAvailableThreadStats returns ThreadStats with every field NotAvailable
func NotAvailableThreadStats() ThreadStats {
	return ThreadStats{
		CPUNanos:       NotAvailable,
		BlockedNanos:   NotAvailable,
		WaitedNanos:    NotAvailable,
		AllocatedBytes: NotAvailable,
	}
}

// Add merges o into a copy of ts field by field
func (ts ThreadStats) Add(o ThreadStats) ThreadStats {
	return ThreadStats{
		CPUNanos:       NotAvailableAwareAdd(ts.CPUNanos, o.CPUNanos),
		BlockedNanos:   NotAvailableAwareAdd(ts.BlockedNanos, o.BlockedNanos),
		WaitedNanos:    NotAvailableAwareAdd(ts.WaitedNanos, o.WaitedNanos),
		AllocatedBytes: NotAvailableAwareAdd(ts.AllocatedBytes, o.AllocatedBytes),
	}
}
