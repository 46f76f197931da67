package clock

import "golang.org/x/sys/unix"

// Now reads CLOCK_REALTIME, the baseline meta-init takes as t0 before
// computing its wall-clock deadline (spec.md §4.5 step 3).
func Now() (Timespec, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &ts); err != nil {
		return Timespec{}, err
	}
	return Timespec{Sec: int64(ts.Sec), Nsec: int64(ts.Nsec)}, nil
}
