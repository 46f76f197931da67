// Package rlimit implements the soft resource-limit list of spec.md §3: a
// set of (kernel limit identifier, value) pairs parsed from repeated
// --rlimit name=value flags and applied by setrlimit(2) inside the forked
// target. Adapted from the teacher's pkg/rlimit (which hardcoded one struct
// field per resource) into the spec's open-ended name/value pair list.
package rlimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// byName maps the --rlimit flag's identifier to the kernel resource number.
// Names match the POSIX rlimit names exposed by bash's ulimit and coreutils'
// prlimit(1), the convention every caller of this CLI already knows.
var byName = map[string]int{
	"as":     unix.RLIMIT_AS,
	"core":   unix.RLIMIT_CORE,
	"cpu":    unix.RLIMIT_CPU,
	"data":   unix.RLIMIT_DATA,
	"fsize":  unix.RLIMIT_FSIZE,
	"nofile": unix.RLIMIT_NOFILE,
	"nproc":  unix.RLIMIT_NPROC,
	"rss":    unix.RLIMIT_RSS,
	"stack":  unix.RLIMIT_STACK,
}

// RLimit is one kernel limit identifier/value pair. Parse sets Cur and Max
// to the same value, so the target has no room to raise its own limit;
// CPULimit is the one exception, with Max one second above Cur.
type RLimit struct {
	Name string
	Res  int
	Rlim unix.Rlimit
}

// Parse turns a single "--rlimit name=value" flag argument into an RLimit.
func Parse(flag string) (RLimit, error) {
	name, value, ok := strings.Cut(flag, "=")
	if !ok {
		return RLimit{}, fmt.Errorf("rlimit: malformed %q, want name=value", flag)
	}
	res, ok := byName[name]
	if !ok {
		return RLimit{}, fmt.Errorf("rlimit: unknown resource %q", name)
	}
	v, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return RLimit{}, fmt.Errorf("rlimit: %q: %w", flag, err)
	}
	return RLimit{
		Name: name,
		Res:  res,
		Rlim: unix.Rlimit{Cur: v, Max: v},
	}, nil
}

// ParseAll parses every --rlimit flag value in order, preserving order so
// that a later duplicate name overrides an earlier one when applied.
func ParseAll(flags []string) ([]RLimit, error) {
	out := make([]RLimit, 0, len(flags))
	for _, f := range flags {
		rl, err := Parse(f)
		if err != nil {
			return nil, err
		}
		out = append(out, rl)
	}
	return out, nil
}

// CPULimit derives the "cpu" rlimit from a CPU time budget: the soft
// limit is the ceiling of the budget in whole seconds, the hard limit one
// second past that, giving the kernel's SIGXCPU a chance to fire before the
// hard SIGKILL backstop. Grounded on original_source/args.cpp's --time-limit
// handling (limit_sec = ceil(msec/1000), minijail_rlimit(cur=limit_sec,
// max=limit_sec+1)).
func CPULimit(d time.Duration) RLimit {
	sec := uint64((999 + d.Milliseconds()) / 1000)
	return RLimit{
		Name: "cpu",
		Res:  unix.RLIMIT_CPU,
		Rlim: unix.Rlimit{Cur: sec, Max: sec + 1},
	}
}

func (r RLimit) String() string {
	return fmt.Sprintf("%s[%d:%d]", r.Name, r.Rlim.Cur, r.Rlim.Max)
}

// Apply calls setrlimit(2) for every limit in order. It is called from
// inside the forked target, after the cgroup admission write and before the
// jail's PRE_EXECVE hooks run, per spec.md §4.4 hook 1.
func Apply(limits []RLimit) error {
	for _, rl := range limits {
		lim := rl.Rlim
		if err := unix.Setrlimit(rl.Res, &lim); err != nil {
			return fmt.Errorf("rlimit: setrlimit(%s): %w", rl.Name, err)
		}
	}
	return nil
}
