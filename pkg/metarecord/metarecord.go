// Package metarecord implements the meta record grammar of spec.md §6: a
// plain text, LF-terminated, key-colon-value file with four fixed timing
// keys followed by exactly one verdict block.
package metarecord

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/omegaup/omegajail-go/pkg/exitcause"
	"github.com/omegaup/omegajail-go/pkg/signame"
)

// Timing carries the four required keys that precede the verdict block.
type Timing struct {
	UserTimeUsec int64
	SysTimeUsec  int64
	WallTimeUsec int64
	MemoryBytes  int64
}

// Verdict is exactly one of the three shapes spec.md §6 allows.
type Verdict struct {
	Kind        exitcause.Kind
	SyscallName string // set when Kind == KindSyscall and the name is known
	SyscallNr   int    // set when Kind == KindSyscall
	SignalName  string // set when Kind == KindSignal and the name is known
	SignalNr    int    // set when Kind == KindSignal
	Status      int    // set when Kind == KindStatus
}

// VerdictFromCause builds a Verdict from a reconciled exitcause.Cause,
// resolving syscall and signal names the way the meta emission step
// (spec.md §4.5 step 10) does.
func VerdictFromCause(c exitcause.Cause, syscallName func(int) (string, bool)) Verdict {
	switch c.Dominant() {
	case exitcause.KindSyscall:
		v := Verdict{Kind: exitcause.KindSyscall, SyscallNr: c.ExitSyscall}
		if syscallName != nil {
			if name, ok := syscallName(c.ExitSyscall); ok {
				v.SyscallName = name
			}
		}
		return v
	case exitcause.KindSignal:
		v := Verdict{Kind: exitcause.KindSignal, SignalNr: c.ExitSignal}
		if name, ok := signame.Lookup(c.ExitSignal); ok {
			v.SignalName = name
		}
		return v
	case exitcause.KindStatus:
		return Verdict{Kind: exitcause.KindStatus, Status: c.ExitStatus}
	default:
		return Verdict{Kind: exitcause.KindNone}
	}
}

// Write emits the meta record to w in the exact fixed order required by
// spec.md §6 and §8 invariant 2: time, time-sys, time-wall, mem, then the
// verdict block. A KindNone verdict writes the four timing keys only, with
// no verdict block.
func Write(w io.Writer, t Timing, v Verdict) error {
	if _, err := fmt.Fprintf(w, "time:%d\ntime-sys:%d\ntime-wall:%d\nmem:%d\n",
		t.UserTimeUsec, t.SysTimeUsec, t.WallTimeUsec, t.MemoryBytes); err != nil {
		return fmt.Errorf("metarecord: write timing: %w", err)
	}
	switch v.Kind {
	case exitcause.KindSyscall:
		if v.SyscallName != "" {
			_, err := fmt.Fprintf(w, "signal:SIGSYS\nsyscall:%s\n", v.SyscallName)
			if err != nil {
				return fmt.Errorf("metarecord: write syscall verdict: %w", err)
			}
		} else {
			_, err := fmt.Fprintf(w, "signal:SIGSYS\nsyscall:#%d\n", v.SyscallNr)
			if err != nil {
				return fmt.Errorf("metarecord: write syscall verdict: %w", err)
			}
		}
	case exitcause.KindSignal:
		if v.SignalName != "" {
			if _, err := fmt.Fprintf(w, "signal:%s\n", v.SignalName); err != nil {
				return fmt.Errorf("metarecord: write signal verdict: %w", err)
			}
		} else {
			if _, err := fmt.Fprintf(w, "signal_number:%d\n", v.SignalNr); err != nil {
				return fmt.Errorf("metarecord: write signal verdict: %w", err)
			}
		}
	case exitcause.KindStatus:
		if _, err := fmt.Fprintf(w, "status:%d\n", v.Status); err != nil {
			return fmt.Errorf("metarecord: write status verdict: %w", err)
		}
	}
	return nil
}

// Record is the fully parsed meta file, for tests and tooling that consume
// a record a meta-init process wrote.
type Record struct {
	Timing
	Verdict
}

// Parse reads a meta record back, validating the fixed key order and
// exactly-one-verdict-block invariant (spec.md §8 invariants 2 and 4).
func Parse(r io.Reader) (Record, error) {
	var rec Record
	scanner := bufio.NewScanner(r)
	want := []string{"time", "time-sys", "time-wall", "mem"}
	for i, key := range want {
		if !scanner.Scan() {
			return rec, fmt.Errorf("metarecord: missing key %q at line %d", key, i+1)
		}
		k, v, err := splitLine(scanner.Text())
		if err != nil {
			return rec, err
		}
		if k != key {
			return rec, fmt.Errorf("metarecord: expected key %q, got %q", key, k)
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return rec, fmt.Errorf("metarecord: key %q: %w", key, err)
		}
		switch key {
		case "time":
			rec.UserTimeUsec = n
		case "time-sys":
			rec.SysTimeUsec = n
		case "time-wall":
			rec.WallTimeUsec = n
		case "mem":
			rec.MemoryBytes = n
		}
	}

	if !scanner.Scan() {
		return rec, fmt.Errorf("metarecord: missing verdict block")
	}
	k, v, err := splitLine(scanner.Text())
	if err != nil {
		return rec, err
	}
	switch k {
	case "signal":
		if v == "SIGSYS" {
			rec.Verdict.Kind = exitcause.KindSyscall
			if !scanner.Scan() {
				return rec, fmt.Errorf("metarecord: SIGSYS verdict missing syscall line")
			}
			sk, sv, err := splitLine(scanner.Text())
			if err != nil {
				return rec, err
			}
			if sk != "syscall" {
				return rec, fmt.Errorf("metarecord: expected syscall line after signal:SIGSYS, got %q", sk)
			}
			if strings.HasPrefix(sv, "#") {
				nr, err := strconv.Atoi(sv[1:])
				if err != nil {
					return rec, fmt.Errorf("metarecord: syscall: %w", err)
				}
				rec.Verdict.SyscallNr = nr
			} else {
				rec.Verdict.SyscallName = sv
			}
		} else {
			rec.Verdict.Kind = exitcause.KindSignal
			rec.Verdict.SignalName = v
		}
	case "signal_number":
		n, err := strconv.Atoi(v)
		if err != nil {
			return rec, fmt.Errorf("metarecord: signal_number: %w", err)
		}
		rec.Verdict.Kind = exitcause.KindSignal
		rec.Verdict.SignalNr = n
	case "status":
		n, err := strconv.Atoi(v)
		if err != nil {
			return rec, fmt.Errorf("metarecord: status: %w", err)
		}
		rec.Verdict.Kind = exitcause.KindStatus
		rec.Verdict.Status = n
	default:
		return rec, fmt.Errorf("metarecord: unexpected verdict key %q", k)
	}

	if scanner.Scan() {
		return rec, fmt.Errorf("metarecord: unexpected trailing line %q", scanner.Text())
	}
	return rec, scanner.Err()
}

func splitLine(line string) (key, value string, err error) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("metarecord: malformed line %q", line)
	}
	return line[:idx], line[idx+1:], nil
}
