// Package cgroup implements the cgroup manager of spec.md §4.1: creation,
// pid admission, sealing, memory-limit write and failcnt reconciliation
// across both cgroup v1 and v2 hierarchies. Adapted from the teacher's
// pkg/cgroup (a general N-controller builder covering cpu/cpuset/cpuacct/
// memory/pids) down to the two concrete shapes this supervisor needs: one
// unified v2 cgroup per invocation, or a memory+pids pair of v1 cgroups.
package cgroup

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Spec names the invocation a cgroup is being created for. ScriptBasename
// groups every invocation of the same judge script under one parent
// directory so v2's cgroup.subtree_control bootstrap only runs once per
// script; Invocation distinguishes concurrent runs of that script.
type Spec struct {
	ScriptBasename string
	Invocation     string
	MemoryLimit    int64 // bytes; 0 means unset
}

// Handle is a live cgroup the manager created. The zero value is not valid;
// obtain one from Create.
type Handle struct {
	typ Type

	// v2Path is the unified cgroup directory. Only set when typ == TypeV2.
	v2Path string

	// v1MemoryPath and v1PidsPath are the two parallel v1 controller
	// directories. Only set when typ == TypeV1.
	v1MemoryPath string
	v1PidsPath   string

	sealed bool
}

// Create makes the cgroup(s) for one invocation and writes the memory
// limit, per spec.md §4.1's two design rules. It does not admit any pid.
func Create(spec Spec) (*Handle, error) {
	if DetectType() == TypeV2 {
		return createV2(spec)
	}
	return createV1(spec)
}

func createV2(spec Spec) (*Handle, error) {
	scriptDir := filepath.Join(basePath, omegajailRoot, spec.ScriptBasename)
	if err := bootstrapV2Subtree(scriptDir); err != nil {
		return nil, fmt.Errorf("cgroup: bootstrap subtree %s: %w", scriptDir, err)
	}
	invocationDir := filepath.Join(scriptDir, spec.Invocation)
	if err := ensureDirExists(invocationDir); err != nil {
		return nil, fmt.Errorf("cgroup: mkdir %s: %w", invocationDir, err)
	}
	h := &Handle{typ: TypeV2, v2Path: invocationDir}
	if spec.MemoryLimit > 0 {
		if err := h.SetMemoryMax(spec.MemoryLimit); err != nil {
			h.Release()
			return nil, err
		}
	}
	return h, nil
}

// bootstrapV2Subtree creates the per-script parent directory (if absent)
// and enables the memory controller for its children, the step
// original_source/main.cpp's main() performs before any invocation cgroup
// exists: a v2 cgroup only gets memory accounting if its parent opted the
// controller into cgroup.subtree_control, so both the omegajail root and
// the per-script directory get "+memory". It runs on every Create; the
// write is idempotent.
func bootstrapV2Subtree(scriptDir string) error {
	root := filepath.Join(basePath, omegajailRoot)
	if err := ensureDirExists(root); err != nil {
		return err
	}
	if err := ensureDirExists(scriptDir); err != nil {
		return err
	}
	for _, dir := range []string{root, scriptDir} {
		if err := writeFile(filepath.Join(dir, cgroupSubtreeControl), []byte("+memory"), filePerm); err != nil {
			return err
		}
	}
	return nil
}

func createV1(spec Spec) (*Handle, error) {
	memoryPath := filepath.Join(basePath, memoryController, omegajailRoot, spec.ScriptBasename, spec.Invocation)
	pidsPath := filepath.Join(basePath, pidsController, omegajailRoot, spec.ScriptBasename, spec.Invocation)
	if err := ensureDirExists(memoryPath); err != nil {
		return nil, fmt.Errorf("cgroup: mkdir %s: %w", memoryPath, err)
	}
	if err := ensureDirExists(pidsPath); err != nil {
		return nil, fmt.Errorf("cgroup: mkdir %s: %w", pidsPath, err)
	}
	h := &Handle{typ: TypeV1, v1MemoryPath: memoryPath, v1PidsPath: pidsPath}
	if spec.MemoryLimit > 0 {
		if err := h.SetMemoryMax(spec.MemoryLimit); err != nil {
			h.Release()
			return nil, err
		}
	}
	return h, nil
}

// Admit writes pid into the cgroup(s): v2's cgroup.procs takes the "+<pid>"
// append form (matching original_source/main.cpp's "+2\n" convention), each
// v1 tasks file a bare line, per spec.md §4.1.
func (h *Handle) Admit(pid int) error {
	if h.typ == TypeV2 {
		return writeFile(filepath.Join(h.v2Path, cgroupProcs), []byte("+"+strconv.Itoa(pid)), filePerm)
	}
	for _, dir := range []string{h.v1MemoryPath, h.v1PidsPath} {
		if err := writeFile(filepath.Join(dir, tasksV1), []byte(strconv.Itoa(pid)+"\n"), filePerm); err != nil {
			return fmt.Errorf("cgroup: admit pid %d into %s: %w", pid, dir, err)
		}
	}
	return nil
}

// SetMemoryMax writes the memory limit file: memory.max for v2,
// memory.limit_in_bytes for v1.
func (h *Handle) SetMemoryMax(bytes int64) error {
	value := []byte(strconv.FormatInt(bytes, 10))
	if h.typ == TypeV2 {
		return writeFile(filepath.Join(h.v2Path, "memory.max"), value, filePerm)
	}
	return writeFile(filepath.Join(h.v1MemoryPath, "memory.limit_in_bytes"), value, filePerm)
}

// Seal chmods the admission and limit files to read-only so the admitted
// task (even carrying ambient capabilities) cannot relax its own limits,
// per spec.md §4.1's sealing rule.
func (h *Handle) Seal() error {
	var files []string
	if h.typ == TypeV2 {
		files = []string{
			filepath.Join(h.v2Path, cgroupProcs),
			filepath.Join(h.v2Path, "memory.max"),
		}
	} else {
		files = []string{
			filepath.Join(h.v1MemoryPath, tasksV1),
			filepath.Join(h.v1MemoryPath, "memory.limit_in_bytes"),
			filepath.Join(h.v1PidsPath, tasksV1),
		}
	}
	for _, f := range files {
		if err := chmodFile(f, sealedPerm); err != nil {
			return fmt.Errorf("cgroup: seal %s: %w", f, err)
		}
	}
	h.sealed = true
	return nil
}

// ReadFailcnt reads memory.failcnt, which only exists under v1. It reports
// 0, nil on v2 since the counter has no v2 equivalent; callers performing
// the v1-only memory reconciliation of spec.md §4.5 step 9 should check
// Type() first.
func (h *Handle) ReadFailcnt() (uint64, error) {
	if h.typ == TypeV2 {
		return 0, nil
	}
	b, err := readFile(filepath.Join(h.v1MemoryPath, "memory.failcnt"))
	if err != nil {
		return 0, fmt.Errorf("cgroup: read failcnt: %w", err)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cgroup: parse failcnt: %w", err)
	}
	return n, nil
}

// Type reports which hierarchy this handle belongs to.
func (h *Handle) Type() Type {
	return h.typ
}

// Release relinquishes the manager's ownership of the cgroup directories.
// On a handle that Seal succeeded on it is a no-op: the admitted task keeps
// the cgroup alive and the kernel reaps it once it empties, per spec.md
// §4.1's release rule. On a handle that was never sealed (including one that
// failed partway through Create) it removes the directories; that removal
// fails while a cgroup still holds tasks.
func (h *Handle) Release() error {
	if h.sealed {
		return nil
	}
	if h.typ == TypeV2 {
		return removeEmpty(h.v2Path)
	}
	var firstErr error
	if err := removeEmpty(h.v1MemoryPath); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := removeEmpty(h.v1PidsPath); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
