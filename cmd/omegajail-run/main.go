// Command omegajail-run is the CLI entry point for C4 of spec.md §4.3: it
// parses the invocation configuration, then dispatches to one of three
// bodies depending on which process in the jail/meta-init chain this
// invocation actually is. Adapted from the teacher's cmd/runprog/main_linux.go
// (flag-to-config wiring, fall-through to an internal run function) and its
// container.Init reexec-detection idiom, generalized to the three-deep
// reexec chain internal/jail and internal/metainit use.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/omegaup/omegajail-go/internal/jail"
	"github.com/omegaup/omegajail-go/internal/metainit"
	"github.com/omegaup/omegajail-go/internal/supervisor"
	"github.com/omegaup/omegajail-go/pkg/rlimit"
)

// A process re-exec'd by either internal/jail.Launch or internal/metainit's
// own internal fork must see exactly the flags its parent passed it on
// ReexecArgv/SelfArgv, so the flag set below is shared by all three
// dispatch paths rather than having separate parsers per path.
func main() {
	app := cli.NewApp()
	app.Name = "omegajail-run"
	app.Usage = "run a program inside the omegajail sandbox and report its resource usage"
	app.ArgsUsage = "-- program [args...]"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "chdir", Usage: "directory to chdir into before running the target"},
		cli.StringFlag{Name: "stdin", Usage: "path (or stdio socket) to redirect stdin from"},
		cli.StringFlag{Name: "stdout", Usage: "path (or stdio socket) to redirect stdout to"},
		cli.StringFlag{Name: "stderr", Usage: "path (or stdio socket) to redirect stderr to"},
		cli.StringFlag{Name: "meta", Usage: "path to write the meta record to"},
		cli.DurationFlag{Name: "time-limit", Usage: "CPU time limit (e.g. 1s)"},
		cli.DurationFlag{Name: "extra-wall-time-limit", Value: time.Second, Usage: "additional wall-clock grace period added on top of --time-limit"},
		cli.Int64Flag{Name: "memory-limit", Value: -1, Usage: "cgroup memory limit in bytes; zero or negative (the default -1) writes no limit"},
		cli.Int64Flag{Name: "vm-memory-size", Usage: "bytes to subtract from reported max-RSS to account for a managed runtime's own overhead"},
		cli.StringSliceFlag{Name: "rlimit", Usage: "a name=value soft resource limit, e.g. --rlimit nofile=64 (repeatable)"},
		cli.StringFlag{Name: "comm", Usage: "name reported via PR_SET_NAME"},
		cli.StringFlag{Name: "script-basename", Usage: "names the per-script parent cgroup each invocation's cgroup is created under; normally derived from the seccomp policy filename"},
		cli.BoolFlag{Name: "disable-sandboxing", Usage: "escape hatch: skip namespaces, keep meta-init as subreaper only"},
	}
	app.Action = run

	if err := app.Run(reexecSafeArgs()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// reexecSafeArgs strips the jail/meta-init reexec markers urfave/cli would
// otherwise choke on (they are not flags), leaving app.Action to inspect
// jail.IsReexecEntry/metainit.IsChildEntry itself once the real flags behind
// the marker(s) have been parsed normally. metainit.Run's own internal
// reexec (see internal/metainit.run) prepends its child marker in front of
// the jail reexec marker it inherited, so that path strips two tokens, not
// one.
func reexecSafeArgs() []string {
	if metainit.IsChildEntry() {
		return append([]string{os.Args[0]}, os.Args[3:]...)
	}
	if jail.IsReexecEntry() {
		return append([]string{os.Args[0]}, os.Args[2:]...)
	}
	return os.Args
}

func run(c *cli.Context) error {
	cfg, err := configFromContext(c)
	if err != nil {
		return err
	}

	log := newLogger()

	if metainit.IsChildEntry() {
		os.Exit(supervisor.RunMetaInitChild(cfg, log))
	}
	os.Exit(supervisor.Run(cfg))
	return nil
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	return log
}

func configFromContext(c *cli.Context) (*supervisor.Config, error) {
	args := c.Args()
	if len(args) == 0 {
		return nil, fmt.Errorf("omegajail-run: missing target program; usage: %s", c.App.ArgsUsage)
	}

	rlimits, err := rlimit.ParseAll(c.StringSlice("rlimit"))
	if err != nil {
		return nil, err
	}

	timeLimit := c.Duration("time-limit")
	wallTimeLimit := timeLimit + c.Duration("extra-wall-time-limit")
	if timeLimit > 0 {
		rlimits = append(rlimits, rlimit.CPULimit(timeLimit))
	}

	return &supervisor.Config{
		Bin:               args[0],
		Args:              args[1:],
		Chdir:             c.String("chdir"),
		Stdin:             c.String("stdin"),
		Stdout:            c.String("stdout"),
		Stderr:            c.String("stderr"),
		MetaPath:          c.String("meta"),
		WallTimeLimit:     wallTimeLimit,
		TimeLimit:         timeLimit,
		MemoryLimitBytes:  c.Int64("memory-limit"),
		VMOverheadBytes:   c.Int64("vm-memory-size"),
		RLimits:           rlimits,
		Comm:              c.String("comm"),
		ScriptBasename:    c.String("script-basename"),
		DisableSandboxing: c.Bool("disable-sandboxing"),
	}, nil
}
