// Package scripthost sandboxes evaluation of controller-supplied monitor
// and action scripts (spec §4.I). Every call gets a fresh goja.Runtime —
// never reused across invocations — so there is no shared mutable state
// between evaluations.
package scripthost

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/shirou/gopsutil/v4/host"

	"github.com/agentmesh/agent-core/internal/errs"
)

// Defaults named in spec §4.I.
const (
	DefaultTimeout       = 5 * time.Second
	DefaultMemoryCeiling = 128 * 1024 * 1024
	MaxCommandOutput     = 1 << 20
	MaxCommandTimeout    = 30 * time.Second
	memorySamplePeriod   = 10 * time.Millisecond
)

// commandDenylist is the hard refusal list from spec §4.I plus a few
// destructive patterns, expressed as regexes rather than plain substrings
// so extra whitespace can't dodge them. `rm -rf`/`rm -fr` (with any target)
// and `dd if=` are refused outright; other flag spellings such as
// `rm -r -f` are not matched.
var commandDenylist = compileDenylist([]string{
	`rm\s+-[a-z]*(rf|fr)`,
	`dd\s+if=`,
	`rm\s+-rf\s+/$`,
	`rm\s+-rf\s+/\*`,
	`rm\s+-rf\s+/(home|etc|usr|var|boot|root|bin|sbin|lib|opt)($|\s|/)`,
	`rm\s+--no-preserve-root`,
	`mkfs`,
	`dd\s+.*of=/dev/`,
	`>\s*/dev/(sd|nvme)`,
	`^shutdown(\s|$)`,
	`^reboot(\s|$)`,
	`^init\s+0`,
	`^poweroff(\s|$)`,
	`^halt(\s|$)`,
	`chmod\s+-?R?\s*777`,
	`chown\s+-R\s+.*:.*\s+/`,
	`curl.*\|\s*(ba)?sh`,
	`wget.*\|\s*(ba)?sh`,
	`:\(\)\s*{\s*:\s*\|\s*:`,
	`>\s*/var/log/`,
	`del\s+/s`,
	`format\s+[a-z]:`,
})

func compileDenylist(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

// Result is the outcome of one evaluation.
type Result struct {
	Value any
	Logs  []string
}

// Recorder observes evaluation outcomes for metrics; optional, nil-safe.
type Recorder interface {
	RecordScriptEvaluation(result string)
}

// Evaluator runs controller-supplied scripts under wall-clock and
// best-effort memory caps.
type Evaluator struct {
	Timeout       time.Duration
	MemoryCeiling int64
	AllowedRoots  []string
	Recorder      Recorder
}

// New builds an Evaluator with spec-default caps and the allowlisted
// root directories named in §4.I.
func New() *Evaluator {
	roots := []string{"/tmp", "/var/log"}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		roots = append(roots, home)
	}
	roots = append(roots, os.TempDir())

	return &Evaluator{
		Timeout:       DefaultTimeout,
		MemoryCeiling: DefaultMemoryCeiling,
		AllowedRoots:  roots,
	}
}

// Evaluate compiles and runs source with args bound as the "args" global,
// returning the script's exported return value or a typed failure.
func (e *Evaluator) Evaluate(ctx context.Context, source string, args map[string]any) (Result, error) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	vm := goja.New()
	vm.SetMaxCallStackSize(256)

	var logs []string
	if err := attachCapabilities(vm, &logs, e, args); err != nil {
		return Result{}, classify(err)
	}

	stop := make(chan struct{})
	defer close(stop)

	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	memStop := make(chan struct{})
	defer close(memStop)
	go watchMemory(vm, e.memoryCeilingOrDefault(), memStop)

	val, err := vm.RunString(source)
	if err != nil {
		e.record("error")
		return Result{Logs: logs}, classify(classifyTimeout(ctx, err))
	}

	e.record("ok")
	exported := val.Export()
	return Result{Value: exported, Logs: logs}, nil
}

func (e *Evaluator) record(result string) {
	if e.Recorder != nil {
		e.Recorder.RecordScriptEvaluation(result)
	}
}

func (e *Evaluator) memoryCeilingOrDefault() int64 {
	if e.MemoryCeiling <= 0 {
		return DefaultMemoryCeiling
	}
	return e.MemoryCeiling
}

// watchMemory samples runtime.MemStats deltas and interrupts vm if the
// script's allocation growth exceeds ceiling. This is a best-effort proxy:
// goja exposes no native heap cap, and MemStats reflects the whole
// process, not just this runtime, so it is documented as approximate.
func watchMemory(vm *goja.Runtime, ceiling int64, stop <-chan struct{}) {
	var base runtime.MemStats
	runtime.ReadMemStats(&base)

	ticker := time.NewTicker(memorySamplePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			var cur runtime.MemStats
			runtime.ReadMemStats(&cur)
			if int64(cur.HeapAlloc)-int64(base.HeapAlloc) > ceiling {
				vm.Interrupt(errs.ErrScriptMemory)
				return
			}
		}
	}
}

func classifyTimeout(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errs.ErrScriptTimeout
	}
	if interrupted, ok := err.(*goja.InterruptedError); ok {
		if v, ok := interrupted.Value().(error); ok && v == errs.ErrScriptMemory {
			return errs.ErrScriptMemory
		}
		return errs.ErrScriptTimeout
	}
	return err
}

// classify maps an evaluation error to a compact category (spec §4.I)
// derived from message keywords, and wraps it in ErrScriptRuntime unless
// it's already a typed sentinel.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch err {
	case errs.ErrScriptTimeout, errs.ErrScriptMemory:
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "denied"), strings.Contains(msg, "refused"):
		return fmt.Errorf("%w: %v [%s]", errs.ErrScriptRuntime, err, errs.CategoryPermissionDenied)
	case strings.Contains(msg, "not found"), strings.Contains(msg, "no such file"):
		return fmt.Errorf("%w: %v [%s]", errs.ErrScriptRuntime, err, errs.CategoryResourceNotFound)
	default:
		return fmt.Errorf("%w: %v [%s]", errs.ErrScriptRuntime, err, errs.CategoryUnknown)
	}
}

func attachCapabilities(vm *goja.Runtime, logs *[]string, e *Evaluator, args map[string]any) error {
	if err := vm.Set("args", args); err != nil {
		return err
	}
	if err := attachConsole(vm, logs); err != nil {
		return err
	}
	if err := attachIdentity(vm); err != nil {
		return err
	}
	if err := attachFS(vm, e.AllowedRoots); err != nil {
		return err
	}
	if err := attachExec(vm); err != nil {
		return err
	}
	return nil
}

func attachConsole(vm *goja.Runtime, logs *[]string) error {
	console := vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		*logs = append(*logs, strings.Join(parts, " "))
		return goja.Undefined()
	}
	for _, name := range []string{"log", "warn", "error"} {
		if err := console.Set(name, logFn); err != nil {
			return err
		}
	}
	return vm.Set("console", console)
}

func attachIdentity(vm *goja.Runtime) error {
	hostname, _ := os.Hostname()
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}

	info, err := host.Info()
	platform := ""
	if err == nil {
		platform = info.Platform
	}

	identity := vm.NewObject()
	_ = identity.Set("platform", platform)
	_ = identity.Set("arch", runtime.GOARCH)
	_ = identity.Set("hostname", hostname)
	_ = identity.Set("username", username)
	return vm.Set("system", identity)
}

func attachFS(vm *goja.Runtime, allowedRoots []string) error {
	fsObj := vm.NewObject()

	roots := make([]string, 0, len(allowedRoots))
	for _, root := range allowedRoots {
		if root == "" {
			continue
		}
		if abs, err := filepath.Abs(root); err == nil {
			roots = append(roots, filepath.Clean(abs))
		}
	}

	// allowed canonicalizes path before comparing, so "../" segments or a
	// sibling directory that merely shares a root's string prefix (e.g.
	// "/tmpXYZ/secret" against root "/tmp") can't pass.
	allowed := func(path string) bool {
		abs, err := filepath.Abs(path)
		if err != nil {
			return false
		}
		abs = filepath.Clean(abs)
		for _, root := range roots {
			if abs == root || strings.HasPrefix(abs, root+string(os.PathSeparator)) {
				return true
			}
		}
		return false
	}

	_ = fsObj.Set("exists", func(path string) bool {
		if !allowed(path) {
			return false
		}
		_, err := os.Stat(path)
		return err == nil
	})

	_ = fsObj.Set("readFile", func(path string) (string, error) {
		if !allowed(path) {
			return "", fmt.Errorf("permission denied: %s not under an allowed root", path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	})

	return vm.Set("fs", fsObj)
}

func attachExec(vm *goja.Runtime) error {
	execObj := vm.NewObject()

	_ = execObj.Set("run", func(call goja.FunctionCall) goja.Value {
		cmdline := call.Argument(0).String()
		timeoutMS := int64(5000)
		if len(call.Arguments) > 1 {
			timeoutMS = call.Argument(1).ToInteger()
		}

		result, err := runCommand(cmdline, time.Duration(timeoutMS)*time.Millisecond)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(result)
	})

	return vm.Set("exec", execObj)
}

func runCommand(cmdline string, timeout time.Duration) (string, error) {
	lowered := strings.ToLower(cmdline)
	for _, bad := range commandDenylist {
		if bad.MatchString(lowered) {
			return "", fmt.Errorf("permission denied: command matches denylisted pattern %q", bad.String())
		}
	}

	if timeout <= 0 || timeout > MaxCommandTimeout {
		timeout = MaxCommandTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, shellPath(), shellFlag(), cmdline)
	out, err := cmd.CombinedOutput()
	if len(out) > MaxCommandOutput {
		out = out[:MaxCommandOutput]
	}
	if err != nil {
		return string(out), err
	}
	return string(out), nil
}

func shellPath() string {
	if runtime.GOOS == "windows" {
		return "cmd"
	}
	return "/bin/sh"
}

func shellFlag() string {
	if runtime.GOOS == "windows" {
		return "/C"
	}
	return "-c"
}
