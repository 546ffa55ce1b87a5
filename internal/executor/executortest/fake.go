// Package executortest provides a scriptable in-memory Runner for tests.
package executortest

import (
	"context"
	"io/fs"
	"strings"

	"github.com/flo-mic/nvsync/internal/executor"
)

// Call records one operation issued against the fake.
type Call struct {
	Op     string // "run", "query", "write", "exists"
	Target executor.Target
	Argv   []string
	Path   string
	Data   []byte
	Mode   fs.FileMode
}

// Response is what the fake answers for a matching command.
type Response struct {
	Result executor.Result
	Err    error
}

// Fake is a Runner whose answers are scripted per command prefix. Commands
// without a script succeed with empty output. All operations are recorded
// in order so tests can assert sequences and dry-run non-mutation.
type Fake struct {
	Calls     []Call
	responses map[string]Response
	files     map[string]bool
}

// New returns an empty fake runner.
func New() *Fake {
	return &Fake{responses: make(map[string]Response), files: make(map[string]bool)}
}

// Script registers a response for any command whose joined argv starts with
// prefix on the given target.
func (f *Fake) Script(t executor.Target, prefix string, resp Response) {
	f.responses[t.String()+"|"+prefix] = resp
}

// Stdout is a shorthand for scripting a successful command with output.
func (f *Fake) Stdout(t executor.Target, prefix, stdout string) {
	f.Script(t, prefix, Response{Result: executor.Result{Stdout: stdout}})
}

// Fail is a shorthand for scripting a non-zero exit.
func (f *Fake) Fail(t executor.Target, prefix string, code int, stderr string) {
	argv := strings.Fields(prefix)
	f.Script(t, prefix, Response{
		Result: executor.Result{ExitCode: code, Stderr: stderr},
		Err:    &executor.ExitError{Argv: argv, Code: code, Stderr: stderr},
	})
}

// SetFile marks a path as present on the target for FileExists.
func (f *Fake) SetFile(t executor.Target, path string) {
	f.files[t.String()+"|"+path] = true
}

func (f *Fake) lookup(t executor.Target, argv []string) Response {
	joined := strings.Join(argv, " ")
	var best string
	var resp Response
	for key, r := range f.responses {
		prefix, ok := strings.CutPrefix(key, t.String()+"|")
		if !ok {
			continue
		}
		if strings.HasPrefix(joined, prefix) && len(prefix) > len(best) {
			best = prefix
			resp = r
		}
	}
	return resp
}

func (f *Fake) Run(ctx context.Context, t executor.Target, argv ...string) (executor.Result, error) {
	f.Calls = append(f.Calls, Call{Op: "run", Target: t, Argv: argv})
	r := f.lookup(t, argv)
	return r.Result, r.Err
}

func (f *Fake) Query(ctx context.Context, t executor.Target, argv ...string) (executor.Result, error) {
	f.Calls = append(f.Calls, Call{Op: "query", Target: t, Argv: argv})
	r := f.lookup(t, argv)
	return r.Result, r.Err
}

func (f *Fake) WriteFile(ctx context.Context, t executor.Target, path string, data []byte, mode fs.FileMode) error {
	f.Calls = append(f.Calls, Call{Op: "write", Target: t, Path: path, Data: data, Mode: mode})
	f.SetFile(t, path)
	return nil
}

func (f *Fake) FileExists(ctx context.Context, t executor.Target, path string) bool {
	f.Calls = append(f.Calls, Call{Op: "exists", Target: t, Path: path})
	return f.files[t.String()+"|"+path]
}

// Mutations returns the recorded mutating operations (run + write).
func (f *Fake) Mutations() []Call {
	var out []Call
	for _, c := range f.Calls {
		if c.Op == "run" || c.Op == "write" {
			out = append(out, c)
		}
	}
	return out
}
