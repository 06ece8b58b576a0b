package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// shellScript interprets POSIX shell in-process. Only builtins run: external
// commands, file opens (other than /dev/null), directory reads and stats are
// denied, so globs, test -e and cd never reach the host. The working directory
// is an empty temp dir. Params are the whole environment. Stdout is the payload.
type shellScript struct {
	name string
	src  string
}

func (s shellScript) Execute(ctx context.Context, env *Env) ([]byte, error) {
	file, err := syntax.NewParser().Parse(strings.NewReader(s.src), s.name)
	if err != nil {
		return nil, fmt.Errorf("%s: parse: %w", s.name, err)
	}

	dir, err := os.MkdirTemp("", "livedash-sh-")
	if err != nil {
		return nil, fmt.Errorf("%s: workdir: %w", s.name, err)
	}
	defer os.RemoveAll(dir)

	stdout := &cappedBuffer{max: env.MaxOutput()}
	stderr := &cappedBuffer{max: 2048, truncate: true}

	runner, err := interp.New(
		interp.Env(expand.ListEnviron(env.Environ()...)),
		interp.Dir(dir),
		interp.StdIO(nil, stdout, stderr),
		interp.ExecHandlers(func(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
			return func(ctx context.Context, args []string) error {
				return env.Deny(fmt.Sprintf("external command %q", args[0]))
			}
		}),
		interp.OpenHandler(func(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
			if path == os.DevNull {
				return devNull{}, nil
			}
			return nil, env.Deny(fmt.Sprintf("open %q", path))
		}),
		interp.ReadDirHandler2(func(ctx context.Context, path string) ([]fs.DirEntry, error) {
			return nil, env.Deny(fmt.Sprintf("read dir %q", path))
		}),
		interp.StatHandler(func(ctx context.Context, name string, followSymlinks bool) (fs.FileInfo, error) {
			return nil, env.Deny(fmt.Sprintf("stat %q", name))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.name, err)
	}

	runErr := runner.Run(ctx, file)
	if stdout.exceeded {
		return nil, env.Deny(fmt.Sprintf("output exceeds %d bytes", env.MaxOutput()))
	}
	if runErr != nil {
		var status interp.ExitStatus
		if errors.As(runErr, &status) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = "no stderr"
			}
			return nil, fmt.Errorf("%s: exit status %d: %s", s.name, uint8(status), msg)
		}
		return nil, runErr
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return []byte("null"), nil
	}
	if json.Valid(out) {
		return out, nil
	}
	return json.Marshal(string(out))
}

// cappedBuffer stops accepting writes past max. With truncate set, excess is
// discarded silently; otherwise the write fails.
type cappedBuffer struct {
	bytes.Buffer
	max      int
	truncate bool
	exceeded bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.Len()
	if len(p) <= room {
		return b.Buffer.Write(p)
	}
	if b.truncate {
		if room > 0 {
			b.Buffer.Write(p[:room])
		}
		return len(p), nil
	}
	b.exceeded = true
	return 0, fmt.Errorf("%w: output limit", ErrDenied)
}

type devNull struct{}

func (devNull) Read([]byte) (int, error)    { return 0, io.EOF }
func (devNull) Write(p []byte) (int, error) { return len(p), nil }
func (devNull) Close() error                { return nil }
