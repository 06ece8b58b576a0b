package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ScriptResolver resolves references in this order:
//   - "jq:<program>" and "sh:<program>" are inline programs
//   - names registered with Register
//   - files under the scripts directory, engine chosen by extension (.jq, .sh)
//
// Files are read on every call so edits take effect on the next run.
type ScriptResolver struct {
	mu      sync.RWMutex
	dir     string
	builtin map[string]Executable
}

func NewResolver(dir string) *ScriptResolver {
	return &ScriptResolver{dir: dir, builtin: map[string]Executable{}}
}

// Register binds a name to a Go-implemented Executable.
func (r *ScriptResolver) Register(name string, e Executable) {
	r.mu.Lock()
	r.builtin[name] = e
	r.mu.Unlock()
}

func (r *ScriptResolver) SetDir(dir string) {
	r.mu.Lock()
	r.dir = dir
	r.mu.Unlock()
}

func (r *ScriptResolver) Resolve(ref string) (Executable, error) {
	if src, ok := strings.CutPrefix(ref, "jq:"); ok {
		return jqScript{name: "inline.jq", src: src}, nil
	}
	if src, ok := strings.CutPrefix(ref, "sh:"); ok {
		return shellScript{name: "inline.sh", src: src}, nil
	}

	r.mu.RLock()
	e, ok := r.builtin[ref]
	dir := r.dir
	r.mu.RUnlock()
	if ok {
		return e, nil
	}
	if dir == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScript, ref)
	}

	// Reject anything that is not a plain relative path inside dir.
	if !filepath.IsLocal(ref) {
		return nil, fmt.Errorf("%w: script path %q escapes scripts dir", ErrDenied, ref)
	}
	b, err := os.ReadFile(filepath.Join(dir, ref))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownScript, ref)
		}
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(ref)) {
	case ".jq":
		return jqScript{name: ref, src: string(b)}, nil
	case ".sh":
		return shellScript{name: ref, src: string(b)}, nil
	default:
		return nil, fmt.Errorf("%w: no engine for %q", ErrUnknownScript, ref)
	}
}
