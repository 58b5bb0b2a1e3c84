package env

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Var maps variable names to values.
type Var map[string]string

// Env is the environment handed to receiver and decoder tools: an optional
// copy of the daemon's own environment, then values from env files, then
// explicit overrides.
type Env struct {
	Var Var
	os  Var
}

func New() *Env { return &Env{Var: make(Var)} }

// Load builds an Env from configuration. Later sources override earlier
// ones: OS environment (when useOS), each file in order, then vars.
func Load(useOS bool, files []string, vars []string) (*Env, error) {
	e := New()
	if useOS {
		e.os = parse(os.Environ())
	}
	for _, f := range files {
		m, err := ReadFile(f)
		if err != nil {
			return nil, err
		}
		for k, v := range m {
			e.Var[k] = v
		}
	}
	for k, v := range parse(vars) {
		e.Var[k] = v
	}
	return e, nil
}

func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Merge applies per-run overrides and expands ${VAR} references against
// the composed set. The result is sorted K=V pairs.
func (e *Env) Merge(perRun []string) []string {
	if e == nil {
		return append([]string(nil), perRun...)
	}
	m := make(Var, len(e.os)+len(e.Var)+len(perRun))
	for k, v := range e.os {
		m[k] = v
	}
	for k, v := range e.Var {
		m[k] = v
	}
	for k, v := range parse(perRun) {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// ReadFile parses a .env file of KEY=VALUE lines. Blank lines and lines
// starting with # are ignored.
func ReadFile(path string) (Var, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(Var)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// expand is a single pass; references are not resolved recursively.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	for k, v := range m {
		s = strings.ReplaceAll(s, "${"+k+"}", v)
	}
	return s
}
