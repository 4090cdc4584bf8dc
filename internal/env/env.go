// Package env composes the environment handed to the server and to the
// update command: the manager's own environment overlaid with "K=V" entries
// from the config, with ${VAR} references expanded.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

type Env struct {
	Var Var // overrides applied on top of the base
	env Var // cached base, normally the OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = parse(os.Environ())
}

// FromList uses kvs as the base instead of the OS environment.
func (e *Env) FromList(kvs []string) {
	e.env = parse(kvs)
}

func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Merge returns base, then e.Var, then extra ("K=V"), in sorted "K=V" form.
// Each layer's values may reference ${VAR} from the layers below it, so
// PATH=/opt/bin:${PATH} extends the inherited value. Unknown references are
// left as-is.
func (e *Env) Merge(extra []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(extra))
	for k, v := range e.env {
		m[k] = v
	}
	overlay(m, e.Var)
	overlay(m, parse(extra))

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func overlay(m, layer Var) {
	below := make(Var, len(m))
	for k, v := range m {
		below[k] = v
	}
	for k, v := range layer {
		if k != "" {
			m[k] = expand(v, below)
		}
	}
}

// Merge is New().Merge(extra) over the OS environment.
func Merge(extra []string) []string {
	return New().Merge(extra)
}

// Expand replaces ${VAR} in s using the OS environment overlaid with extra.
func Expand(s string, extra []string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	m := parse(os.Environ())
	for k, v := range parse(extra) {
		m[k] = v
	}
	return expand(s, m)
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

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
