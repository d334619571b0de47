// SPDX-License-Identifier: AGPL-3.0-or-later
package executor

import (
	"os"
	"strings"
)

// Env is an ordered set of KEY=VALUE bindings built for a single invocation.
// It never touches the environment of the current process.
type Env struct {
	vars []string
}

// NewEnv returns an environment seeded from the host. With inherit set every
// host variable is carried over; otherwise only PATH is.
func NewEnv(inherit bool) *Env {
	e := &Env{}
	if inherit {
		for _, kv := range os.Environ() {
			key, val, ok := strings.Cut(kv, "=")
			if !ok || key == "" {
				continue
			}
			e.vars = upsertEnv(e.vars, key, val)
		}
		return e
	}
	if path := os.Getenv("PATH"); path != "" {
		e.vars = upsertEnv(e.vars, "PATH", path)
	}
	return e
}

// Set binds key to value, replacing any existing binding.
func (e *Env) Set(key, value string) *Env {
	e.vars = upsertEnv(e.vars, key, value)
	return e
}

// SetNonEmpty binds key only when value is not empty.
func (e *Env) SetNonEmpty(key, value string) *Env {
	if value == "" {
		return e
	}
	return e.Set(key, value)
}

// Lookup returns the value bound to key.
func (e *Env) Lookup(key string) (string, bool) {
	prefix := key + "="
	for _, kv := range e.vars {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):], true
		}
	}
	return "", false
}

// Clone returns an independent copy.
func (e *Env) Clone() *Env {
	if e == nil {
		return &Env{}
	}
	return &Env{vars: append([]string(nil), e.vars...)}
}

// Environ returns the bindings in exec.Cmd form.
func (e *Env) Environ() []string {
	if e == nil {
		return []string{}
	}
	return append([]string{}, e.vars...)
}

func upsertEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
