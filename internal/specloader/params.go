// SPDX-License-Identifier: AGPL-3.0-or-later
package specloader

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"
)

// Kind selects how a raw parameter value is parsed.
type Kind int

const (
	// KindString is a single trimmed string.
	KindString Kind = iota
	// KindCommand is a command line split with shell quoting rules.
	KindCommand
	// KindPathList is a comma separated list of paths.
	KindPathList
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindCommand:
		return "command"
	case KindPathList:
		return "path-list"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Verifier validates a parsed value, which is a string or a []string.
type Verifier func(value any) error

// Param describes one accepted spec parameter.
type Param struct {
	Kind   Kind
	Verify Verifier
	Help   string
}

// ParamError reports an invalid or missing parameter.
type ParamError struct {
	Param string
	Msg   string
}

func (e *ParamError) Error() string { return fmt.Sprintf("parameter %s: %s", e.Param, e.Msg) }

func parseValue(kind Kind, raw rawValue) (any, error) {
	switch kind {
	case KindString:
		if raw.list != nil {
			return nil, errors.New("expected a single value, got a list")
		}
		return strings.TrimSpace(raw.scalar), nil
	case KindCommand:
		if raw.list != nil {
			return append([]string(nil), raw.list...), nil
		}
		args, err := shellquote.Split(raw.scalar)
		if err != nil {
			return nil, fmt.Errorf("split command line: %w", err)
		}
		return args, nil
	case KindPathList:
		items := raw.list
		if items == nil {
			items = strings.Split(raw.scalar, ",")
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported parameter kind %s", kind)
	}
}

// Any accepts every value.
func Any(any) error { return nil }

// NonEmpty rejects empty strings and lists.
func NonEmpty(v any) error {
	switch tv := v.(type) {
	case string:
		if tv == "" {
			return errors.New("must not be empty")
		}
	case []string:
		if len(tv) == 0 {
			return errors.New("must not be empty")
		}
	}
	return nil
}

// NoNUL rejects strings containing NUL bytes.
func NoNUL(v any) error {
	s, _ := v.(string)
	if s == "" {
		return errors.New("must not be empty")
	}
	if strings.ContainsRune(s, 0) {
		return errors.New("must not contain NUL bytes")
	}
	return nil
}

// IsDir requires an existing directory.
func IsDir(v any) error {
	s, _ := v.(string)
	info, err := os.Stat(s)
	if err != nil {
		return fmt.Errorf("%q is not accessible: %w", s, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%q is not a directory", s)
	}
	return nil
}

// Executable requires the first argument to be an executable regular file.
func Executable(v any) error {
	args, _ := v.([]string)
	if len(args) == 0 {
		return errors.New("must name an executable")
	}
	info, err := os.Stat(args[0])
	if err != nil {
		return fmt.Errorf("%q is not accessible: %w", args[0], err)
	}
	if !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%q is not an executable file", args[0])
	}
	return nil
}

// Command requires the first argument to resolve to an executable, either
// directly or through PATH.
func Command(v any) error {
	args, _ := v.([]string)
	if len(args) == 0 {
		return errors.New("must name a command")
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return fmt.Errorf("%q is not executable: %w", args[0], err)
	}
	return nil
}
