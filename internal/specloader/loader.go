// SPDX-License-Identifier: AGPL-3.0-or-later

// Package specloader parses build spec files into validated metadata.
package specloader

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/flowd-org/molecule/internal/types"
)

// StrategyKey names the parameter selecting the build strategy.
const StrategyKey = "execution_strategy"

// ErrUnknownStrategy is returned when no strategy matches execution_strategy.
var ErrUnknownStrategy = errors.New("unknown execution strategy")

// Strategy describes the parameters a build strategy accepts.
type Strategy interface {
	Name() string
	Parameters() map[string]Param
	VitalParameters() []string
}

// Lookup resolves a strategy by name.
type Lookup func(name string) (Strategy, bool)

// Spec is a parsed and validated build spec.
type Spec struct {
	Path     string
	Name     string
	Strategy string
	Metadata types.Metadata
	Warnings []string
}

type rawValue struct {
	scalar string
	list   []string
	line   int
}

// Load reads and validates the spec at path.
func Load(path string, lookup Lookup) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open spec: %w", err)
	}
	spec, err := Parse(filepath.Base(path), data, lookup)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	spec.Path = path
	return spec, nil
}

// Parse validates spec content. name is used for diagnostics.
func Parse(name string, data []byte, lookup Lookup) (*Spec, error) {
	raw, err := decodeRaw(data)
	if err != nil {
		return nil, err
	}

	strategyRaw, ok := raw[StrategyKey]
	if !ok {
		return nil, &ParamError{Param: StrategyKey, Msg: "required"}
	}
	strategyName := strings.TrimSpace(strategyRaw.scalar)
	if strategyName == "" || strategyRaw.list != nil {
		return nil, &ParamError{Param: StrategyKey, Msg: "must name a strategy"}
	}
	strategy, ok := lookup(strategyName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategyName)
	}

	params := strategy.Parameters()
	values := make(map[string]any, len(raw))
	values[StrategyKey] = strategyName
	var warnings []string
	for _, key := range orderedKeys(raw) {
		if key == StrategyKey {
			continue
		}
		p, known := params[key]
		if !known {
			warnings = append(warnings, fmt.Sprintf("line %d: unknown parameter %q ignored", raw[key].line, key))
			continue
		}
		parsed, err := parseValue(p.Kind, raw[key])
		if err != nil {
			return nil, &ParamError{Param: key, Msg: err.Error()}
		}
		verify := p.Verify
		if verify == nil {
			verify = Any
		}
		if err := verify(parsed); err != nil {
			return nil, &ParamError{Param: key, Msg: err.Error()}
		}
		values[key] = parsed
	}

	for _, key := range strategy.VitalParameters() {
		if _, ok := values[key]; !ok {
			return nil, &ParamError{Param: key, Msg: "required"}
		}
	}

	md, err := types.NewMetadata(values)
	if err != nil {
		return nil, err
	}
	return &Spec{Name: name, Strategy: strategyName, Metadata: md, Warnings: warnings}, nil
}

func decodeRaw(data []byte) (map[string]rawValue, error) {
	var doc yaml.Node
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode spec: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, errors.New("decode spec: empty document")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("decode spec: line %d: expected a mapping of parameters", root.Line)
	}
	out := make(map[string]rawValue, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		keyNode, valNode := root.Content[i], root.Content[i+1]
		key := strings.TrimSpace(keyNode.Value)
		if _, dup := out[key]; dup {
			return nil, &ParamError{Param: key, Msg: fmt.Sprintf("line %d: duplicate parameter", keyNode.Line)}
		}
		rv := rawValue{line: keyNode.Line}
		switch valNode.Kind {
		case yaml.ScalarNode:
			rv.scalar = valNode.Value
		case yaml.SequenceNode:
			rv.list = make([]string, 0, len(valNode.Content))
			for _, item := range valNode.Content {
				if item.Kind != yaml.ScalarNode {
					return nil, &ParamError{Param: key, Msg: fmt.Sprintf("line %d: list items must be scalars", item.Line)}
				}
				rv.list = append(rv.list, item.Value)
			}
		default:
			return nil, &ParamError{Param: key, Msg: fmt.Sprintf("line %d: unsupported value", valNode.Line)}
		}
		out[key] = rv
	}
	return out, nil
}

func orderedKeys(raw map[string]rawValue) []string {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return raw[keys[i]].line < raw[keys[j]].line })
	return keys
}
