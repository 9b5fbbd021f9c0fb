package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Parse decodes a JSON flow definition.
// Malformed documents and unknown fields are reported as *domain.ValidationError.
func Parse(data []byte) (*domain.FlowDefinition, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &domain.ValidationError{Problems: []string{fmt.Sprintf("malformed json: %v", err)}}
	}
	return decode(raw)
}

// ParseYAML decodes a YAML flow definition with the same schema as Parse.
func ParseYAML(data []byte) (*domain.FlowDefinition, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &domain.ValidationError{Problems: []string{fmt.Sprintf("malformed yaml: %v", err)}}
	}
	return decode(raw)
}

// ParseFile picks the decoder from the file extension.
func ParseFile(path string) (*domain.FlowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return Parse(data)
	}
}

// LoadDir parses every *.json, *.yaml and *.yml file in dir, in name order.
func LoadDir(dir string) ([]*domain.FlowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read flows dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	defs := make([]*domain.FlowDefinition, 0, len(names))
	for _, name := range names {
		def, err := ParseFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func decode(raw map[string]any) (*domain.FlowDefinition, error) {
	var def domain.FlowDefinition
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		ErrorUnused: true,
		Result:      &def,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			durationHook,
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("build decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, &domain.ValidationError{FlowID: fmt.Sprint(raw["id"]), Problems: decodeProblems(err)}
	}
	def.Reindex()
	return &def, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// durationHook accepts "5s" style strings, or numbers as milliseconds.
func durationHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != durationType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return time.ParseDuration(v)
	case float64:
		return time.Duration(v * float64(time.Millisecond)), nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	}
	return data, nil
}

func decodeProblems(err error) []string {
	var merr *mapstructure.Error
	if !errors.As(err, &merr) {
		return []string{err.Error()}
	}
	return append([]string(nil), merr.Errors...)
}

// wireNode renders the timeout the way Parse reads it.
type wireNode struct {
	domain.Node
	Timeout string `json:"timeout,omitempty"`
}

// Encode renders def as JSON that Parse accepts, with durations as "5s" strings.
func Encode(def *domain.FlowDefinition) ([]byte, error) {
	nodes := make([]wireNode, len(def.Nodes))
	for i, n := range def.Nodes {
		nodes[i] = wireNode{Node: n}
		if n.Timeout > 0 {
			nodes[i].Timeout = n.Timeout.String()
		}
	}
	return json.Marshal(struct {
		*domain.FlowDefinition
		Nodes []wireNode `json:"nodes"`
	}{def, nodes})
}
