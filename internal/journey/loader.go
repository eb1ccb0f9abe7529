package journey

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ValidationError describes a definition file that failed schema validation.
// Index is -1 when the error is not tied to a list entry.
type ValidationError struct {
	File  string
	Index int
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("journey: ")
	if e.File != "" {
		fmt.Fprintf(&b, "%s: ", e.File)
	}
	if e.Index >= 0 {
		fmt.Fprintf(&b, "entry %d: ", e.Index)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, "field %q: ", e.Field)
	}
	b.WriteString(e.Msg)
	return b.String()
}

// journeyFile is the YAML schema for a single journey definition file.
type journeyFile struct {
	ID                   string           `yaml:"id"`
	Name                 string           `yaml:"name"`
	Description          string           `yaml:"description"`
	ActivationConditions string           `yaml:"activation_conditions"`
	InitialState         string           `yaml:"initial_state"`
	States               map[string]State `yaml:"states"`
	Transitions          []Transition     `yaml:"transitions"`
	Enabled              *bool            `yaml:"enabled"`
}

// LoadFile loads and validates one journey definition from a YAML file.
// An absent id is assigned a fresh UUID; the Postgres upsert is keyed by
// name, so definitions keep their identity across redeploys.
func LoadFile(path string) (*Journey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ValidationError{File: path, Index: -1, Msg: err.Error()}
	}
	defer f.Close()

	var raw journeyFile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, &ValidationError{File: path, Index: -1, Msg: fmt.Sprintf("invalid YAML: %v", err)}
	}

	if err := validateJourneyFile(path, &raw); err != nil {
		return nil, err
	}

	id := uuid.New()
	if raw.ID != "" {
		id, err = uuid.Parse(raw.ID)
		if err != nil {
			return nil, &ValidationError{File: path, Index: -1, Field: "id", Msg: fmt.Sprintf("not a UUID: %v", err)}
		}
	}

	j := &Journey{
		ID:                   id,
		Name:                 raw.Name,
		Description:          raw.Description,
		ActivationConditions: raw.ActivationConditions,
		InitialState:         raw.InitialState,
		States:               raw.States,
		Transitions:          raw.Transitions,
		Enabled:              raw.Enabled == nil || *raw.Enabled,
	}
	return j, nil
}

// validateJourneyFile checks the required fields and cross-references of a
// decoded journey file, reporting the first violation found.
func validateJourneyFile(path string, raw *journeyFile) error {
	if raw.Name == "" {
		return &ValidationError{File: path, Index: -1, Field: "name", Msg: "required"}
	}
	if raw.ActivationConditions == "" {
		return &ValidationError{File: path, Index: -1, Field: "activation_conditions", Msg: "required"}
	}
	if raw.InitialState == "" {
		return &ValidationError{File: path, Index: -1, Field: "initial_state", Msg: "required"}
	}
	if len(raw.States) == 0 {
		return &ValidationError{File: path, Index: -1, Field: "states", Msg: "must declare at least one state"}
	}
	if _, ok := raw.States[raw.InitialState]; !ok {
		return &ValidationError{File: path, Index: -1, Field: "initial_state",
			Msg: fmt.Sprintf("state %q not found in states", raw.InitialState)}
	}

	for key, s := range raw.States {
		if s.Name == "" {
			return &ValidationError{File: path, Index: -1, Field: "states." + key + ".name", Msg: "required"}
		}
		if s.Name != key {
			return &ValidationError{File: path, Index: -1, Field: "states." + key + ".name",
				Msg: fmt.Sprintf("key %q does not match name %q", key, s.Name)}
		}
		if s.Action == "" {
			return &ValidationError{File: path, Index: -1, Field: "states." + key + ".action", Msg: "required"}
		}
	}

	for i, t := range raw.Transitions {
		if t.FromState == "" {
			return &ValidationError{File: path, Index: i, Field: "from_state", Msg: "required"}
		}
		if t.ToState == "" {
			return &ValidationError{File: path, Index: i, Field: "to_state", Msg: "required"}
		}
		if t.Condition == "" {
			return &ValidationError{File: path, Index: i, Field: "condition", Msg: "required"}
		}
		if _, ok := raw.States[t.FromState]; !ok {
			return &ValidationError{File: path, Index: i, Field: "from_state",
				Msg: fmt.Sprintf("state %q not found in states", t.FromState)}
		}
		if _, ok := raw.States[t.ToState]; !ok {
			return &ValidationError{File: path, Index: i, Field: "to_state",
				Msg: fmt.Sprintf("state %q not found in states", t.ToState)}
		}
	}
	return nil
}

// LoadDir loads every .yaml/.yml file in dir, one journey per file, in
// lexical order. The first failure aborts the load. Journey names must be
// unique across the directory.
func LoadDir(dir string) ([]*Journey, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("journey: read dir %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	var journeys []*Journey
	seen := make(map[string]string)
	for _, p := range paths {
		j, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[j.Name]; ok {
			return nil, &ValidationError{File: p, Index: -1, Field: "name",
				Msg: fmt.Sprintf("journey %q already defined in %s", j.Name, prev)}
		}
		seen[j.Name] = p
		journeys = append(journeys, j)
	}
	return journeys, nil
}

// IsValidationError reports whether err is (or wraps) a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
