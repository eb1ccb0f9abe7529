package guideline

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

// ValidationError reports a problem with one guideline in a definition file.
type ValidationError struct {
	// File is the path of the offending definition file.
	File string
	// Index is the zero-based position of the guideline in the file's list.
	Index int
	// Field names the offending field, empty for file-level problems.
	Field string
	// Msg describes the violation.
	Msg string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("guideline definition %s: %s", e.File, e.Msg)
	}
	return fmt.Sprintf("guideline definition %s: guidelines[%d].%s: %s", e.File, e.Index, e.Field, e.Msg)
}

// IsValidationError reports whether err is (or wraps) a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// guidelineEntry is the YAML schema of one guideline in a definition file.
// Journeys are referenced by name and resolved to ids at load time.
type guidelineEntry struct {
	ID          string   `yaml:"id"`
	Scope       string   `yaml:"scope"`
	JourneyName string   `yaml:"journey_name"`
	StateName   string   `yaml:"state_name"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Condition   string   `yaml:"condition"`
	Action      string   `yaml:"action"`
	Keywords    []string `yaml:"keywords"`
	Tools       []string `yaml:"tools"`
	Priority    int      `yaml:"priority"`
	Enabled     *bool    `yaml:"enabled"`
}

type guidelineFile struct {
	Guidelines []guidelineEntry `yaml:"guidelines"`
}

// LoadFile parses one guideline definition file. journeysByName resolves
// journey references; a reference to an unknown journey is a validation
// error. The first violation found is reported.
func LoadFile(path string, journeysByName map[string]uuid.UUID) ([]*Guideline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("guideline: read %s: %w", path, err)
	}

	var file guidelineFile
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, &ValidationError{File: path, Msg: fmt.Sprintf("invalid YAML: %v", err)}
	}
	if len(file.Guidelines) == 0 {
		return nil, &ValidationError{File: path, Msg: "no guidelines defined"}
	}

	out := make([]*Guideline, 0, len(file.Guidelines))
	for i, entry := range file.Guidelines {
		g, verr := buildGuideline(path, i, entry, journeysByName)
		if verr != nil {
			return nil, verr
		}
		out = append(out, g)
	}
	return out, nil
}

func buildGuideline(path string, index int, entry guidelineEntry, journeysByName map[string]uuid.UUID) (*Guideline, *ValidationError) {
	fail := func(field, msg string) *ValidationError {
		return &ValidationError{File: path, Index: index, Field: field, Msg: msg}
	}

	if entry.Name == "" {
		return nil, fail("name", "required")
	}
	if entry.Condition == "" {
		return nil, fail("condition", "required")
	}
	if entry.Action == "" {
		return nil, fail("action", "required")
	}

	scope := Scope(entry.Scope)
	switch scope {
	case ScopeGlobal:
		if entry.JourneyName != "" {
			return nil, fail("journey_name", "must be empty for GLOBAL scope")
		}
		if entry.StateName != "" {
			return nil, fail("state_name", "must be empty for GLOBAL scope")
		}
	case ScopeJourney:
		if entry.JourneyName == "" {
			return nil, fail("journey_name", "required for JOURNEY scope")
		}
		if entry.StateName != "" {
			return nil, fail("state_name", "must be empty for JOURNEY scope")
		}
	case ScopeState:
		if entry.JourneyName == "" {
			return nil, fail("journey_name", "required for STATE scope")
		}
		if entry.StateName == "" {
			return nil, fail("state_name", "required for STATE scope")
		}
	default:
		return nil, fail("scope", fmt.Sprintf("must be GLOBAL, JOURNEY, or STATE, got %q", entry.Scope))
	}

	var journeyID *uuid.UUID
	if entry.JourneyName != "" {
		id, ok := journeysByName[entry.JourneyName]
		if !ok {
			return nil, fail("journey_name", fmt.Sprintf("journey %q not found", entry.JourneyName))
		}
		journeyID = &id
	}

	id := uuid.New()
	if entry.ID != "" {
		parsed, err := uuid.Parse(entry.ID)
		if err != nil {
			return nil, fail("id", fmt.Sprintf("invalid UUID %q", entry.ID))
		}
		id = parsed
	}

	enabled := true
	if entry.Enabled != nil {
		enabled = *entry.Enabled
	}

	g := &Guideline{
		ID:          id,
		Scope:       scope,
		JourneyID:   journeyID,
		StateName:   entry.StateName,
		Name:        entry.Name,
		Description: entry.Description,
		Condition:   entry.Condition,
		Action:      entry.Action,
		Keywords:    entry.Keywords,
		Tools:       entry.Tools,
		Priority:    entry.Priority,
		Enabled:     enabled,
	}
	if err := g.Validate(); err != nil {
		return nil, fail("", err.Error())
	}
	return g, nil
}

// LoadDir loads every .yaml/.yml file in dir in lexical order. Guideline
// names must be unique across the whole directory. Loading aborts on the
// first invalid file.
func LoadDir(dir string, journeysByName map[string]uuid.UUID) ([]*Guideline, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("guideline: read dir %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)

	var out []*Guideline
	seen := make(map[string]string)
	for _, path := range files {
		loaded, err := LoadFile(path, journeysByName)
		if err != nil {
			return nil, err
		}
		for _, g := range loaded {
			if prev, ok := seen[g.Name]; ok {
				return nil, fmt.Errorf("guideline: %q in %s already defined in %s", g.Name, path, prev)
			}
			seen[g.Name] = path
			out = append(out, g)
		}
	}
	return out, nil
}
