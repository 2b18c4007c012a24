package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/custodian/internal/entity"
	"github.com/roach88/custodian/internal/protocol"
)

// Scenario is one scripted coordinator run.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario checks.
	Description string `yaml:"description"`

	// Entity selects the identity (testutil.ID(Entity)). Defaults to 1.
	Entity int `yaml:"entity,omitempty"`

	// Steps run in order after the coordinator starts.
	Steps []Step `yaml:"steps"`

	// Expect is checked after the last step.
	Expect Expectation `yaml:"expect"`
}

// Step is exactly one of Respond, Persist, Remove or Tell.
type Step struct {
	// Respond answers a command: "success", "absent", "failure" or a
	// response kind name such as "update_success".
	Respond string `yaml:"respond,omitempty"`

	// Entity is the response payload. Successes default to the command's
	// entity.
	Entity map[string]any `yaml:"entity,omitempty"`

	// Cause is the failure cause. Defaults to "failure".
	Cause string `yaml:"cause,omitempty"`

	// To answers command To (0-based) instead of the latest one.
	To *int `yaml:"to,omitempty"`

	// Persist delivers a request to store this document.
	Persist map[string]any `yaml:"persist,omitempty"`

	// Remove delivers a request to remove the document.
	Remove bool `yaml:"remove,omitempty"`

	// Tell delivers a plain message.
	Tell string `yaml:"tell,omitempty"`
}

// Expectation describes the coordinator after the last step. Unset fields
// are not checked.
type Expectation struct {
	State    string         `yaml:"state,omitempty"`
	Present  *bool          `yaml:"present,omitempty"`
	Entity   map[string]any `yaml:"entity,omitempty"`
	Pending  *int           `yaml:"pending,omitempty"`
	Buffered *int           `yaml:"buffered,omitempty"`
	Commands []string       `yaml:"commands,omitempty"`
}

const (
	respondSuccess = "success"
	respondAbsent  = "absent"
	respondFailure = "failure"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if s.Entity == 0 {
		s.Entity = 1
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Entity < 0 {
		return fmt.Errorf("entity must be positive")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, name := range s.Expect.Commands {
		if _, err := parseCommandKind(name); err != nil {
			return fmt.Errorf("expect.commands[%d]: %w", i, err)
		}
	}
	if s.Expect.Entity != nil {
		if _, err := toDocument(s.Expect.Entity); err != nil {
			return fmt.Errorf("expect.entity: %w", err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	actions := 0
	if step.Respond != "" {
		actions++
	}
	if step.Persist != nil {
		actions++
	}
	if step.Remove {
		actions++
	}
	if step.Tell != "" {
		actions++
	}
	if actions != 1 {
		return fmt.Errorf("exactly one of respond, persist, remove or tell is required")
	}

	if step.Respond == "" && (step.Entity != nil || step.Cause != "" || step.To != nil) {
		return fmt.Errorf("entity, cause and to are only valid with respond")
	}
	if step.To != nil && *step.To < 0 {
		return fmt.Errorf("to must be non-negative")
	}

	switch step.Respond {
	case "", respondSuccess, respondAbsent, respondFailure:
	default:
		if _, err := protocol.ParseResponseKind(step.Respond); err != nil {
			return err
		}
	}

	if step.Entity != nil {
		if _, err := toDocument(step.Entity); err != nil {
			return fmt.Errorf("entity: %w", err)
		}
	}
	if step.Persist != nil {
		if _, err := toDocument(step.Persist); err != nil {
			return fmt.Errorf("persist: %w", err)
		}
	}
	return nil
}

func parseCommandKind(name string) (protocol.CommandKind, error) {
	for _, k := range []protocol.CommandKind{protocol.Recover, protocol.Create, protocol.Update, protocol.Remove} {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown command %q", name)
}

// toDocument converts decoded YAML into a document.
func toDocument(m map[string]any) (entity.Document, error) {
	v, err := entity.FromGo(m)
	if err != nil {
		return nil, err
	}
	doc, ok := v.(entity.Document)
	if !ok {
		return nil, fmt.Errorf("expected an object, got %T", v)
	}
	return doc, nil
}
