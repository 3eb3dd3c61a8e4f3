package scenario

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ahrdadan/pagecheck/internal/browser"
)

// Action names a step primitive.
type Action string

const (
	ActionNavigate      Action = "navigate"
	ActionSettle        Action = "settle"
	ActionClick         Action = "click"
	ActionFill          Action = "fill"
	ActionCheck         Action = "check"
	ActionUncheck       Action = "uncheck"
	ActionPress         Action = "press"
	ActionAssertVisible Action = "assert_visible"
	ActionWaitVisible   Action = "wait_visible"
	ActionWaitFor       Action = "wait_for"
	ActionCapture       Action = "capture"
)

// Scenario is an ordered list of steps run against one page.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name" json:"name"`

	// Description explains what the scenario verifies.
	Description string `yaml:"description" json:"description"`

	Steps []Step `yaml:"steps" json:"steps"`
}

// Step is a single action. Which fields apply depends on Action.
type Step struct {
	Action Action `yaml:"action" json:"action"`

	// Target overrides the run's page for navigate.
	Target string `yaml:"target,omitempty" json:"target,omitempty"`

	Selector  string   `yaml:"selector,omitempty" json:"selector,omitempty"`
	Selectors []string `yaml:"selectors,omitempty" json:"selectors,omitempty"`
	Value     string   `yaml:"value,omitempty" json:"value,omitempty"`
	Key       string   `yaml:"key,omitempty" json:"key,omitempty"`

	Duration Duration `yaml:"duration,omitempty" json:"duration,omitempty"`

	// Until is the condition a settle step waits for in poll mode.
	Until string `yaml:"until,omitempty" json:"until,omitempty"`

	Predicate string   `yaml:"predicate,omitempty" json:"predicate,omitempty"`
	Timeout   Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Describe returns the step's subject for logs and traces.
func (s Step) Describe() string {
	switch s.Action {
	case ActionNavigate:
		return s.Target
	case ActionSettle:
		return s.Duration.String()
	case ActionPress:
		sel := s.Selector
		if sel == "" {
			sel = "body"
		}
		return sel + " " + s.Key
	case ActionAssertVisible:
		return strings.Join(s.selectors(), ", ")
	case ActionWaitFor:
		return s.Predicate
	case ActionCapture:
		return ""
	default:
		return s.Selector
	}
}

// Duration is a time.Duration written in YAML as "500ms" or as integer milliseconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var ms int64
	if err := value.Decode(&ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string or milliseconds", value.Line)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// MarshalText renders d for JSON.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// LoadScenario reads and parses a scenario YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a scenario, rejecting unknown fields, and validates it.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&sc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := Validate(&sc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

// Validate checks required fields per action.
func Validate(sc *Scenario) error {
	if sc.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(sc.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range sc.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d] (%s): %w", i, step.Action, err)
		}
	}
	return nil
}

func validateStep(s Step) error {
	if s.Duration < 0 || s.Timeout < 0 {
		return fmt.Errorf("durations must be non-negative")
	}

	switch s.Action {
	case "":
		return fmt.Errorf("action is required")
	case ActionNavigate, ActionCapture:
	case ActionSettle:
		if s.Duration == 0 {
			return fmt.Errorf("duration is required")
		}
	case ActionClick, ActionFill, ActionCheck, ActionUncheck, ActionWaitVisible:
		if s.Selector == "" {
			return fmt.Errorf("selector is required")
		}
	case ActionPress:
		if s.Key == "" {
			return fmt.Errorf("key is required")
		}
		if _, err := browser.ParseKey(s.Key); err != nil {
			return err
		}
	case ActionAssertVisible:
		if len(s.Selectors) == 0 && s.Selector == "" {
			return fmt.Errorf("selectors list is required")
		}
	case ActionWaitFor:
		if s.Predicate == "" {
			return fmt.Errorf("predicate is required")
		}
	default:
		return fmt.Errorf("unknown action %q", s.Action)
	}
	return nil
}

// selectors returns every selector an assert_visible step names.
func (s Step) selectors() []string {
	if s.Selector == "" {
		return s.Selectors
	}
	return append([]string{s.Selector}, s.Selectors...)
}
