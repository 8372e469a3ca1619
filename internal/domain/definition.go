package domain

import (
	"encoding/json"
	"time"
)

type StateType string

const (
	StateTypeTask    StateType = "Task"
	StateTypeChoice  StateType = "Choice"
	StateTypeWait    StateType = "Wait"
	StateTypeSuccess StateType = "Success"
	StateTypeFail    StateType = "Fail"
)

// Definition is the parsed, read-only state graph of one workflow version.
type Definition struct {
	Name    string
	Version string
	StartAt string
	States  map[string]State
}

// State is the tagged variant for a single state definition. Each state
// type is its own concrete struct; StateType reports which one it is.
type State interface {
	StateType() StateType
	// NextState returns the statically declared successor, or "" for
	// terminal and Choice states.
	NextState() string
}

type TaskState struct {
	Resource       string
	Next           string
	TimeoutSeconds *int
	// Retry and Catch are accepted and stored but not enforced; failures
	// are terminal to the execution.
	Retry json.RawMessage
	Catch json.RawMessage
}

func (s *TaskState) StateType() StateType { return StateTypeTask }
func (s *TaskState) NextState() string    { return s.Next }

type Condition struct {
	Operator string      `json:"operator"`
	Variable string      `json:"variable"`
	Value    interface{} `json:"value"`
}

type Choice struct {
	Condition Condition `json:"condition"`
	Next      string    `json:"next"`
}

type ChoiceState struct {
	Choices       []Choice
	DefaultChoice string
}

func (s *ChoiceState) StateType() StateType { return StateTypeChoice }
func (s *ChoiceState) NextState() string    { return "" }

type WaitState struct {
	Seconds   *int
	Timestamp *time.Time
	Next      string
}

func (s *WaitState) StateType() StateType { return StateTypeWait }
func (s *WaitState) NextState() string    { return s.Next }

// RunAfter computes the instant the wait elapses, relative to now.
func (s *WaitState) RunAfter(now time.Time) time.Time {
	if s.Seconds != nil {
		return now.Add(time.Duration(*s.Seconds) * time.Second)
	}
	return *s.Timestamp
}

type SuccessState struct{}

func (s *SuccessState) StateType() StateType { return StateTypeSuccess }
func (s *SuccessState) NextState() string    { return "" }

type FailState struct {
	Error string
	Cause string
}

func (s *FailState) StateType() StateType { return StateTypeFail }
func (s *FailState) NextState() string    { return "" }

type rawState struct {
	Type          string          `json:"type"`
	Next          string          `json:"next"`
	Resource      string          `json:"resource"`
	Timeout       *int            `json:"timeout"`
	Retry         json.RawMessage `json:"retry"`
	Catch         json.RawMessage `json:"catch"`
	Choices       []Choice        `json:"choices"`
	DefaultChoice string          `json:"defaultChoice"`
	Seconds       *int            `json:"seconds"`
	Timestamp     *string         `json:"timestamp"`
	Error         string          `json:"error"`
	Cause         string          `json:"cause"`
}

type rawDefinition struct {
	Name    string              `json:"name"`
	Version string              `json:"version"`
	StartAt string              `json:"startAt"`
	States  map[string]rawState `json:"states"`
}

// ParseDefinition parses stored definition JSON into a validated state
// graph. Any structural problem is reported as a DefinitionError, which is
// fatal to the execution interpreting it.
func ParseDefinition(definitionJSON []byte) (*Definition, error) {
	var raw rawDefinition
	if err := json.Unmarshal(definitionJSON, &raw); err != nil {
		return nil, NewDefinitionError("malformed JSON: %v", err)
	}

	def := &Definition{
		Name:    raw.Name,
		Version: raw.Version,
		StartAt: raw.StartAt,
		States:  make(map[string]State, len(raw.States)),
	}

	for name, rs := range raw.States {
		state, err := buildState(name, rs)
		if err != nil {
			return nil, err
		}
		def.States[name] = state
	}

	if err := def.validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func buildState(name string, rs rawState) (State, error) {
	switch StateType(rs.Type) {
	case StateTypeTask:
		if rs.Resource == "" {
			return nil, NewDefinitionError("Task state %q has no resource", name)
		}
		if rs.Next == "" {
			return nil, NewDefinitionError("Task state %q has no next state", name)
		}
		return &TaskState{
			Resource:       rs.Resource,
			Next:           rs.Next,
			TimeoutSeconds: rs.Timeout,
			Retry:          rs.Retry,
			Catch:          rs.Catch,
		}, nil
	case StateTypeChoice:
		return &ChoiceState{Choices: rs.Choices, DefaultChoice: rs.DefaultChoice}, nil
	case StateTypeWait:
		if rs.Next == "" {
			return nil, NewDefinitionError("Wait state %q has no next state", name)
		}
		ws := &WaitState{Seconds: rs.Seconds, Next: rs.Next}
		if rs.Timestamp != nil {
			ts, err := time.Parse(time.RFC3339, *rs.Timestamp)
			if err != nil {
				return nil, NewDefinitionError("Wait state %q has unparseable timestamp %q", name, *rs.Timestamp)
			}
			ws.Timestamp = &ts
		}
		return ws, nil
	case StateTypeSuccess:
		return &SuccessState{}, nil
	case StateTypeFail:
		return &FailState{Error: rs.Error, Cause: rs.Cause}, nil
	default:
		return nil, NewDefinitionError("state %q has unsupported type %q", name, rs.Type)
	}
}

func (d *Definition) validate() error {
	if len(d.States) == 0 {
		return NewDefinitionError("definition has no states")
	}
	if d.StartAt == "" {
		return NewDefinitionError("definition has no startAt")
	}
	if _, ok := d.States[d.StartAt]; !ok {
		return NewDefinitionError("startAt state %q does not exist", d.StartAt)
	}

	for name, state := range d.States {
		if next := state.NextState(); next != "" {
			if _, ok := d.States[next]; !ok {
				return NewDefinitionError("state %q targets missing state %q", name, next)
			}
		}
		switch s := state.(type) {
		case *ChoiceState:
			if len(s.Choices) == 0 && s.DefaultChoice == "" {
				return NewDefinitionError("Choice state %q has no choices and no defaultChoice", name)
			}
			for _, c := range s.Choices {
				if _, ok := d.States[c.Next]; !ok {
					return NewDefinitionError("Choice state %q targets missing state %q", name, c.Next)
				}
			}
			if s.DefaultChoice != "" {
				if _, ok := d.States[s.DefaultChoice]; !ok {
					return NewDefinitionError("Choice state %q default targets missing state %q", name, s.DefaultChoice)
				}
			}
		case *WaitState:
			if (s.Seconds == nil) == (s.Timestamp == nil) {
				return NewDefinitionError("Wait state %q must set exactly one of seconds or timestamp", name)
			}
		}
	}
	return nil
}

// StateTypeOf returns the type of the named state, defaulting to Task when
// the state is unknown.
func (d *Definition) StateTypeOf(name string) StateType {
	if s, ok := d.States[name]; ok {
		return s.StateType()
	}
	return StateTypeTask
}
