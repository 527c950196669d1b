package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance test scenario.
// Scenarios drive the reactor through a linear script of client operations
// and server frames, then assert on the resulting trace.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Steps is the ordered script of actions to execute.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace.
	// Supported types: frame_sent, frame_order, frame_count, delivered.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scripted action. Action selects the behavior; the remaining
// fields parameterize it.
//
// Client actions:
//   - "start": open the connection
//   - "stop": shut the reactor down
//   - "subscribe-query": subscribe to Query with a recording listener
//   - "unsubscribe-query": drop the listener registered for Query
//   - "query-once": fetch Query once, recording the outcome as a delivery
//   - "transact": enqueue Steps and wait for the ack in the background
//   - "join-room": subscribe to presence in Room
//   - "leave-room": drop the presence subscription for Room
//   - "on-broadcast": subscribe to Topic broadcasts in Room
//   - "set-presence": publish Payload as local presence in Room
//   - "broadcast": send Payload on Topic in Room
//   - "set-online": toggle network availability to Online
//   - "advance": advance the manual scheduler by Ms milliseconds
//   - "flush": settle without doing anything else
//
// Server actions (delivered on the currently open socket):
//   - "server-open": open the most recently dialed socket
//   - "server-close": close the socket with Code and Reason
//   - "server-result": push a query-result for Query carrying Result
//   - "server-query-error": push a query-error for Query with Message
//   - "server-once-result": answer the oldest unanswered once request
//   - "server-once-error": reject the oldest unanswered once request
//   - "server-ack": ack the oldest unacked transact with TxID
//   - "server-mutation-error": reject the oldest unacked transact
//   - "server-room-joined": confirm the join for Room
//   - "server-room-left": notify that Room was left
//   - "server-presence-update": push Peers for Room
//   - "server-broadcast": push Payload on Topic in Room
type Step struct {
	Action string `yaml:"action"`

	Query   map[string]any `yaml:"query,omitempty"`
	Result  map[string]any `yaml:"result,omitempty"`
	Steps   []any          `yaml:"steps,omitempty"`
	TxID    int64          `yaml:"tx_id,omitempty"`
	Code    int            `yaml:"code,omitempty"`
	Reason  string         `yaml:"reason,omitempty"`
	Online  *bool          `yaml:"online,omitempty"`
	Room    string         `yaml:"room,omitempty"`
	Topic   string         `yaml:"topic,omitempty"`
	Payload any            `yaml:"payload,omitempty"`
	Peers   map[string]any `yaml:"peers,omitempty"`
	Ms      int64          `yaml:"ms,omitempty"`
	Message string         `yaml:"message,omitempty"`
}

// Assertion validates the trace after all steps ran.
type Assertion struct {
	// Type selects the assertion:
	//   - "frame_sent": a frame with Op was sent, matching Match (subset)
	//   - "frame_order": frames with Ops appear in that relative order
	//   - "frame_count": exactly Count frames with Op were sent
	//   - "delivered": exactly Count deliveries of Kind were made
	Type string `yaml:"type"`

	// Op is the client frame op (frame_sent, frame_order via Ops, frame_count).
	Op string `yaml:"op,omitempty"`

	// Match holds expected frame fields. Subset match: only listed fields
	// are compared, by canonical JSON equality.
	Match map[string]any `yaml:"match,omitempty"`

	// Ops is the expected frame op order (frame_order). Intervening frames
	// are allowed.
	Ops []string `yaml:"ops,omitempty"`

	// Count is the expected number of occurrences (frame_count, delivered).
	Count int `yaml:"count,omitempty"`

	// Kind is the delivery kind (delivered).
	Kind string `yaml:"kind,omitempty"`
}

// Assertion type constants.
const (
	AssertFrameSent  = "frame_sent"
	AssertFrameOrder = "frame_order"
	AssertFrameCount = "frame_count"
	AssertDelivered  = "delivered"
)

// knownActions is the closed set of step actions the runner understands.
var knownActions = map[string]bool{
	"start":                  true,
	"stop":                   true,
	"subscribe-query":        true,
	"unsubscribe-query":      true,
	"query-once":             true,
	"transact":               true,
	"join-room":              true,
	"leave-room":             true,
	"on-broadcast":           true,
	"set-presence":           true,
	"broadcast":              true,
	"set-online":             true,
	"advance":                true,
	"flush":                  true,
	"server-open":            true,
	"server-close":           true,
	"server-result":          true,
	"server-query-error":     true,
	"server-once-result":     true,
	"server-once-error":      true,
	"server-ack":             true,
	"server-mutation-error":  true,
	"server-room-joined":     true,
	"server-room-left":       true,
	"server-presence-update": true,
	"server-broadcast":       true,
}

// queryActions are the actions whose Query field is required.
var queryActions = map[string]bool{
	"subscribe-query":    true,
	"unsubscribe-query":  true,
	"query-once":         true,
	"server-result":      true,
	"server-query-error": true,
	"server-once-result": true,
}

// roomActions are the actions whose Room field is required.
var roomActions = map[string]bool{
	"join-room":              true,
	"leave-room":             true,
	"on-broadcast":           true,
	"set-presence":           true,
	"broadcast":              true,
	"server-room-joined":     true,
	"server-room-left":       true,
	"server-presence-update": true,
	"server-broadcast":       true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed, contains
// unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML bytes with strict field validation
// (catches typos like "assertion:" vs "assertions:").
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if step.Action == "" {
			return fmt.Errorf("steps[%d]: action is required", i)
		}
		if !knownActions[step.Action] {
			return fmt.Errorf("steps[%d]: unknown action %q", i, step.Action)
		}
		if queryActions[step.Action] && step.Query == nil {
			return fmt.Errorf("steps[%d]: %s requires query", i, step.Action)
		}
		if roomActions[step.Action] && step.Room == "" {
			return fmt.Errorf("steps[%d]: %s requires room", i, step.Action)
		}
		switch step.Action {
		case "transact":
			if len(step.Steps) == 0 {
				return fmt.Errorf("steps[%d]: transact requires steps", i)
			}
		case "set-online":
			if step.Online == nil {
				return fmt.Errorf("steps[%d]: set-online requires online", i)
			}
		case "advance":
			if step.Ms <= 0 {
				return fmt.Errorf("steps[%d]: advance requires ms > 0", i)
			}
		case "on-broadcast", "broadcast", "server-broadcast":
			if step.Topic == "" {
				return fmt.Errorf("steps[%d]: %s requires topic", i, step.Action)
			}
		}
	}

	for i, a := range s.Assertions {
		switch a.Type {
		case AssertFrameSent, AssertFrameCount:
			if a.Op == "" {
				return fmt.Errorf("assertions[%d]: %s requires op", i, a.Type)
			}
		case AssertFrameOrder:
			if len(a.Ops) == 0 {
				return fmt.Errorf("assertions[%d]: frame_order requires ops", i)
			}
		case AssertDelivered:
			if a.Kind == "" {
				return fmt.Errorf("assertions[%d]: delivered requires kind", i)
			}
		case "":
			return fmt.Errorf("assertions[%d]: type is required", i)
		default:
			return fmt.Errorf("assertions[%d]: unknown type %q", i, a.Type)
		}
	}

	return nil
}
