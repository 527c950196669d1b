package harness

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/voxfeld/tidepool/internal/wire"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for i, event := range e.Trace {
		switch event.Type {
		case "frame":
			fmt.Fprintf(&buf, "  [%d] frame %v %v\n", i+1, event.Frame["op"], event.Frame)
		case "delivery":
			fmt.Fprintf(&buf, "  [%d] delivery %s %v\n", i+1, event.Kind, event.Data)
		}
	}

	return buf.String()
}

// EvaluateAssertions runs every assertion against the result's trace,
// recording each failure on the result.
func EvaluateAssertions(result *Result, assertions []Assertion) {
	for _, assertion := range assertions {
		var err error
		switch assertion.Type {
		case AssertFrameSent:
			err = assertFrameSent(result.Trace, assertion)
		case AssertFrameOrder:
			err = assertFrameOrder(result.Trace, assertion)
		case AssertFrameCount:
			err = assertFrameCount(result.Trace, assertion)
		case AssertDelivered:
			err = assertDelivered(result.Trace, assertion)
		default:
			err = fmt.Errorf("unknown assertion type %q", assertion.Type)
		}
		if err != nil {
			result.AddError(err.Error())
		}
	}
}

// assertFrameSent checks that a frame with the op was sent, matching the
// expected fields (subset semantics).
func assertFrameSent(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Type != "frame" || event.Frame["op"] != assertion.Op {
			continue
		}
		if matchFields(event.Frame, assertion.Match) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertFrameSent,
		Expected: fmt.Sprintf("frame %s matching %v", assertion.Op, assertion.Match),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertFrameOrder checks that frames with the given ops appear in that
// relative order. Intervening frames are allowed, and each expected op
// consumes the earliest matching frame after the previous one.
func assertFrameOrder(trace []TraceEvent, assertion Assertion) error {
	pos := 0
	for _, want := range assertion.Ops {
		found := false
		for ; pos < len(trace); pos++ {
			if trace[pos].Type == "frame" && trace[pos].Frame["op"] == want {
				found = true
				pos++
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertFrameOrder,
				Expected: fmt.Sprintf("frames in order %v", assertion.Ops),
				Actual:   fmt.Sprintf("no %s frame after position %d", want, pos),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertFrameCount checks that exactly Count frames with the op were sent.
func assertFrameCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == "frame" && event.Frame["op"] == assertion.Op {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertFrameCount,
			Expected: fmt.Sprintf("%d frames with op %s", assertion.Count, assertion.Op),
			Actual:   fmt.Sprintf("%d frames", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertDelivered checks that exactly Count deliveries of the kind were
// made.
func assertDelivered(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == "delivery" && event.Kind == assertion.Kind {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertDelivered,
			Expected: fmt.Sprintf("%d deliveries of kind %s", assertion.Count, assertion.Kind),
			Actual:   fmt.Sprintf("%d deliveries", count),
			Trace:    trace,
		}
	}
	return nil
}

// matchFields compares expected fields against actual ones by canonical
// JSON equality, so YAML integers match JSON numbers. Subset semantics:
// only listed fields are compared.
func matchFields(actual map[string]any, expected map[string]any) bool {
	for key, want := range expected {
		got, ok := actual[key]
		if !ok {
			return false
		}
		if !canonicalEqual(got, want) {
			return false
		}
	}
	return true
}

func canonicalEqual(a, b any) bool {
	ca, errA := wire.Canonicalize(a)
	cb, errB := wire.Canonicalize(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}
