package toolcallparser

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genToolIdent generates a non-empty alphabetic identifier suitable for a
// tool name or a string argument value; empty strings would make several
// of the recognized formats ambiguous with plain prose.
func genToolIdent() gopter.Gen {
	return gen.AlphaString().SuchThat(func(s string) bool { return len(s) > 0 })
}

// TestToolCallParserRoundTripsFencedJSONEnvelope is the property-based
// form of spec §8 universal 10 for the fenced JSON envelope dialect: any
// single (name, arg) pair round-trips through Parse unchanged.
func TestToolCallParserRoundTripsFencedJSONEnvelope(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("fenced JSON envelope round-trips name and args", prop.ForAll(
		func(name, argValue string) bool {
			content := fmt.Sprintf("```json\n{\"tool\": %q, \"arguments\": {\"q\": %q}}\n```", name, argValue)
			calls, err := Parse(content)
			if err != nil {
				return false
			}
			if len(calls) != 1 {
				return false
			}
			return calls[0].Name == name && calls[0].Arguments["q"] == argValue
		},
		genToolIdent(),
		genToolIdent(),
	))

	properties.TestingRun(t)
}

// TestToolCallParserRoundTripsGeminiFormat mirrors the same round-trip
// property for the function_call dialect, confirming the invariant holds
// across more than one of the nineteen recognized formats.
func TestToolCallParserRoundTripsGeminiFormat(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("function_call format round-trips name and args", prop.ForAll(
		func(name, argValue string) bool {
			content := fmt.Sprintf(`{"function_call":{"name":%q,"args":{"q":%q}}}`, name, argValue)
			calls, err := Parse(content)
			if err != nil {
				return false
			}
			if len(calls) != 1 {
				return false
			}
			return calls[0].Name == name && calls[0].Arguments["q"] == argValue
		},
		genToolIdent(),
		genToolIdent(),
	))

	properties.TestingRun(t)
}
