package cascade

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestSpeciesHashInvariantUnderModelAndMetadataProperty is the
// property-based form of spec §8 universal 7: species_hash is invariant
// under model and run-metadata changes across arbitrary instructions and
// turn/attempt configurations, not just the fixed examples in
// species_test.go.
func TestSpeciesHashInvariantUnderModelAndMetadataProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("species hash ignores model and turn/attempt normalization", prop.ForAll(
		func(instructions string, maxTurns, maxAttempts int, modelA, modelB string) bool {
			base := Phase{
				Name:         "p",
				Instructions: instructions,
				Rules:        Rules{MaxTurns: maxTurns, MaxAttempts: maxAttempts},
				Model:        modelA,
			}
			other := base
			other.Model = modelB

			return SpeciesHash(base) == SpeciesHash(other)
		},
		gen.AlphaString(),
		gen.IntRange(0, 5),
		gen.IntRange(0, 5),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestSpeciesHashChangesWithInstructionsProperty checks the complementary
// half of universal 7: whenever two instruction strings differ, the hash
// differs too, for arbitrary instruction text rather than one fixed pair.
func TestSpeciesHashChangesWithInstructionsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("differing instructions produce differing hashes", prop.ForAll(
		func(a, b string) bool {
			if a == b {
				return true
			}
			pa := Phase{Name: "p", Instructions: a}
			pb := Phase{Name: "p", Instructions: b}
			return SpeciesHash(pa) != SpeciesHash(pb)
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
