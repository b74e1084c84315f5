package cascaderunner

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/cascade/runtime/cascade"
	"goa.design/cascade/runtime/session"
)

// TestRunSessionDurabilityProperty is the property-based form of spec §8
// universal 2: for an arbitrary chain of N linear phases (each handing
// off to the next by name), once Run returns without error the session
// store reports one of {completed, error, cancelled} — never left queued,
// running, or blocked.
func TestRunSessionDurabilityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("session reaches a terminal status after Run returns", prop.ForAll(
		func(numPhases int) bool {
			names := make([]string, numPhases)
			responses := make([]string, numPhases)
			for i := range names {
				names[i] = fmt.Sprintf("phase-%d", i)
				responses[i] = fmt.Sprintf("output-%d", i)
			}

			phases := make([]cascade.Phase, numPhases)
			for i, name := range names {
				p := cascade.Phase{Name: name, Instructions: "do work"}
				if i+1 < numPhases {
					p.Handoffs = []cascade.Handoff{{Target: names[i+1]}}
				}
				phases[i] = p
			}

			store := session.NewMemoryStore()
			r := newTestRunner(sequencedAgent(t, responses...))
			r.Sessions = store

			c := &cascade.Cascade{CascadeID: "durability", Phases: phases}
			res, err := r.Run(context.Background(), c, Options{})
			if err != nil {
				return false
			}

			switch res.Status {
			case session.StatusCompleted, session.StatusError, session.StatusCancelled:
			default:
				return false
			}

			loaded, loadErr := store.Load(context.Background(), res.SessionID)
			if loadErr != nil {
				return false
			}
			return loaded.Status == res.Status
		},
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}
