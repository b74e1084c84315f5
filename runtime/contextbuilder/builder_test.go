package contextbuilder

import (
	"testing"

	"goa.design/cascade/runtime/cascade"
	"goa.design/cascade/runtime/echo"
	"github.com/stretchr/testify/require"
)

func TestBuildNilSpecIsCleanSlate(t *testing.T) {
	e := echo.New(echo.RunnerState{SessionID: "s1"}, nil)
	msgs, err := Build(nil, e, []string{"A", "B"}, Options{})
	require.NoError(t, err)
	require.Empty(t, msgs, "phase without a context block must receive no prior-phase messages")
}

func TestBuildOutputFromNamedPhase(t *testing.T) {
	e := echo.New(echo.RunnerState{SessionID: "s1"}, nil)
	e.AddLineage(echo.LineageEntry{Phase: "A", Output: "hello"})

	spec := &cascade.ContextSpec{From: []cascade.ContextSource{{Source: "A", Include: []string{"output"}}}}
	msgs, err := Build(spec, e, []string{"A", "B"}, Options{CurrentPhase: "B"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0].Text(), "hello")
}

func TestResolveSourceNamesAll(t *testing.T) {
	names := resolveSourceNames("all", []string{"A", "B", "C"}, nil, "C")
	require.Equal(t, []string{"A", "B"}, names)
}

func TestResolveSourceNamesPrevious(t *testing.T) {
	names := resolveSourceNames("previous", []string{"A", "B", "C"}, nil, "C")
	require.Equal(t, []string{"B"}, names)
}
