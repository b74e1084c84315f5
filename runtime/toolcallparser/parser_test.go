package toolcallparser

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFencedJSONToolEnvelope(t *testing.T) {
	content := "```json\n{\"tool\": \"search\", \"arguments\": {\"q\": \"go\"}}\n```"
	calls, err := Parse(content)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	require.Equal(t, "search", calls[0].Name)
	require.Equal(t, "go", calls[0].Arguments["q"])
}

func TestReActFormat(t *testing.T) {
	content := "Thought: I should search\nAction: search\nAction Input: {\"q\": \"weather\"}\nObservation: pending"
	calls, err := Parse(content)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	require.Equal(t, "search", calls[0].Name)
}

func TestInvokeTagWithParameters(t *testing.T) {
	content := `<invoke name="search"><parameter name="q">golang</parameter></invoke>`
	calls, err := Parse(content)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	require.Equal(t, "golang", calls[0].Arguments["q"])
}

func TestOpenAIWrapperFormat(t *testing.T) {
	content := `{"type":"function","function":{"name":"search","arguments":"{\"q\":\"go\"}"}}`
	calls, err := Parse(content)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	require.Equal(t, "search", calls[0].Name)
	require.Equal(t, "go", calls[0].Arguments["q"])
}

func TestGeminiFormat(t *testing.T) {
	content := `{"function_call":{"name":"search","args":{"q":"go"}}}`
	calls, err := Parse(content)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	require.Equal(t, "search", calls[0].Name)
}

func TestDeduplicatesIdenticalCallsAcrossFormats(t *testing.T) {
	content := "```json\n{\"tool\": \"search\", \"arguments\": {\"q\": \"go\"}}\n```\n" +
		`{"function_call":{"name":"search","args":{"q":"go"}}}`
	calls, err := Parse(content)
	require.NoError(t, err)
	require.Len(t, calls, 1, "identical (name, args) from two dialects must collapse to one call")
}

func TestMalformedJSONInFencedBlockReturnsError(t *testing.T) {
	content := "<tool_call>{\"name\": \"search\", \"arguments\": {bad json}</tool_call>"
	_, err := Parse(content)
	require.Error(t, err)
	var malformed *MalformedError
	require.ErrorAs(t, err, &malformed)
}

func TestFencedCodeBlockWithKnownLanguageIsNotATool(t *testing.T) {
	content := "```go\n{\"x\": 1}\n```"
	calls, err := Parse(content)
	require.NoError(t, err)
	require.Empty(t, calls)
}

func TestPlainProseProducesNoCalls(t *testing.T) {
	calls, err := Parse("The weather today is sunny with a light breeze.")
	require.NoError(t, err)
	require.Empty(t, calls)
}
