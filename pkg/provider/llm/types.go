package llm

import "github.com/MrWong99/loquora/pkg/types"

// Usage holds token accounting reported by the LLM backend for one request.
// Counts are in the model's native token unit and may differ between providers
// for the same textual content.
type Usage struct {
	// InputTokens is the number of tokens consumed by the system prompt,
	// conversation history, and tool definitions. Drives billing and the
	// per-session token counters.
	InputTokens int

	// OutputTokens is the number of tokens generated in the response.
	OutputTokens int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages
// must be non-empty.
type CompletionRequest struct {
	// Model optionally overrides the provider's configured deployment for this
	// request. Agents carry their own model profiles, so a single provider
	// instance serves several deployments. Empty uses the provider default.
	Model string

	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []types.Message

	// Tools is the set of function/tool definitions offered to the model. The
	// model may choose to call one or more of them in its response.
	Tools []types.ToolDefinition

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// means use the provider default.
	Temperature float64

	// TopP is the nucleus sampling parameter. Zero means provider default.
	TopP float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int

	// SystemPrompt is an optional high-priority instruction injected before the
	// conversation history. Providers that do not natively support a dedicated
	// system prompt should prepend it as a "system"-role message.
	SystemPrompt string
}

// Chunk is a single fragment emitted by a streaming completion. Consumers must
// handle all fields; a single chunk may carry text, a finish signal, tool
// calls, or any combination thereof.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty if the
	// chunk carries only ToolCalls or a FinishReason.
	Text string

	// FinishReason is set on the final chunk and indicates why generation
	// stopped. Common values are "stop" (natural end), "length" (MaxTokens
	// reached), "tool_calls" (model wants to invoke tools), "error" (stream
	// failed after it opened; Text holds the message), and "" (non-final
	// chunk).
	FinishReason string

	// ToolCallStarted is set once, on the first chunk after the model begins
	// emitting a tool call. Arguments are still streaming at that point;
	// consumers use the marker to stop dispatching text (narration after a
	// tool call belongs to the tool's outcome, not the spoken reply).
	ToolCallStarted bool

	// ToolCalls contains complete tool invocations requested by the model.
	// Implementations accumulate streamed argument fragments by index and emit
	// the assembled calls on the final chunk.
	ToolCalls []types.ToolCall

	// Usage carries token accounting on the terminal chunk of a stream, nil
	// for all interim chunks and when the backend does not report usage.
	Usage *Usage

	// ResponseID is the backend's identifier for this completion, set on the
	// terminal chunk when reported. Used for log correlation.
	ResponseID string
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply. Empty when the model
	// responds exclusively with tool calls.
	Content string

	// ToolCalls lists all tool invocations requested by the model. The caller
	// is responsible for executing them and appending the results to the
	// conversation.
	ToolCalls []types.ToolCall

	// Usage contains token accounting for this request/response pair.
	Usage Usage

	// ResponseID is the backend's identifier for this completion, when
	// reported.
	ResponseID string
}
