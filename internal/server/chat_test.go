package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/mnemohq/mnemo/pkg/provider/llm"
	"github.com/mnemohq/mnemo/pkg/types"
)

// gateThenExtract configures the extraction provider to pass the gate and
// return one memory from the structured call. The two stages are told apart
// by their token budgets.
func gateThenExtract(f *fixture, memoryContent string) {
	f.extraction.CompleteFn = func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if req.MaxTokens <= 100 {
			return &llm.CompletionResponse{
				Content:      `{"should_extract": true, "reason": "durable fact"}`,
				FinishReason: "stop",
			}, nil
		}
		return &llm.CompletionResponse{
			Content: `{"memories": [{"content": "` + memoryContent + `"}], "entities": [], "relations": []}`,
			FinishReason: "stop",
		}, nil
	}
}

func TestChatCompletionsUnary(t *testing.T) {
	f := newFixture(t)
	// Similarity stays under the 0.85 dedup threshold so the extracted
	// memory is not skipped as a near-duplicate.
	f.seedMemory(t, "alice", "plays the cello", 0.7)
	gateThenExtract(f, "is learning Go")

	raw := json.RawMessage(`{"id":"cmpl-1","object":"chat.completion","choices":[]}`)
	f.chat.CompleteResponse = &llm.CompletionResponse{Content: "Nice!", FinishReason: "stop", Raw: raw}

	rec := f.do(t, "POST", "/v1/chat/completions",
		`{"model": "alice/gpt-9", "messages": [{"role": "user", "content": "any hobby tips?"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if rec.Body.String() != string(raw) {
		t.Errorf("body = %q, want upstream raw response verbatim", rec.Body)
	}

	calls := f.chat.Calls()
	if len(calls) != 1 || calls[0].Method != "Complete" {
		t.Fatalf("chat calls = %+v", calls)
	}
	req := calls[0].Args[0].(llm.CompletionRequest)
	if req.Model != "gpt-9" {
		t.Errorf("upstream model = %q, want persona prefix stripped", req.Model)
	}
	if req.Messages[0].Role != "system" {
		t.Fatalf("messages[0].Role = %q, want injected system turn", req.Messages[0].Role)
	}
	sys := req.Messages[0].Content
	for _, want := range []string{"Be kind.", "<memory_context>", "<content>plays the cello</content>"} {
		if !strings.Contains(sys, want) {
			t.Errorf("system turn missing %q:\n%s", want, sys)
		}
	}
	if last := req.Messages[len(req.Messages)-1]; last.Role != "user" || last.Content != "any hobby tips?" {
		t.Errorf("last message = %+v", last)
	}

	ev := f.waitExtract(t)
	if ev.err != nil {
		t.Fatalf("extraction error: %v", ev.err)
	}
	if ev.personaID != "alice" || ev.res.Saved != 1 {
		t.Errorf("extraction = persona %q res %+v, want 1 saved for alice", ev.personaID, ev.res)
	}
	// The completed turn, assistant reply included, feeds the prompts.
	extCalls := f.extraction.Calls()
	if len(extCalls) != 2 {
		t.Fatalf("%d extraction calls, want gate + extract", len(extCalls))
	}
	gatePrompt := extCalls[0].Args[0].(llm.CompletionRequest).Messages[0].Content
	if !strings.Contains(gatePrompt, "assistant: Nice!") {
		t.Errorf("gate prompt missing assistant reply:\n%s", gatePrompt)
	}
	// The memories injected this turn reach the gate as well.
	if !strings.Contains(gatePrompt, "1. plays the cello") {
		t.Errorf("gate prompt missing injected memory:\n%s", gatePrompt)
	}
}

func TestChatCompletionsSynthesizedResponse(t *testing.T) {
	f := newFixture(t)
	f.chat.CompleteResponse = &llm.CompletionResponse{Content: "made up", FinishReason: "stop"}

	rec := f.do(t, "POST", "/v1/chat/completions",
		`{"model": "alice", "messages": [{"role": "user", "content": "hi"}], "memory_config": {"auto_save": false}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var body struct {
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Object != "chat.completion" || len(body.Choices) != 1 {
		t.Fatalf("body = %+v", body)
	}
	if c := body.Choices[0]; c.Message.Content != "made up" || c.FinishReason != "stop" {
		t.Errorf("choice = %+v", c)
	}
}

func TestChatCompletionsValidation(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(t, "POST", "/v1/chat/completions", `{"model": "alice", "messages": []}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty messages: status = %d, want 400", rec.Code)
	}
	if rec := f.do(t, "POST", "/v1/chat/completions", `{"model": "", "messages": [{"role": "user", "content": "x"}]}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty model: status = %d, want 400", rec.Code)
	}
	if rec := f.do(t, "POST", "/v1/chat/completions", `{"model": "ghost", "messages": [{"role": "user", "content": "x"}]}`); rec.Code != http.StatusNotFound {
		t.Errorf("unknown persona: status = %d, want 404", rec.Code)
	}
}

func TestChatCompletionsStreaming(t *testing.T) {
	f := newFixture(t)
	gateThenExtract(f, "streams a lot")

	f.chat.StreamChunks = []llm.Chunk{
		{Text: "Hello ", Raw: json.RawMessage(`{"choices":[{"delta":{"content":"Hello "}}]}`)},
		{Text: "world", Raw: json.RawMessage(`{"choices":[{"delta":{"content":"world"}}]}`)},
		{FinishReason: "stop", Raw: json.RawMessage(`{"choices":[{"delta":{},"finish_reason":"stop"}]}`)},
	}

	rec := f.do(t, "POST", "/v1/chat/completions",
		`{"model": "alice", "messages": [{"role": "user", "content": "greet me"}], "stream": true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	want := "data: {\"choices\":[{\"delta\":{\"content\":\"Hello \"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"world\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n" +
		"data: [DONE]\n\n"
	if rec.Body.String() != want {
		t.Errorf("stream body:\n%q\nwant:\n%q", rec.Body, want)
	}

	ev := f.waitExtract(t)
	if ev.err != nil || ev.res.Saved != 1 {
		t.Fatalf("extraction = %+v err %v", ev.res, ev.err)
	}
	gatePrompt := f.extraction.Calls()[0].Args[0].(llm.CompletionRequest).Messages[0].Content
	if !strings.Contains(gatePrompt, "assistant: Hello world") {
		t.Errorf("assembled assistant text missing from gate prompt:\n%s", gatePrompt)
	}
}

func TestChatCompletionsStreamMidFlightError(t *testing.T) {
	f := newFixture(t)

	f.chat.StreamChunks = []llm.Chunk{
		{Text: "partial", Raw: json.RawMessage(`{"choices":[{"delta":{"content":"partial"}}]}`)},
		{FinishReason: "error", Text: "upstream reset"},
	}

	rec := f.do(t, "POST", "/v1/chat/completions",
		`{"model": "alice", "messages": [{"role": "user", "content": "go"}], "stream": true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"content":"partial"`) {
		t.Errorf("partial chunk missing from body %q", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("stream not terminated with [DONE]: %q", body)
	}

	// The broken turn still reaches the dispatcher but is gated before any
	// extraction call is made.
	ev := f.waitExtract(t)
	if ev.err != nil || !ev.res.Gated {
		t.Errorf("extraction = %+v err %v, want gated", ev.res, ev.err)
	}
	if n := f.extraction.CallCount("Complete"); n != 0 {
		t.Errorf("%d extraction LM calls after mid-stream error, want 0", n)
	}
}

func TestChatCompletionsToolCallTurnIsGated(t *testing.T) {
	f := newFixture(t)
	f.chat.CompleteResponse = &llm.CompletionResponse{
		FinishReason: "tool_calls",
		ToolCalls:    []types.ToolCall{{ID: "call_1", Name: "save_memory", Arguments: `{}`}},
	}

	rec := f.do(t, "POST", "/v1/chat/completions",
		`{"model": "alice", "messages": [{"role": "user", "content": "remember this"}], "tools": [{"type": "function", "function": {"name": "save_memory"}}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	req := f.chat.Calls()[0].Args[0].(llm.CompletionRequest)
	if len(req.Tools) != 1 || req.Tools[0].Name != "save_memory" {
		t.Errorf("forwarded tools = %+v", req.Tools)
	}

	ev := f.waitExtract(t)
	if ev.err != nil || !ev.res.Gated {
		t.Errorf("extraction = %+v err %v, want gated tool-call turn", ev.res, ev.err)
	}
	if n := f.extraction.CallCount("Complete"); n != 0 {
		t.Errorf("%d extraction LM calls on tool-call turn, want 0", n)
	}
}

func TestChatCompletionsMemoryConfigOverrides(t *testing.T) {
	t.Run("enabled false still extracts when auto_save true", func(t *testing.T) {
		f := newFixture(t)
		f.seedMemory(t, "alice", "secret fact", 0.7)
		gateThenExtract(f, "new fact")

		rec := f.do(t, "POST", "/v1/chat/completions",
			`{"model": "alice", "messages": [{"role": "user", "content": "hi"}], "memory_config": {"enabled": false, "auto_save": true}}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}

		req := f.chat.Calls()[0].Args[0].(llm.CompletionRequest)
		if strings.Contains(req.Messages[0].Content, "<memory_context>") {
			t.Errorf("memory block injected despite enabled=false:\n%s", req.Messages[0].Content)
		}
		if n := f.vectors.CallCount("Search"); n != 0 {
			t.Errorf("%d vector searches with injection disabled, want 0", n)
		}
		if ev := f.waitExtract(t); ev.err != nil || ev.res.Saved != 1 {
			t.Errorf("extraction = %+v err %v, want it to run", ev.res, ev.err)
		}
	})

	t.Run("auto_save false suppresses extraction", func(t *testing.T) {
		f := newFixture(t)

		rec := f.do(t, "POST", "/v1/chat/completions",
			`{"model": "alice", "messages": [{"role": "user", "content": "hi"}], "memory_config": {"auto_save": false}}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		f.expectNoExtract(t)
	})

	t.Run("max_memories zero skips retrieval but keeps persona prompt", func(t *testing.T) {
		f := newFixture(t)
		f.seedMemory(t, "alice", "should not appear", 0.99)

		rec := f.do(t, "POST", "/v1/chat/completions",
			`{"model": "alice", "messages": [{"role": "user", "content": "hi"}], "memory_config": {"auto_save": false, "max_memories": 0}}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}

		req := f.chat.Calls()[0].Args[0].(llm.CompletionRequest)
		if req.Messages[0].Role != "system" || !strings.Contains(req.Messages[0].Content, "Be kind.") {
			t.Errorf("persona prompt dropped: %+v", req.Messages[0])
		}
		if strings.Contains(req.Messages[0].Content, "<memory_context>") {
			t.Errorf("memory block injected with max_memories=0")
		}
		if n := f.vectors.CallCount("Search"); n != 0 {
			t.Errorf("%d vector searches with max_memories=0, want 0", n)
		}
	})
}

func TestChatCompletionsMessagesInjectionMode(t *testing.T) {
	f := newFixture(t)
	f.seedMemory(t, "alice", "rides a bike", 0.9)

	rec := f.do(t, "POST", "/v1/chat/completions",
		`{"model": "alice", "messages": [{"role": "user", "content": "earlier"}, {"role": "assistant", "content": "noted"}, {"role": "user", "content": "transport?"}], "memory_config": {"auto_save": false, "injection_mode": "messages"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	req := f.chat.Calls()[0].Args[0].(llm.CompletionRequest)
	// The memory leads the conversation as its own system turn, ahead of the
	// persona system turn and the whole history.
	first := req.Messages[0]
	if first.Role != "system" || !strings.Contains(first.Content, "rides a bike") {
		t.Errorf("messages[0] = %+v, want leading memory turn", first)
	}
	if strings.Contains(first.Content, "<memory_context>") {
		t.Errorf("messages mode should not render the XML block: %q", first.Content)
	}
	if sys := req.Messages[1]; sys.Role != "system" || !strings.Contains(sys.Content, "Be kind.") {
		t.Errorf("messages[1] = %+v, want persona system turn", sys)
	}
	if last := req.Messages[len(req.Messages)-1]; last.Content != "transport?" {
		t.Errorf("last message = %+v", last)
	}
}

func TestLegacyCompletions(t *testing.T) {
	f := newFixture(t)
	f.chat.CompleteResponse = &llm.CompletionResponse{Content: "four", FinishReason: "stop"}

	rec := f.do(t, "POST", "/v1/completions", `{"model": "alice/gpt-9", "prompt": "2+2?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var body struct {
		Object  string `json:"object"`
		Choices []struct {
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Object != "text_completion" || len(body.Choices) != 1 || body.Choices[0].Text != "four" {
		t.Errorf("body = %+v", body)
	}

	req := f.chat.Calls()[0].Args[0].(llm.CompletionRequest)
	if req.Model != "gpt-9" || req.Messages[0].Content != "2+2?" {
		t.Errorf("upstream request = %+v", req)
	}
	// No memory pipeline on the legacy endpoint.
	f.expectNoExtract(t)
	if n := f.vectors.CallCount("Search"); n != 0 {
		t.Errorf("%d vector searches on legacy endpoint, want 0", n)
	}

	rec = f.do(t, "POST", "/v1/completions", `{"model": "alice", "prompt": ["a", "b"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("array prompt: status = %d", rec.Code)
	}
	req = f.chat.Calls()[1].Args[0].(llm.CompletionRequest)
	if req.Messages[0].Content != "a\nb" {
		t.Errorf("joined prompt = %q", req.Messages[0].Content)
	}

	if rec := f.do(t, "POST", "/v1/completions", `{"model": "alice", "prompt": 42}`); rec.Code != http.StatusBadRequest {
		t.Errorf("numeric prompt: status = %d, want 400", rec.Code)
	}
}
