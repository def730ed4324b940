package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mnemohq/mnemo/internal/inject"
	"github.com/mnemohq/mnemo/pkg/memory"
	"github.com/mnemohq/mnemo/pkg/provider/llm"
	"github.com/mnemohq/mnemo/pkg/types"
)

// memoryConfig carries the per-request overrides of the persisted
// memory_system settings. Each flag gates its own pipeline stage
// independently: enabled=false with auto_save=true skips injection but still
// extracts.
type memoryConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	AutoSave      *bool  `json:"auto_save,omitempty"`
	MaxMemories   *int   `json:"max_memories,omitempty"`
	InjectionMode string `json:"injection_mode,omitempty"`
}

// chatRequest is the OpenAI-compatible chat-completion request, extended with
// the memory_config block. Fields the proxy does not model are dropped here
// but survive in the upstream call only insofar as the provider re-encodes
// them; tool definitions are forwarded explicitly.
type chatRequest struct {
	Model       string          `json:"model"`
	Messages    []types.Message `json:"messages"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Tools       []chatTool      `json:"tools,omitempty"`

	MemoryConfig *memoryConfig `json:"memory_config,omitempty"`
}

// chatTool is the OpenAI wire shape for a tool definition.
type chatTool struct {
	Type     string               `json:"type"`
	Function types.ToolDefinition `json:"function"`
}

// splitModel parses the public model name "persona_id[/lm_model]". The first
// slash separates the halves; the upstream model may itself contain slashes
// ("alice/org/model" → persona "alice", model "org/model").
func splitModel(name string) (personaID, model string) {
	personaID, model, _ = strings.Cut(name, "/")
	return personaID, model
}

// turnPlan is the per-request resolution of the memory flags: persisted
// settings overlaid with the request's memory_config.
type turnPlan struct {
	inject        bool
	autoSave      bool
	maxMemories   int
	injectionMode string
}

func (s *Server) planTurn(ctx context.Context, mc *memoryConfig) turnPlan {
	sys, err := s.settings.MemorySystemSettings(ctx)
	if err != nil {
		s.logger.Warn("chat: memory_system settings unavailable, using defaults", "err", err)
	}

	plan := turnPlan{
		inject:        sys.Enabled,
		autoSave:      sys.Enabled && sys.AutoSave,
		maxMemories:   sys.MaxLongTerm,
		injectionMode: sys.InjectionMode,
	}
	if mc == nil {
		return plan
	}
	if mc.Enabled != nil {
		plan.inject = *mc.Enabled
	}
	if mc.AutoSave != nil {
		plan.autoSave = *mc.AutoSave
	}
	if mc.MaxMemories != nil {
		plan.maxMemories = *mc.MaxMemories
	}
	if mc.InjectionMode != "" {
		plan.injectionMode = mc.InjectionMode
	}
	return plan
}

// lastUserContent returns the content of the final user message, the query
// that retrieval runs against.
func lastUserContent(messages []types.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}
	personaID, upstreamModel := splitModel(req.Model)
	if personaID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "model must carry a persona id")
		return
	}

	ctx := r.Context()
	persona, err := s.manager.GetPersona(ctx, personaID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	plan := s.planTurn(ctx, req.MemoryConfig)

	// Retrieval and injection. Retrieval is fail-soft: an empty list means
	// the turn proceeds without memories. The retrieved set also feeds the
	// extraction gate, which declines facts the store already holds.
	outbound := req.Messages
	var injected []memory.Memory
	if plan.inject && plan.maxMemories != 0 {
		start := time.Now()
		memories, _ := s.retriever.Retrieve(ctx, personaID, lastUserContent(req.Messages), plan.maxMemories)
		s.metrics.RetrievalDuration.Record(ctx, time.Since(start).Seconds())
		injected = make([]memory.Memory, len(memories))
		for i, m := range memories {
			injected[i] = m.Memory
		}
		outbound = inject.Apply(req.Messages, persona.SystemPrompt, memories, plan.injectionMode)
	} else if persona.SystemPrompt != "" {
		outbound = inject.Apply(req.Messages, persona.SystemPrompt, nil, plan.injectionMode)
	}

	llmReq := llm.CompletionRequest{
		Messages:    outbound,
		Model:       upstreamModel,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, t := range req.Tools {
		llmReq.Tools = append(llmReq.Tools, t.Function)
	}

	if req.Stream {
		s.streamChat(w, r, personaID, req.Messages, injected, llmReq, plan)
		return
	}
	s.unaryChat(w, r, personaID, req.Messages, injected, llmReq, plan)
}

// unaryChat forwards a non-streaming completion and returns the provider's
// response verbatim when it supplied one.
func (s *Server) unaryChat(w http.ResponseWriter, r *http.Request, personaID string, original []types.Message, injected []memory.Memory, req llm.CompletionRequest, plan turnPlan) {
	ctx := r.Context()

	start := time.Now()
	resp, err := s.chat.Complete(ctx, req)
	s.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		s.metrics.RecordProviderError(ctx, "chat", "completion")
		s.logger.Error("chat: upstream completion failed", "persona", personaID, "err", err)
		writeError(w, http.StatusInternalServerError, "upstream_error", err.Error())
		return
	}
	s.metrics.RecordProviderRequest(ctx, "chat", "completion", "ok")

	if resp.Raw != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(resp.Raw)
	} else {
		writeJSON(w, http.StatusOK, synthesizeCompletion(req.Model, resp))
	}

	if plan.autoSave {
		s.dispatchExtraction(ctx, personaID, withAssistantReply(original, resp.Content), injected, resp.FinishReason)
	}
}

// streamChat proxies the upstream SSE stream chunk-by-chunk. Every raw chunk
// is forwarded byte-for-byte; the stream always terminates with
// "data: [DONE]".
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, personaID string, original []types.Message, injected []memory.Memory, req llm.CompletionRequest, plan turnPlan) {
	ctx := r.Context()

	chunks, err := s.chat.StreamCompletion(ctx, req)
	if err != nil {
		s.metrics.RecordProviderError(ctx, "chat", "stream")
		s.logger.Error("chat: upstream stream failed to start", "persona", personaID, "err", err)
		writeError(w, http.StatusInternalServerError, "upstream_error", err.Error())
		return
	}
	s.metrics.RecordProviderRequest(ctx, "chat", "stream", "ok")
	s.metrics.ActiveStreams.Add(ctx, 1)
	defer s.metrics.ActiveStreams.Add(ctx, -1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	var assistant strings.Builder
	finishReason := ""
	for chunk := range chunks {
		if chunk.FinishReason == "error" {
			// The client already holds a partial answer; all that is left is
			// to end the stream cleanly and skip extraction.
			s.logger.Error("chat: upstream stream failed mid-flight", "persona", personaID, "err", chunk.Text)
			finishReason = "error"
			break
		}
		assistant.WriteString(chunk.Text)
		if chunk.FinishReason != "" {
			finishReason = chunk.FinishReason
		}
		if chunk.Raw != nil {
			fmt.Fprintf(w, "data: %s\n\n", chunk.Raw)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}

	if plan.autoSave {
		s.dispatchExtraction(ctx, personaID, withAssistantReply(original, assistant.String()), injected, finishReason)
	}
}

// withAssistantReply appends the assistant's final text to a copy of the
// original conversation, giving extraction the completed turn.
func withAssistantReply(original []types.Message, reply string) []types.Message {
	out := make([]types.Message, len(original), len(original)+1)
	copy(out, original)
	if reply != "" {
		out = append(out, types.Message{Role: "assistant", Content: reply})
	}
	return out
}

// dispatchExtraction runs the post-turn pipeline on a context detached from
// the finished request. Failures degrade to logs; the response is already on
// the wire.
func (s *Server) dispatchExtraction(ctx context.Context, personaID string, messages []types.Message, injected []memory.Memory, finishReason string) {
	detached := context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(detached, extractionTimeout)
		defer cancel()

		start := time.Now()
		res, err := s.extractor.ProcessTurn(ctx, personaID, messages, injected, finishReason)
		s.metrics.ExtractionDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			s.logger.Error("chat: background extraction failed", "persona", personaID, "err", err)
		} else {
			s.metrics.RecordExtractionOutcome(ctx, "saved", int64(res.Saved))
			s.metrics.RecordExtractionOutcome(ctx, "skipped", int64(res.Skipped))
			if res.Gated {
				s.metrics.RecordExtractionOutcome(ctx, "gated", 1)
			}
		}
		if s.onExtract != nil {
			s.onExtract(personaID, res, err)
		}
	}()
}

// synthesizeCompletion builds an OpenAI-shaped unary response for providers
// that could not hand back their raw body.
func synthesizeCompletion(model string, resp *llm.CompletionResponse) map[string]any {
	msg := map[string]any{
		"role":    "assistant",
		"content": resp.Content,
	}
	if len(resp.ToolCalls) > 0 {
		calls := make([]map[string]any, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			calls = append(calls, map[string]any{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]any{
					"name":      tc.Name,
					"arguments": tc.Arguments,
				},
			})
		}
		msg["tool_calls"] = calls
	}
	return map[string]any{
		"object":  "chat.completion",
		"model":   model,
		"created": time.Now().Unix(),
		"choices": []map[string]any{{
			"index":         0,
			"message":       msg,
			"finish_reason": resp.FinishReason,
		}},
		"usage": resp.Usage,
	}
}

// completionRequest is the legacy text-completion request. The endpoint is a
// passthrough: no memory pipeline, just model-name translation.
type completionRequest struct {
	Model       string          `json:"model"`
	Prompt      json.RawMessage `json:"prompt"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON body: "+err.Error())
		return
	}

	// Prompt may be a string or an array of strings; join the latter.
	var prompt string
	if err := json.Unmarshal(req.Prompt, &prompt); err != nil {
		var parts []string
		if err := json.Unmarshal(req.Prompt, &parts); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "prompt must be a string or an array of strings")
			return
		}
		prompt = strings.Join(parts, "\n")
	}
	if prompt == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "prompt must not be empty")
		return
	}

	_, upstreamModel := splitModel(req.Model)
	ctx := r.Context()

	start := time.Now()
	resp, err := s.chat.Complete(ctx, llm.CompletionRequest{
		Messages:    []types.Message{{Role: "user", Content: prompt}},
		Model:       upstreamModel,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	s.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		s.metrics.RecordProviderError(ctx, "chat", "completion")
		writeError(w, http.StatusInternalServerError, "upstream_error", err.Error())
		return
	}
	s.metrics.RecordProviderRequest(ctx, "chat", "completion", "ok")

	writeJSON(w, http.StatusOK, map[string]any{
		"object":  "text_completion",
		"model":   req.Model,
		"created": time.Now().Unix(),
		"choices": []map[string]any{{
			"index":         0,
			"text":          resp.Content,
			"finish_reason": resp.FinishReason,
		}},
		"usage": resp.Usage,
	})
}
