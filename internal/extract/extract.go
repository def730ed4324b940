// Package extract runs the post-turn memory extraction pipeline.
//
// Extraction is two-staged to keep costs down: a cheap gate call first
// decides whether the turn holds anything worth remembering, and only then a
// structured extraction call produces memories, entities, and relations.
// Both stages run against the extraction LM endpoint, which is typically a
// smaller model than the one serving chat.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mnemohq/mnemo/internal/memorymgr"
	"github.com/mnemohq/mnemo/internal/settings"
	"github.com/mnemohq/mnemo/pkg/memory"
	"github.com/mnemohq/mnemo/pkg/provider/llm"
	"github.com/mnemohq/mnemo/pkg/types"
)

// Event time formats accepted from the extraction model, most specific
// first.
var eventTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Extractor orchestrates the gate, the structured extraction, deduplication,
// and the resulting writes.
type Extractor struct {
	llm      llm.Provider
	manager  *memorymgr.Manager
	settings *settings.Registry

	logger *slog.Logger
	now    func() time.Time
}

// Option is a functional option for Extractor.
type Option func(*Extractor)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Extractor) {
		if l != nil {
			e.logger = l
		}
	}
}

// withClock overrides the time source. Test hook.
func withClock(now func() time.Time) Option {
	return func(e *Extractor) {
		e.now = now
	}
}

// New creates an Extractor using provider for both LM stages.
func New(provider llm.Provider, manager *memorymgr.Manager, reg *settings.Registry, opts ...Option) *Extractor {
	e := &Extractor{
		llm:      provider,
		manager:  manager,
		settings: reg,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Result summarises one extraction run, mainly for logging and metrics.
type Result struct {
	// Gated is true when the gate decided there was nothing to extract.
	Gated bool

	// Saved counts memories written; Skipped counts near-duplicates dropped
	// by the similarity check.
	Saved   int
	Skipped int

	Entities  int
	Relations int
}

// ProcessTurn runs extraction for a finished conversation turn. It is called
// after the response has been delivered, typically on a detached context, so
// any failure here degrades to a log line and never surfaces to the client.
// Whether extraction should run at all (memory_system.auto_save, per-request
// overrides) is the dispatcher's decision; this method assumes it was made.
// injected holds the memories that were injected into this turn, in rank
// order; the gate sees them so it can decline facts the store already holds.
//
// Turns whose completion did not finish with reason "stop" (truncations,
// tool-call turns, mid-stream errors) are skipped: a cut-off answer is a bad
// extraction source.
func (e *Extractor) ProcessTurn(ctx context.Context, personaID string, messages []types.Message, injected []memory.Memory, finishReason string) (*Result, error) {
	if finishReason != "stop" {
		return &Result{Gated: true}, nil
	}

	sys, err := e.settings.MemorySystemSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("extract: load memory_system settings: %w", err)
	}

	cfg, err := e.settings.ExtractionSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("extract: load extraction settings: %w", err)
	}
	if !cfg.Enabled {
		return &Result{Gated: true}, nil
	}

	conversation := renderConversation(messages, cfg.WindowMessages)
	if conversation == "" {
		return &Result{Gated: true}, nil
	}

	proceed := e.gate(ctx, cfg, conversation, injected)
	if !proceed {
		return &Result{Gated: true}, nil
	}

	batch, err := e.extract(ctx, cfg, conversation)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return &Result{Gated: true}, nil
	}

	return e.persist(ctx, personaID, sys, batch)
}

// gate runs the cheap should-extract check. The memories injected this turn
// feed the prompt so the gate can turn down facts the store already holds.
// Any failure — call error, bad JSON, empty content — resolves to true:
// losing one gate call is cheaper than silently losing a memory.
func (e *Extractor) gate(ctx context.Context, cfg settings.MemoryExtraction, conversation string, injected []memory.Memory) bool {
	prompt := e.fillTemplate(cfg.GatePrompt, conversation, injected)

	resp, err := e.llm.Complete(ctx, llm.CompletionRequest{
		Messages:     []types.Message{{Role: "user", Content: prompt}},
		Temperature:  cfg.GateTemperature,
		MaxTokens:    cfg.GateMaxTokens,
		JSONResponse: true,
	})
	if err != nil {
		e.logger.Warn("extract: gate call failed, proceeding to extraction", "err", err)
		return true
	}

	var decision struct {
		ShouldExtract bool   `json:"should_extract"`
		Reason        string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(jsonBody(resp.Content)), &decision); err != nil {
		e.logger.Warn("extract: gate response unparseable, proceeding to extraction",
			"content", truncate(resp.Content, 200), "err", err)
		return true
	}

	if !decision.ShouldExtract {
		e.logger.Debug("extract: gated", "reason", decision.Reason)
	}
	return decision.ShouldExtract
}

// batch is the structured extraction output.
type batch struct {
	Memories []struct {
		Content   string `json:"content"`
		EventTime string `json:"event_time"`
	} `json:"memories"`
	Entities []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"entities"`
	Relations []struct {
		From string `json:"from"`
		To   string `json:"to"`
		Type string `json:"type"`
	} `json:"relations"`
}

// extract runs the structured extraction call. Unlike the gate, a malformed
// response here drops the whole batch: there is no safe partial
// interpretation of broken JSON, and the next turn gets another chance. A
// response missing any of the three top-level lists counts as malformed.
func (e *Extractor) extract(ctx context.Context, cfg settings.MemoryExtraction, conversation string) (*batch, error) {
	prompt := e.fillTemplate(cfg.ExtractPrompt, conversation, nil)

	resp, err := e.llm.Complete(ctx, llm.CompletionRequest{
		Messages:     []types.Message{{Role: "user", Content: prompt}},
		Temperature:  cfg.ExtractTemperature,
		MaxTokens:    cfg.ExtractMaxTokens,
		JSONResponse: true,
	})
	if err != nil {
		return nil, fmt.Errorf("extract: extraction call: %w", err)
	}

	raw := jsonBody(resp.Content)

	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &top); err != nil {
		e.logger.Warn("extract: extraction response unparseable, batch dropped",
			"content", truncate(resp.Content, 200), "err", err)
		return nil, nil
	}
	for _, key := range []string{"memories", "entities", "relations"} {
		if !isJSONArray(top[key]) {
			e.logger.Warn("extract: extraction response missing list, batch dropped",
				"key", key, "content", truncate(resp.Content, 200))
			return nil, nil
		}
	}

	var b batch
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		e.logger.Warn("extract: extraction response unparseable, batch dropped",
			"content", truncate(resp.Content, 200), "err", err)
		return nil, nil
	}
	return &b, nil
}

// isJSONArray reports whether raw is a present JSON array. Absent keys and
// explicit nulls both fail the check.
func isJSONArray(raw json.RawMessage) bool {
	return strings.HasPrefix(strings.TrimSpace(string(raw)), "[")
}

// persist deduplicates and writes the batch. Each memory is isolated: one
// failing write logs and moves on, never poisoning its batch mates.
func (e *Extractor) persist(ctx context.Context, personaID string, sys settings.MemorySystem, b *batch) (*Result, error) {
	res := &Result{}

	// Graph writes go first so density is already meaningful for memories
	// saved in the same batch.
	for _, ent := range b.Entities {
		if ent.Name == "" {
			continue
		}
		node := memory.GraphNode{
			PersonaID: personaID,
			Name:      ent.Name,
			Kind:      nodeKind(ent.Type),
		}
		if node.Kind == memory.NodeEntity {
			node.Type = ent.Type
		}
		if err := e.manager.Graph().UpsertNode(ctx, node); err != nil {
			e.logger.Warn("extract: entity upsert failed", "entity", ent.Name, "err", err)
			continue
		}
		res.Entities++
	}
	for _, rel := range b.Relations {
		if rel.From == "" || rel.To == "" {
			continue
		}
		edge := memory.GraphEdge{
			PersonaID: personaID,
			From:      rel.From,
			To:        rel.To,
			Kind:      strings.ToUpper(rel.Type),
			Weight:    1.0,
		}
		if err := e.manager.Graph().UpsertRelation(ctx, edge); err != nil {
			e.logger.Warn("extract: relation upsert failed", "from", rel.From, "to", rel.To, "err", err)
			continue
		}
		res.Relations++
	}

	for _, m := range b.Memories {
		if m.Content == "" {
			continue
		}

		dup, err := e.isDuplicate(ctx, personaID, m.Content, sys.DedupThreshold)
		if err != nil {
			e.logger.Warn("extract: dedup check failed, saving anyway", "err", err)
		}
		if dup {
			res.Skipped++
			continue
		}

		req := memorymgr.CreateRequest{
			PersonaID: personaID,
			Content:   m.Content,
			EventTime: e.parseEventTime(m.EventTime),
			EntityID:  matchEntity(m.Content, b),
		}
		if _, err := e.manager.Create(ctx, req); err != nil {
			e.logger.Warn("extract: memory write failed", "persona", personaID, "err", err)
			continue
		}
		res.Saved++
	}

	e.logger.Info("extraction finished",
		"persona", personaID,
		"saved", res.Saved,
		"skipped", res.Skipped,
		"entities", res.Entities,
		"relations", res.Relations,
	)
	return res, nil
}

// isDuplicate searches the persona's existing memories for a near-identical
// one. Threshold 0 disables the check.
func (e *Extractor) isDuplicate(ctx context.Context, personaID, content string, threshold float64) (bool, error) {
	if threshold <= 0 {
		return false, nil
	}
	hits, err := e.manager.Search(ctx, personaID, content, 5)
	if err != nil {
		return false, err
	}
	for _, h := range hits {
		if h.Similarity >= threshold {
			return true, nil
		}
	}
	return false, nil
}

// fillTemplate substitutes the prompt placeholders.
func (e *Extractor) fillTemplate(tpl, conversation string, injected []memory.Memory) string {
	now := e.now()
	r := strings.NewReplacer(
		"{current_time}", now.Format("15:04"),
		"{current_date}", now.Format("2006-01-02"),
		"{conversation_text}", conversation,
		"{injected_memories}", renderInjected(injected),
	)
	return r.Replace(tpl)
}

// renderInjected formats the memories injected this turn as a numbered list
// in rank order, with the event time when one exists.
func renderInjected(injected []memory.Memory) string {
	if len(injected) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for i, m := range injected {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s", i+1, m.Content)
		if m.EventTime != nil {
			fmt.Fprintf(&b, " (%s)", m.EventTime.Format("2006-01-02 15:04"))
		}
	}
	return b.String()
}

// parseEventTime parses the model's event_time string, trying the accepted
// layouts in order. Unparseable or empty input yields nil.
func (e *Extractor) parseEventTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range eventTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	e.logger.Debug("extract: unparseable event_time dropped", "value", s)
	return nil
}

// renderConversation formats the trailing window of the conversation for
// the prompts. System messages are excluded — the injected memory block must
// not feed back into extraction.
func renderConversation(messages []types.Message, window int) string {
	if window <= 0 {
		window = 5
	}

	var turns []string
	for _, m := range messages {
		if m.Role == "system" || m.Content == "" {
			continue
		}
		turns = append(turns, m.Role+": "+m.Content)
	}
	if len(turns) > window {
		turns = turns[len(turns)-window:]
	}
	return strings.Join(turns, "\n")
}

// matchEntity links a memory to the first extracted entity whose name
// appears in its content. Returns "" when none match.
func matchEntity(content string, b *batch) string {
	lower := strings.ToLower(content)
	for _, ent := range b.Entities {
		if ent.Name == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(ent.Name)) {
			return ent.Name
		}
	}
	return ""
}

// nodeKind maps the model's entity type strings onto graph node kinds.
func nodeKind(t string) memory.GraphNodeKind {
	switch strings.ToLower(t) {
	case "user":
		return memory.NodeUser
	case "concept":
		return memory.NodeConcept
	default:
		return memory.NodeEntity
	}
}

// jsonBody strips common markdown fencing around a JSON payload. Smaller
// models fence their output even when asked not to.
func jsonBody(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
