package memorymgr

import (
	"context"
	"errors"
	"fmt"

	"github.com/mnemohq/mnemo/pkg/memory"
)

// CreatePersona registers a persona. Creating an existing persona is
// idempotent and leaves the stored row untouched.
func (m *Manager) CreatePersona(ctx context.Context, p memory.Persona) error {
	if p.ID == "" {
		return &memory.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	now := m.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	if err := m.metadata.CreatePersona(ctx, p); err != nil {
		return fmt.Errorf("memorymgr: create persona: %w", err)
	}
	return nil
}

// GetPersona returns a persona by id, or ErrNotFound.
func (m *Manager) GetPersona(ctx context.Context, id string) (*memory.Persona, error) {
	p, err := m.metadata.GetPersona(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("memorymgr: get persona: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("memorymgr: persona %q: %w", id, memory.ErrNotFound)
	}
	return p, nil
}

// ListPersonas returns all personas.
func (m *Manager) ListPersonas(ctx context.Context) ([]memory.Persona, error) {
	out, err := m.metadata.ListPersonas(ctx)
	if err != nil {
		return nil, fmt.Errorf("memorymgr: list personas: %w", err)
	}
	return out, nil
}

// UpdatePersona modifies a persona's description or system prompt.
func (m *Manager) UpdatePersona(ctx context.Context, p memory.Persona) error {
	if p.ID == "" {
		return &memory.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	p.UpdatedAt = m.now()
	if err := m.metadata.UpdatePersona(ctx, p); err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return fmt.Errorf("memorymgr: persona %q: %w", p.ID, memory.ErrNotFound)
		}
		return fmt.Errorf("memorymgr: update persona: %w", err)
	}
	return nil
}

// DeletePersona removes a persona and cascades to its memories. The
// metadata transaction deletes the rows and reports the orphaned vector
// ids; each vector delete failure is logged and skipped rather than
// aborting, since the metadata rows are already gone and a leftover vector
// is unreachable. Graph nodes are kept: entities extracted from deleted
// conversations remain valid world knowledge and carry no user content.
func (m *Manager) DeletePersona(ctx context.Context, id string) error {
	vectorIDs, err := m.metadata.DeletePersona(ctx, id)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return fmt.Errorf("memorymgr: persona %q: %w", id, memory.ErrNotFound)
		}
		return fmt.Errorf("memorymgr: delete persona: %w", err)
	}

	for _, vid := range vectorIDs {
		if err := m.vectors.Delete(ctx, vid); err != nil {
			m.logger.Warn("memorymgr: cascade vector delete failed",
				"persona", id, "vector_id", vid, "err", err)
		}
	}

	m.logger.Info("persona deleted", "persona", id, "memories", len(vectorIDs))
	return nil
}
