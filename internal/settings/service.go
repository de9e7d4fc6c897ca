package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/feng04-qyq/backend/pkg/apperr"
	"github.com/feng04-qyq/backend/pkg/db"
)

// Store persists raw JSON values.
type Store interface {
	UpsertSettings(ctx context.Context, userID, category string, values, descriptions map[string]string) error
	ListSettings(ctx context.Context, userID string) ([]db.Setting, error)
}

// Entry is one effective value as shown by GET /api/config.
type Entry struct {
	Value       any        `json:"value"`
	Description string     `json:"description"`
	UpdatedAt   *time.Time `json:"updated_at"`
}

// Service merges stored values over schema defaults.
type Service struct {
	schema *Schema
	store  Store
}

func NewService(schema *Schema, store Store) *Service {
	return &Service{schema: schema, store: store}
}

func (s *Service) Schema() *Schema { return s.schema }

// Update validates every key of fields and writes them in one transaction.
// Unknown or out-of-range keys reject the whole update.
func (s *Service) Update(ctx context.Context, userID, category string, fields map[string]any) (map[string]any, error) {
	schema, ok := s.schema.Category(category)
	if !ok {
		return nil, apperr.ErrInvalidRequest.WithDetail("unknown category %q", category)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clean := make(map[string]any, len(fields))
	raw := make(map[string]string, len(fields))
	descriptions := make(map[string]string, len(fields))
	for _, key := range keys {
		f, ok := schema[key]
		if !ok {
			return nil, apperr.ErrInvalidRequest.WithDetail("unknown setting %s.%s", category, key)
		}
		v, err := f.Coerce(fields[key])
		if err != nil {
			return nil, apperr.ErrInvalidRequest.WithDetail("%s.%s: %v", category, key, err)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, apperr.ErrInternal.Wrap(err)
		}
		clean[key] = v
		raw[key] = string(b)
		descriptions[key] = f.Description
	}
	if len(clean) == 0 {
		return clean, nil
	}
	if err := s.store.UpsertSettings(ctx, userID, category, raw, descriptions); err != nil {
		return nil, apperr.ErrDatabaseUnavailable.Wrap(err)
	}
	return clean, nil
}

// All returns every category with defaults filled in.
func (s *Service) All(ctx context.Context, userID string) (map[string]map[string]Entry, error) {
	out := make(map[string]map[string]Entry, len(s.schema.Categories))
	for cat, fields := range s.schema.Categories {
		entries := make(map[string]Entry, len(fields))
		for key, f := range fields {
			entries[key] = Entry{Value: f.Default, Description: f.Description}
		}
		out[cat] = entries
	}

	stored, err := s.store.ListSettings(ctx, userID)
	if err != nil {
		return nil, apperr.ErrDatabaseUnavailable.Wrap(err)
	}
	for _, st := range stored {
		f, ok := s.schema.Categories[st.Category][st.Key]
		if !ok {
			continue
		}
		v, err := decode(f, st.Value)
		if err != nil {
			continue
		}
		updated := st.UpdatedAt
		out[st.Category][st.Key] = Entry{Value: v, Description: f.Description, UpdatedAt: &updated}
	}
	return out, nil
}

// Values returns the effective values of one category.
func (s *Service) Values(ctx context.Context, userID, category string) (map[string]any, error) {
	all, err := s.All(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries, ok := all[category]
	if !ok {
		return nil, apperr.ErrInvalidRequest.WithDetail("unknown category %q", category)
	}
	out := make(map[string]any, len(entries))
	for k, e := range entries {
		out[k] = e.Value
	}
	return out, nil
}

func decode(f Field, raw string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode stored value: %w", err)
	}
	return f.Coerce(v)
}
