package form

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/OpenNSW/accessportal/internal/workflow/model"
)

// ErrFormNotFound is returned when a referenced form does not exist or is inactive.
var ErrFormNotFound = errors.New("form not found")

// Definition is a stored form that steps can reference by ID.
type Definition struct {
	model.BaseModel
	Name        string          `gorm:"type:varchar(255);column:name;not null" json:"name"`                    // Human-readable form name
	Description string          `gorm:"type:text;column:description" json:"description,omitempty"`             // Optional description
	Schema      json.RawMessage `gorm:"type:jsonb;column:schema;not null;serializer:json" json:"schema"`       // JSON Schema definition
	UISchema    json.RawMessage `gorm:"type:jsonb;column:ui_schema;serializer:json" json:"uiSchema,omitempty"` // Rendering hints for the client
	Version     string          `gorm:"type:varchar(50);column:version;not null;default:'1.0'" json:"version"`
	Active      bool            `gorm:"type:boolean;column:active;not null;default:true" json:"active"`
}

func (d *Definition) TableName() string {
	return "forms"
}

type cacheKey struct {
	id      uuid.UUID
	updated time.Time
}

// StoreProvider resolves stored forms from the database and inline schemas
// from the step config. Compiled stored schemas are cached until the form row
// changes; the title and UI schema a step sets are applied per call.
type StoreProvider struct {
	db    *gorm.DB
	mu    sync.RWMutex
	cache map[cacheKey]*Compiled
}

// NewStoreProvider returns a Provider backed by the forms table.
func NewStoreProvider(db *gorm.DB) *StoreProvider {
	return &StoreProvider{db: db, cache: make(map[cacheKey]*Compiled)}
}

func (p *StoreProvider) Schema(ctx context.Context, ref Ref, data map[string]any) (Schema, error) {
	if ref.FormID == nil {
		compiled, err := Compile(ref)
		if err != nil {
			return nil, err
		}
		return compiled.Bind(data), nil
	}

	var def Definition
	if err := p.db.WithContext(ctx).Where("id = ? AND active = ?", *ref.FormID, true).First(&def).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrFormNotFound, ref.FormID)
		}
		return nil, fmt.Errorf("failed to load form %s: %w", ref.FormID, err)
	}

	key := cacheKey{id: def.ID, updated: def.UpdatedAt}
	p.mu.RLock()
	compiled, ok := p.cache[key]
	p.mu.RUnlock()
	if !ok {
		var err error
		compiled, err = Compile(Ref{FormID: ref.FormID, Title: def.Name, Schema: def.Schema, UISchema: def.UISchema})
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.cache[key] = compiled
		p.mu.Unlock()
	}
	return compiled.present(ref.Title, ref.UISchema).Bind(data), nil
}

// Create stores a new form definition after checking its schema compiles.
func (p *StoreProvider) Create(ctx context.Context, def *Definition) error {
	if _, err := Compile(Ref{Schema: def.Schema}); err != nil {
		return err
	}
	if err := p.db.WithContext(ctx).Create(def).Error; err != nil {
		return fmt.Errorf("failed to create form: %w", err)
	}
	return nil
}
