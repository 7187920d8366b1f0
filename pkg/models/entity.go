package models

import (
	"encoding/json"
	"time"
)

// Entity is a single extracted entity within a tenant's knowledge graph.
// A canonical entity has no canonical_id; an alias points at the entity
// it was merged into and is excluded from blocking and scoring.
type Entity struct {
	ID              string          `json:"id" db:"id"`
	TenantID        string          `json:"tenant_id" db:"tenant_id"`
	EntityType      string          `json:"entity_type" db:"entity_type"`
	Name            string          `json:"name" db:"name"`
	NormalizedName  string          `json:"normalized_name" db:"normalized_name"`
	Properties      json.RawMessage `json:"properties,omitempty" db:"properties"`
	ConfidenceScore float64         `json:"confidence_score" db:"confidence_score"`
	IsCanonical     bool            `json:"is_canonical" db:"is_canonical"`
	CanonicalID     *string         `json:"canonical_id,omitempty" db:"canonical_id"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
	DeletedAt       *time.Time      `json:"deleted_at,omitempty" db:"deleted_at"`
	Version         int             `json:"version" db:"version"`

	// Embedding is populated from the embedding cache or provider at scoring
	// time. It is never persisted on the entity row itself.
	Embedding []float32 `json:"embedding,omitempty" db:"-"`
}

// IsAlias returns true if this entity has been merged into another
func (e *Entity) IsAlias() bool {
	return e.CanonicalID != nil && *e.CanonicalID != "" && *e.CanonicalID != e.ID
}

// PropertyMap decodes the entity's free-form properties. A nil or empty
// payload decodes to an empty map rather than an error.
func (e *Entity) PropertyMap() (map[string]any, error) {
	props := map[string]any{}
	if len(e.Properties) == 0 {
		return props, nil
	}
	if err := json.Unmarshal(e.Properties, &props); err != nil {
		return nil, err
	}
	return props, nil
}

// SetPropertyMap encodes and replaces the entity's free-form properties
func (e *Entity) SetPropertyMap(props map[string]any) error {
	data, err := json.Marshal(props)
	if err != nil {
		return err
	}
	e.Properties = data
	return nil
}

// CreateEntityRequest is the request for creating an entity via the ingest path
type CreateEntityRequest struct {
	EntityType      string          `json:"entity_type" validate:"required"`
	Name            string          `json:"name" validate:"required"`
	Properties      json.RawMessage `json:"properties,omitempty"`
	ConfidenceScore float64         `json:"confidence_score" validate:"gte=0,lte=1"`
}

// EntityListResponse is the response for listing entities
type EntityListResponse struct {
	Items      []Entity `json:"items"`
	TotalCount int      `json:"total_count"`
	Page       int      `json:"page"`
	PageSize   int      `json:"page_size"`
}

// Relationship is a typed edge between two entities. The (from, to, type)
// triple is unique per tenant; merges deduplicate on it after re-pointing.
type Relationship struct {
	ID               string          `json:"id" db:"id"`
	TenantID         string          `json:"tenant_id" db:"tenant_id"`
	RelationshipType string          `json:"relationship_type" db:"relationship_type"`
	FromEntityID     string          `json:"from_entity_id" db:"from_entity_id"`
	ToEntityID       string          `json:"to_entity_id" db:"to_entity_id"`
	Properties       json.RawMessage `json:"properties,omitempty" db:"properties"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
	DeletedAt        *time.Time      `json:"deleted_at,omitempty" db:"deleted_at"`
}

// PropertyMap decodes the relationship's free-form properties
func (r *Relationship) PropertyMap() (map[string]any, error) {
	props := map[string]any{}
	if len(r.Properties) == 0 {
		return props, nil
	}
	if err := json.Unmarshal(r.Properties, &props); err != nil {
		return nil, err
	}
	return props, nil
}
