package kafka

import (
	"encoding/json"
	"fmt"
	"time"
)

// Actions accepted on the entity ingest topic
const (
	ActionUpsert = "upsert"
	ActionDelete = "delete"
)

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	// Parsed content
	Entity *EntityMessage
}

// EntityMessage is the ingest envelope for entity upserts and deletes.
// Embedded relationships reference already-ingested entities by id.
type EntityMessage struct {
	Action          string                 `json:"action"`
	TenantID        string                 `json:"tenant_id"`
	EntityID        string                 `json:"entity_id,omitempty"`
	EntityType      string                 `json:"entity_type"`
	Name            string                 `json:"name"`
	Properties      json.RawMessage        `json:"properties,omitempty"`
	ConfidenceScore float64                `json:"confidence_score"`
	Relationships   []EmbeddedRelationship `json:"relationships,omitempty"`
}

// EmbeddedRelationship is a relationship carried inline on an entity message
type EmbeddedRelationship struct {
	RelationshipType string          `json:"relationship_type"`
	ToEntityID       string          `json:"to_entity_id"`
	Properties       json.RawMessage `json:"properties,omitempty"`
}

// ParseEntityMessage parses the message value as an entity envelope
func (m *IncomingMessage) ParseEntityMessage() error {
	var msg EntityMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		return err
	}
	if msg.Action == "" {
		msg.Action = ActionUpsert
	}
	m.Entity = &msg
	return nil
}

// GetTenantID returns the tenant id from the payload, falling back to the
// message header
func (m *IncomingMessage) GetTenantID() string {
	if m.Entity != nil && m.Entity.TenantID != "" {
		return m.Entity.TenantID
	}
	return m.Headers["tenant_id"]
}

// IsDelete reports whether the message tombstones an entity
func (m *IncomingMessage) IsDelete() bool {
	return m.Entity != nil && m.Entity.Action == ActionDelete
}

// Validate checks the envelope carries the fields its action requires
func (e *EntityMessage) Validate() error {
	if e.TenantID == "" {
		return fmt.Errorf("entity message missing tenant_id")
	}
	switch e.Action {
	case ActionUpsert:
		if e.EntityType == "" || e.Name == "" {
			return fmt.Errorf("entity upsert missing entity_type or name")
		}
	case ActionDelete:
		if e.EntityID == "" {
			return fmt.Errorf("entity delete missing entity_id")
		}
	default:
		return fmt.Errorf("unknown entity message action %q", e.Action)
	}
	return nil
}
