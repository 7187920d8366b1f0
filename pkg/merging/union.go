package merging

import (
	"encoding/json"
	"sort"

	"github.com/Ramsey-B/fern/pkg/models"
)

// SelectCanonical picks the surviving entity of a pair: the higher
// confidence score wins, ties break to the lower entity id so reruns are
// reproducible. Returns (canonical, alias).
func SelectCanonical(a, b *models.Entity) (*models.Entity, *models.Entity) {
	if a.ConfidenceScore > b.ConfidenceScore {
		return a, b
	}
	if b.ConfidenceScore > a.ConfidenceScore {
		return b, a
	}
	if a.ID < b.ID {
		return a, b
	}
	return b, a
}

// UnionProperties merges the alias's properties into the canonical's. Keys
// already present on the canonical are never overwritten. Returns the
// merged payload and the keys copied over, sorted for determinism.
func UnionProperties(canonical, alias *models.Entity) (json.RawMessage, []string, error) {
	base, err := canonical.PropertyMap()
	if err != nil {
		return nil, nil, err
	}
	incoming, err := alias.PropertyMap()
	if err != nil {
		return nil, nil, err
	}

	var copied []string
	for key, value := range incoming {
		if _, exists := base[key]; exists {
			continue
		}
		base[key] = value
		copied = append(copied, key)
	}
	sort.Strings(copied)

	merged, err := json.Marshal(base)
	if err != nil {
		return nil, nil, err
	}
	return merged, copied, nil
}

// RepointedRelationship records one relationship rewrite so an undo can
// restore the pre-merge endpoints
type RepointedRelationship struct {
	ID         string `json:"id"`
	FromBefore string `json:"from_before"`
	ToBefore   string `json:"to_before"`
	FromAfter  string `json:"from_after"`
	ToAfter    string `json:"to_after"`
}

// DroppedRelationship records a relationship removed because rewriting
// produced a duplicate (source, target, type) triple
type DroppedRelationship struct {
	ID         string `json:"id"`
	FromBefore string `json:"from_before"`
	ToBefore   string `json:"to_before"`
	Type       string `json:"type"`
}

// MergeDetails is the JSON payload stored on an ENTITIES_MERGED history
// record's details field
type MergeDetails struct {
	Repointed          []RepointedRelationship `json:"repointed,omitempty"`
	Dropped            []DroppedRelationship   `json:"dropped,omitempty"`
	CopiedPropertyKeys []string                `json:"copied_property_keys,omitempty"`
}

// Encode serializes the details for storage
func (d *MergeDetails) Encode() (*string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

// DecodeMergeDetails parses a history record's details payload. A nil or
// empty payload yields empty details.
func DecodeMergeDetails(details *string) (*MergeDetails, error) {
	out := &MergeDetails{}
	if details == nil || *details == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(*details), out); err != nil {
		return nil, err
	}
	return out, nil
}
