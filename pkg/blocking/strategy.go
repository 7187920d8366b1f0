// Package blocking produces bounded candidate sets per entity using cheap
// partitioning keys, so scoring never has to compare a full tenant
// population pairwise.
package blocking

import (
	"strings"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/phonetics"
)

// Strategy computes the blocking keys an entity belongs to. Two entities
// are candidates for comparison when they share at least one key under at
// least one enabled strategy.
type Strategy interface {
	Name() string
	Keys(entity *models.Entity) []string
}

// PrefixStrategy keys on the first N characters of the normalized name
type PrefixStrategy struct {
	Length int
}

func (s *PrefixStrategy) Name() string {
	return models.BlockingPrefix
}

func (s *PrefixStrategy) Keys(entity *models.Entity) []string {
	name := entity.NormalizedName
	if name == "" {
		return nil
	}
	length := s.Length
	if length <= 0 {
		length = models.DefaultPrefixLength
	}
	runes := []rune(name)
	if len(runes) > length {
		runes = runes[:length]
	}
	return []string{string(runes)}
}

// EntityTypeStrategy keys on the entity type alone. Coarse; meant to be
// combined with another strategy rather than used by itself at scale.
type EntityTypeStrategy struct{}

func (s *EntityTypeStrategy) Name() string {
	return models.BlockingEntityType
}

func (s *EntityTypeStrategy) Keys(entity *models.Entity) []string {
	if entity.EntityType == "" {
		return nil
	}
	return []string{entity.EntityType}
}

// PhoneticStrategy keys on the phonetic code of the normalized name using
// the tenant's configured encoding
type PhoneticStrategy struct {
	Algorithm string
}

func (s *PhoneticStrategy) Name() string {
	return models.BlockingPhonetic
}

func (s *PhoneticStrategy) Keys(entity *models.Entity) []string {
	code := phonetics.Encode(s.Algorithm, entity.NormalizedName)
	if code == "" {
		return nil
	}
	return []string{code}
}

// TrigramStrategy keys on every overlapping 3-character substring of the
// normalized name. Candidates qualify only when their trigram sets overlap
// by at least MinOverlap keys; the engine enforces the count.
type TrigramStrategy struct {
	MinOverlap int
}

func (s *TrigramStrategy) Name() string {
	return models.BlockingTrigram
}

func (s *TrigramStrategy) Keys(entity *models.Entity) []string {
	return Trigrams(entity.NormalizedName)
}

// Trigrams returns the distinct overlapping 3-character substrings of s.
// Strings shorter than 3 characters produce no trigrams.
func Trigrams(s string) []string {
	runes := []rune(s)
	if len(runes) < 3 {
		return nil
	}
	seen := make(map[string]struct{}, len(runes))
	keys := make([]string, 0, len(runes)-2)
	for i := 0; i+3 <= len(runes); i++ {
		gram := string(runes[i : i+3])
		if strings.TrimSpace(gram) == "" {
			continue
		}
		if _, ok := seen[gram]; ok {
			continue
		}
		seen[gram] = struct{}{}
		keys = append(keys, gram)
	}
	return keys
}

// StrategiesFor builds the strategy table for one tenant's config. Unknown
// strategy names are skipped; an empty selection falls back to the default
// prefix + phonetic + entity_type combination.
func StrategiesFor(config *models.ConsolidationConfig) []Strategy {
	names := config.BlockingStrategies
	if len(names) == 0 {
		names = []string{models.BlockingPrefix, models.BlockingPhonetic, models.BlockingEntityType}
	}

	strategies := make([]Strategy, 0, len(names))
	for _, name := range names {
		switch name {
		case models.BlockingPrefix:
			strategies = append(strategies, &PrefixStrategy{Length: config.PrefixLength})
		case models.BlockingEntityType:
			strategies = append(strategies, &EntityTypeStrategy{})
		case models.BlockingPhonetic:
			strategies = append(strategies, &PhoneticStrategy{Algorithm: string(config.PhoneticEncoding)})
		case models.BlockingTrigram:
			overlap := config.TrigramMinOverlap
			if overlap <= 0 {
				overlap = models.DefaultTrigramMinOverlap
			}
			strategies = append(strategies, &TrigramStrategy{MinOverlap: overlap})
		}
	}
	return strategies
}

// KeysForEntity computes every (strategy, key) pair an entity indexes
// under. The ingest path persists these so blocking queries stay cheap.
func KeysForEntity(entity *models.Entity, config *models.ConsolidationConfig) map[string][]string {
	keys := map[string][]string{}
	for _, strategy := range StrategiesFor(config) {
		if ks := strategy.Keys(entity); len(ks) > 0 {
			keys[strategy.Name()] = ks
		}
	}
	return keys
}
