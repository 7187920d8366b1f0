package blocking

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/phonetics"
)

func TestPrefixStrategyKeys(t *testing.T) {
	strategy := &PrefixStrategy{Length: 5}

	tests := []struct {
		name     string
		entity   *models.Entity
		expected []string
	}{
		{
			name:     "long name truncated to prefix",
			entity:   &models.Entity{NormalizedName: "domain event"},
			expected: []string{"domai"},
		},
		{
			name:     "short name used whole",
			entity:   &models.Entity{NormalizedName: "dom"},
			expected: []string{"dom"},
		},
		{
			name:     "empty name produces no keys",
			entity:   &models.Entity{NormalizedName: ""},
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, strategy.Keys(tt.entity))
		})
	}
}

func TestPhoneticStrategyKeys(t *testing.T) {
	strategy := &PhoneticStrategy{Algorithm: phonetics.AlgorithmSoundex}

	keys := strategy.Keys(&models.Entity{NormalizedName: "robert"})
	assert.Equal(t, []string{"R163"}, keys)

	// same code regardless of spelling variant
	assert.Equal(t, keys, strategy.Keys(&models.Entity{NormalizedName: "rupert"}))
}

func TestTrigrams(t *testing.T) {
	assert.Equal(t, []string{"rob", "obe", "ber", "ert"}, Trigrams("robert"))
	assert.Nil(t, Trigrams("ro"))

	// duplicates collapse
	grams := Trigrams("aaaa")
	assert.Equal(t, []string{"aaa"}, grams)
}

func TestStrategiesFor(t *testing.T) {
	config := models.DefaultConsolidationConfig("tenant-1")
	config.BlockingStrategies = []string{
		models.BlockingPrefix,
		models.BlockingTrigram,
		"unknown_strategy",
	}

	strategies := StrategiesFor(config)
	assert.Len(t, strategies, 2)
	assert.Equal(t, models.BlockingPrefix, strategies[0].Name())
	assert.Equal(t, models.BlockingTrigram, strategies[1].Name())
}

func TestStrategiesForDefaults(t *testing.T) {
	config := models.DefaultConsolidationConfig("tenant-1")
	config.BlockingStrategies = nil

	names := []string{}
	for _, s := range StrategiesFor(config) {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{models.BlockingPrefix, models.BlockingPhonetic, models.BlockingEntityType}, names)
}

func TestKeysForEntity(t *testing.T) {
	config := models.DefaultConsolidationConfig("tenant-1")
	entity := &models.Entity{
		TenantID:       "tenant-1",
		EntityType:     "person",
		NormalizedName: "robert",
	}

	keys := KeysForEntity(entity, config)
	assert.Equal(t, []string{"rober"}, keys[models.BlockingPrefix])
	assert.Equal(t, []string{"R163"}, keys[models.BlockingPhonetic])
	assert.Equal(t, []string{"person"}, keys[models.BlockingEntityType])
}
