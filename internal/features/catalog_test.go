package features

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launchpath/internal/domain"
)

func TestDefaultCatalog(t *testing.T) {
	c := Default()
	for _, s := range domain.StageOrder {
		assert.NotEmpty(t, c.ForStage(s), "stage %s has no features", s)
	}
	f, ok := c.Lookup("verdict")
	require.True(t, ok)
	assert.Equal(t, domain.StageDecision, f.Stage)

	schemas, err := c.Schemas()
	require.NoError(t, err)
	for _, name := range c.Names() {
		assert.True(t, schemas.Has(name), name)
	}
}

func TestNewCatalogRejectsBadFeatures(t *testing.T) {
	_, err := NewCatalog(Feature{Name: "a", Stage: domain.StageIdeaCheck}, Feature{Name: "a", Stage: domain.StageIdeaCheck})
	assert.ErrorContains(t, err, "duplicate")

	_, err = NewCatalog(Feature{Name: "b", Stage: "nowhere"})
	assert.ErrorContains(t, err, "invalid stage")

	_, err = NewCatalog(Feature{Name: "c", Stage: domain.StageIdeaCheck, Template: "{{.Inputs"})
	assert.ErrorContains(t, err, "template")
}

func TestBuiltinSchemasAcceptWellFormedOutput(t *testing.T) {
	schemas, err := Default().Schemas()
	require.NoError(t, err)
	assert.Empty(t, schemas.Validate("verdict", map[string]any{"verdict": "pivot", "reasoning": "crowded"}))
	assert.NotEmpty(t, schemas.Validate("verdict", map[string]any{"verdict": "maybe", "reasoning": "?"}))
	assert.Empty(t, schemas.Validate("pricing", map[string]any{
		"tiers": []any{map[string]any{"name": "pro", "price": 19.0}},
	}))
}
