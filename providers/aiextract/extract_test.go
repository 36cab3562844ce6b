package aiextract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scholargraph/models"
)

func TestParseJSONObjectPlain(t *testing.T) {
	var wrapper struct {
		Entities []models.Entity `json:"entities"`
	}
	err := parseJSONObject(`{"entities":[{"name":"p53","type":"protein","confidence":0.9}]}`, &wrapper)
	require.NoError(t, err)
	require.Len(t, wrapper.Entities, 1)
	assert.Equal(t, "p53", wrapper.Entities[0].Name)
}

func TestParseJSONObjectStripsCodeFences(t *testing.T) {
	var wrapper struct {
		Relations []models.Relation `json:"relations"`
	}
	fenced := "```json\n{\"relations\":[{\"source\":\"MDM2\",\"target\":\"p53\",\"type\":\"inhibition\",\"confidence\":0.8}]}\n```"
	err := parseJSONObject(fenced, &wrapper)
	require.NoError(t, err)
	require.Len(t, wrapper.Relations, 1)
	assert.Equal(t, "inhibition", wrapper.Relations[0].Type)
}

func TestParseJSONObjectRejectsGarbage(t *testing.T) {
	var out map[string]any
	err := parseJSONObject("The text mentions p53 and MDM2.", &out)
	assert.ErrorIs(t, err, ErrNoResultsExtracted)
}
