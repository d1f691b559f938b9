package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultDocument(t *testing.T) map[string]any {
	t.Helper()
	raw, err := json.Marshal(Default("tenant-1"))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	return doc
}

func marshal(t *testing.T, doc map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	return raw
}

func TestValidateDocumentAcceptsDefault(t *testing.T) {
	p, err := ValidateDocument(marshal(t, defaultDocument(t)))
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", p.TenantID)
	assert.Equal(t, 1, p.Version)
}

func TestValidateDocumentRejectsMissingSection(t *testing.T) {
	doc := defaultDocument(t)
	delete(doc, "thresholds")

	_, err := ValidateDocument(marshal(t, doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy document invalid")
}

func TestValidateDocumentRejectsUnknownWeightKey(t *testing.T) {
	doc := defaultDocument(t)
	doc["svi"].(map[string]any)["typo_weight"] = 3.0

	_, err := ValidateDocument(marshal(t, doc))
	assert.Error(t, err)
}

func TestValidateDocumentRejectsOutOfRange(t *testing.T) {
	doc := defaultDocument(t)
	doc["controls"].(map[string]any)["likelihood_cap"] = 150.0

	_, err := ValidateDocument(marshal(t, doc))
	assert.Error(t, err)
}

func TestValidateDocumentRejectsSemanticFailure(t *testing.T) {
	// Passes the schema but violates threshold ordering.
	doc := defaultDocument(t)
	doc["thresholds"].(map[string]any)["suppress_composite_max"] = 90.0

	_, err := ValidateDocument(marshal(t, doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "suppress_composite_max")
}

func TestValidateDocumentRejectsMalformedJSON(t *testing.T) {
	_, err := ValidateDocument([]byte("{not json"))
	assert.Error(t, err)
}
