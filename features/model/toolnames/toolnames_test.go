package toolnames

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/runtime/gwerrors"
	"github.com/agentgate/agentgate/runtime/model"
)

func TestBuildRoundTrip(t *testing.T) {
	m, err := Build([]model.ToolDefinition{
		{Name: "crm:search_contacts"},
		{Name: "billing:create_invoice"},
	})
	require.NoError(t, err)

	provider := m.Provider("crm:search_contacts")
	assert.Equal(t, "crm_search_contacts", provider)
	assert.Equal(t, "crm:search_contacts", m.Canonical(provider))

	assert.Equal(t, "billing:create_invoice", m.Canonical(m.Provider("billing:create_invoice")))
}

func TestBuildCollision(t *testing.T) {
	_, err := Build([]model.ToolDefinition{
		{Name: "crm:search"},
		{Name: "crm_search"},
	})
	require.Error(t, err)
	assert.True(t, gwerrors.IsKind(err, gwerrors.KindValidation))
}

func TestCanonicalPassthroughForUnknownNames(t *testing.T) {
	m, err := Build(nil)
	require.NoError(t, err)

	// Unknown provider names pass through; the execution pipeline rejects
	// tools that are not in the catalog.
	assert.Equal(t, "made_up_tool", m.Canonical("made_up_tool"))
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "a_b_c", Sanitize("a:b/c"))
	assert.Equal(t, "plain-name_09", Sanitize("plain-name_09"))

	long := make([]byte, 100)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, Sanitize(string(long)), 64)
}
