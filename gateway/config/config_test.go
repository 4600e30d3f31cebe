package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
mongo:
  uri: mongodb://localhost:27017
auth:
  jwks_url: https://idp.example.com/jwks
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "agentgate", cfg.Mongo.Database)
	assert.Equal(t, 50, cfg.Agent.MaxContextMessages)
	assert.Equal(t, 10, cfg.Agent.MaxIterations)
	assert.Equal(t, 5, cfg.Agent.MaxToolCallsPerIteration)
	assert.Equal(t, 2*time.Minute, cfg.TurnTimeout())
	assert.Equal(t, 30*time.Second, cfg.ToolTimeout())
	assert.Equal(t, 60, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 4, cfg.RateLimit.ConcurrentRequests)
	assert.Equal(t, "agentgate_session", cfg.Auth.CookieName)
}

func TestParseExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_MONGO_URI", "mongodb://db.internal:27017")
	cfg, err := Parse([]byte(`
mongo:
  uri: ${TEST_MONGO_URI}
auth:
  jwks_url: https://idp.example.com/jwks
`))
	require.NoError(t, err)
	assert.Equal(t, "mongodb://db.internal:27017", cfg.Mongo.URI)
}

func TestParseRejectsMissingRequirements(t *testing.T) {
	_, err := Parse([]byte(`auth: {jwks_url: https://idp.example.com/jwks}`))
	assert.ErrorContains(t, err, "mongo.uri")

	_, err = Parse([]byte(`mongo: {uri: mongodb://localhost}`))
	assert.ErrorContains(t, err, "auth.jwks_url")
}

func TestParseModels(t *testing.T) {
	cfg, err := Parse([]byte(minimal + `
models:
  - id: gpt-4o
    provider: openai
    api_key: sk-test
  - id: claude
    provider: anthropic
    name: claude-sonnet-4-20250514
    api_key: sk-ant
    default: true
`))
	require.NoError(t, err)
	require.Len(t, cfg.Models, 2)
	assert.Equal(t, "gpt-4o", cfg.Models[0].Name)
	assert.Equal(t, "claude", cfg.DefaultModel())
}

func TestParseRejectsTwoDefaults(t *testing.T) {
	_, err := Parse([]byte(minimal + `
models:
  - {id: a, provider: openai, default: true}
  - {id: b, provider: openai, default: true}
`))
	assert.ErrorContains(t, err, "at most one")
}
