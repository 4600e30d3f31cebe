package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/runtime/gwerrors"
	"github.com/agentgate/agentgate/runtime/model"
)

type nopClient struct{ name string }

func (nopClient) Complete(context.Context, model.Request) (model.Response, error) {
	return model.Response{}, nil
}

func (nopClient) Stream(context.Context, model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func TestRegisterAndResolve(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("gpt-4o", nopClient{name: "a"}))
	require.NoError(t, r.Register("claude", nopClient{name: "b"}))

	client, err := r.Client("claude")
	require.NoError(t, err)
	assert.Equal(t, "b", client.(nopClient).name)

	// First registration is the implicit default.
	client, err = r.Client("")
	require.NoError(t, err)
	assert.Equal(t, "a", client.(nopClient).name)

	require.NoError(t, r.SetDefault("claude"))
	client, err = r.Client("")
	require.NoError(t, err)
	assert.Equal(t, "b", client.(nopClient).name)
}

func TestResolveUnknownModel(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("gpt-4o", nopClient{}))

	_, err := r.Client("ghost")
	assert.True(t, gwerrors.IsKind(err, gwerrors.KindNotFound))
}

func TestEmptyRegistry(t *testing.T) {
	r := New()
	_, err := r.Client("")
	assert.True(t, gwerrors.IsKind(err, gwerrors.KindInvalidState))
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("gpt-4o", nopClient{}))
	assert.Error(t, r.Register("gpt-4o", nopClient{}))
}
