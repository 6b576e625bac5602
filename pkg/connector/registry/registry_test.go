package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/pkg/config"
	"github.com/driftsync/driftsync/pkg/connector/core"
	"github.com/driftsync/driftsync/pkg/errors"
)

type stubConnector struct {
	core.Connector
	name string
}

func stubFactory(name string, cfg *config.ConnectorConfig) (core.Connector, error) {
	return &stubConnector{name: name}, nil
}

func TestRegisterAndCreate(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register("stub", stubFactory, core.Metadata{Description: "test connector"}))
	assert.True(t, r.Exists("stub"))
	assert.False(t, r.Exists("missing"))

	cfg := config.NewConnectorConfig("users", "stub")
	conn, err := r.Create("stub", "users", &cfg)
	require.NoError(t, err)
	assert.Equal(t, "users", conn.(*stubConnector).name)
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register("stub", stubFactory, core.Metadata{}))
	err := r.Register("stub", stubFactory, core.Metadata{})

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestCreateUnknownType(t *testing.T) {
	r := NewRegistry()

	cfg := config.NewConnectorConfig("users", "ghost")
	_, err := r.Create("ghost", "users", &cfg)

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestListSorted(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register("s3", stubFactory, core.Metadata{Description: "object storage"}))
	require.NoError(t, r.Register("kafka", stubFactory, core.Metadata{Description: "streaming"}))
	require.NoError(t, r.Register("memory", stubFactory, core.Metadata{Description: "in-memory"}))

	metas := r.List()
	require.Len(t, metas, 3)
	assert.Equal(t, "kafka", metas[0].Type)
	assert.Equal(t, "memory", metas[1].Type)
	assert.Equal(t, "s3", metas[2].Type)
}

func TestClear(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register("stub", stubFactory, core.Metadata{}))
	r.Clear()

	assert.False(t, r.Exists("stub"))
	assert.Empty(t, r.List())
}
