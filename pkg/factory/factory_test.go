package factory

import (
	"testing"

	"github.com/Meesho/BharatMLStack/group-coordinator/internal/config"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_SuppliedStoreIsNotClosed(t *testing.T) {
	supplied := &store.MockStore{}

	h, err := New(config.StoreConfig{Type: "anything"}, WithSupplied(supplied))
	require.NoError(t, err)
	assert.Same(t, supplied, h.Store())
	assert.False(t, h.Owned())
	assert.NoError(t, h.Close())
	supplied.AssertNotCalled(t, "Close")
}

func TestNew_MemoryStore(t *testing.T) {
	h, err := New(config.StoreConfig{Type: config.StoreMemory})
	require.NoError(t, err)
	assert.True(t, h.Owned())
	assert.True(t, h.Store().Connected())
	require.NoError(t, h.Close())
	assert.False(t, h.Store().Connected())
}

func TestNew_Errors(t *testing.T) {
	_, err := New(config.StoreConfig{Type: "consul"})
	assert.Error(t, err)
	_, err = New(config.StoreConfig{Type: config.StoreZookeeper})
	assert.Error(t, err)
	_, err = New(config.StoreConfig{Type: config.StoreEtcd})
	assert.Error(t, err)
}
