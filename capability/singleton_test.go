package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobalLazyInit(t *testing.T) {
	ResetGlobal()
	defer ResetGlobal()

	r := Global()
	require.NotNil(t, r)
	assert.Same(t, r, Global())
}

func TestInitGlobalOnlyEffectiveOnce(t *testing.T) {
	ResetGlobal()
	defer ResetGlobal()

	custom := NewRegistry(nil, nil)
	InitGlobal(custom)
	assert.Same(t, custom, Global())

	other := NewRegistry(nil, nil)
	InitGlobal(other)
	assert.Same(t, custom, Global())
}
