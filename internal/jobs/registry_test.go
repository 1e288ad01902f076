package jobs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, *Descriptor) error { return nil }

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("ReportJob", HandlerFunc(noop)))
	require.NoError(t, reg.Register("CleanupTask", HandlerFunc(noop)))

	_, ok := reg.Get("ReportJob")
	assert.True(t, ok)
	_, ok = reg.Get("Missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"CleanupTask", "ReportJob"}, reg.Names())
}

func TestRegistryRejectsInvalid(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("ReportJob", HandlerFunc(noop)))

	assert.Error(t, reg.Register("ReportJob", HandlerFunc(noop)), "duplicate")
	assert.Error(t, reg.Register("", HandlerFunc(noop)), "empty name")
	assert.Error(t, reg.Register("Nil", nil), "nil handler")
}
