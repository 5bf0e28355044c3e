package claim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandSource_ExtractsTaskID(t *testing.T) {
	s, err := NewCommandSource("ptc", "echo", "next up: ptc-T42 (queued)")
	require.NoError(t, err)

	id, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ptc-T42", id)
}

func TestCommandSource_NoReadyWorkPhrase(t *testing.T) {
	s, err := NewCommandSource("ptc", "echo", "No ready work at the moment")
	require.NoError(t, err)

	id, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestCommandSource_UnrecognizedOutput(t *testing.T) {
	s, err := NewCommandSource("ptc", "echo", "other-T1 is not ours")
	require.NoError(t, err)

	id, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestCommandSource_CommandFailure(t *testing.T) {
	s, err := NewCommandSource("ptc", "false")
	require.NoError(t, err)

	_, err = s.Next(context.Background())
	assert.Error(t, err)
}

func TestCommandSource_RequiresNamespaceAndCommand(t *testing.T) {
	_, err := NewCommandSource("", "echo")
	assert.Error(t, err)
	_, err = NewCommandSource("ptc", "")
	assert.Error(t, err)
}
