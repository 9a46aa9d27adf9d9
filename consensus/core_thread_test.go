package consensus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCoreThreadDispatcherSerializesCalls(t *testing.T) {
	fixture := newCoreFixture(t, 4)
	dispatcher := StartCoreThread(fixture.core)
	defer dispatcher.Stop()

	genesis := GenesisBlocks(fixture.context)
	round1 := buildPartialRound(t, 1, []AuthorityIndex{1, 2, 3}, genesis)

	missing, err := dispatcher.AddBlocks(round1)
	require.NoError(t, err)
	require.Empty(t, missing)

	missing, err = dispatcher.GetMissingBlocks()
	require.NoError(t, err)
	require.Empty(t, missing)

	require.NoError(t, dispatcher.NewBlock(2, true))
	require.Equal(t, Round(2), fixture.core.LastProposedBlock().Round())
}

func TestCoreThreadDispatcherShutdown(t *testing.T) {
	fixture := newCoreFixture(t, 4)
	dispatcher := StartCoreThread(fixture.core)
	dispatcher.Stop()

	_, err := dispatcher.GetMissingBlocks()
	require.Error(t, err)
	require.True(t, IsShutdown(err))
}
