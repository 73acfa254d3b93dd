package group_test

import (
	"testing"

	"github.com/cmwaters/vsync/pkg/group"
	"github.com/stretchr/testify/require"
)

func TestSetRejectsDuplicates(t *testing.T) {
	_, err := group.NewSet([]string{"#a#d", "#b#d", "#a#d"})
	require.Error(t, err)
	_, err = group.NewSet(nil)
	require.Error(t, err)
}

func TestSetOnlyShrinks(t *testing.T) {
	set, err := group.NewSet([]string{"#a#d", "#b#d", "#c#d"})
	require.NoError(t, err)
	require.Equal(t, 3, set.Size())
	require.Equal(t, 2, set.Index("#c#d"))

	require.True(t, set.Remove("#b#d"))
	require.False(t, set.Remove("#b#d"))
	require.False(t, set.Has("#b#d"))
	require.Equal(t, 1, set.Index("#c#d"))
	require.Equal(t, []string{"#a#d", "#c#d"}, set.Members())
	require.Equal(t, []string{"#a#d", "#b#d", "#c#d"}, set.Original())
	require.Equal(t, -1, set.Index("#z#d"))
}

func TestSetDifference(t *testing.T) {
	prev, err := group.NewSet([]string{"#a#d", "#b#d", "#c#d"})
	require.NoError(t, err)
	next, err := group.NewSet([]string{"#a#d", "#d#d"})
	require.NoError(t, err)
	require.Equal(t, []string{"#b#d", "#c#d"}, prev.Difference(next))
	require.Equal(t, []string{"#d#d"}, next.Difference(prev))
}
