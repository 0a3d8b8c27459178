package uuid

import (
	"testing"

	guuid "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewID_ProducesUniqueV7IDs(t *testing.T) {
	t.Parallel()

	g := New()
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id, err := g.NewID()
		require.NoError(t, err)

		parsed, err := guuid.Parse(id)
		require.NoError(t, err)
		require.Equal(t, guuid.Version(7), parsed.Version())

		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}
