package testhelper

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandFrom(t *testing.T) {
	t.Parallel()

	t.Run("draws only from the set", func(t *testing.T) {
		t.Parallel()

		s := MustRandString(64)
		assert.Len(t, s, 64)
		assert.Empty(t, strings.Trim(s, lowerAlnum))
	})

	t.Run("reports a failing reader", func(t *testing.T) {
		t.Parallel()

		_, err := randFrom(strings.NewReader(""), digits, 4)
		require.Error(t, err)
	})
}

func TestEventIDs(t *testing.T) {
	t.Parallel()

	ids := EventIDs(t, 20)
	require.Len(t, ids, 20)

	seen := make(map[string]struct{}, len(ids))

	for _, id := range ids {
		assert.Regexp(t, `^[A-Z]{2}-26-[0-9]{6}$`, id)
		assert.NotContains(t, seen, id)

		seen[id] = struct{}{}
	}
}
