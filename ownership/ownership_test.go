package ownership

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAcquireInvalidatesPreviousHolder(t *testing.T) {
	r := New()

	first := r.Acquire("call:1/callee", "conn-a")
	assert.True(t, r.Valid(first))

	second := r.Acquire("call:1/callee", "conn-b")
	assert.False(t, r.Valid(first), "earlier token must be superseded")
	assert.True(t, r.Valid(second))

	assert.Equal(t, "conn-b", second.Holder)

	assert.False(t, r.Release(first), "stale token cannot release")
	assert.True(t, r.Release(second))
	assert.False(t, r.Valid(second))
}

func TestReleaseHolder(t *testing.T) {
	r := New()
	r.Acquire("call:1/caller", "conn-a")
	r.Acquire("call:2/caller", "conn-a")
	keep := r.Acquire("call:3/caller", "conn-b")

	released := r.ReleaseHolder("conn-a")
	assert.ElementsMatch(t, []string{"call:1/caller", "call:2/caller"}, released)
	assert.True(t, r.Valid(keep))
	assert.Empty(t, r.ReleaseHolder("conn-a"))
}
