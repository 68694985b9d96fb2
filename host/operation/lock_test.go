package operation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLockSingleHolder(t *testing.T) {
	l := NewRunLock()
	assert.False(t, l.Held())

	lease, ok := l.TryAcquire()
	require.True(t, ok)
	assert.True(t, l.Held())

	_, ok = l.TryAcquire()
	assert.False(t, ok, "second acquire must fail while held")

	lease.Release()
	assert.False(t, l.Held())

	again, ok := l.TryAcquire()
	require.True(t, ok)
	again.Release()
}

func TestLeaseReleaseIsIdempotent(t *testing.T) {
	l := NewRunLock()
	lease, ok := l.TryAcquire()
	require.True(t, ok)

	lease.Release()
	lease.Release()

	first, ok := l.TryAcquire()
	require.True(t, ok)
	_, ok = l.TryAcquire()
	assert.False(t, ok, "double release must not mint a second token")
	first.Release()
}
