package devices

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedFillsOnce(t *testing.T) {
	var c cached[int]
	calls := 0
	fill := func() (int, error) { calls++; return 42, nil }

	v, err := c.get(fill)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	_, err = c.get(fill)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestCachedFillErrorLeavesEmpty(t *testing.T) {
	var c cached[string]
	boom := errors.New("unreachable")
	_, err := c.get(func() (string, error) { return "", boom })
	require.ErrorIs(t, err, boom)

	v, err := c.get(func() (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestCachedInvalidate(t *testing.T) {
	var c cached[int]
	calls := 0
	fill := func() (int, error) { calls++; return calls, nil }

	v, _ := c.get(fill)
	assert.Equal(t, 1, v)
	c.invalidate()
	v, _ = c.get(fill)
	assert.Equal(t, 2, v)
}
