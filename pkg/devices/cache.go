package devices

// cached is an explicit lazily-filled cache for one field. The zero
// value is empty. Drivers hold one per cacheable field instead of
// relying on nil-sentinel attribute tricks, so invalidation is always
// an explicit call.
type cached[T any] struct {
	val T
	set bool
}

// get returns the cached value, calling fill to compute it on first
// access. A fill error leaves the cache empty.
func (c *cached[T]) get(fill func() (T, error)) (T, error) {
	if c.set {
		return c.val, nil
	}
	v, err := fill()
	if err != nil {
		var zero T
		return zero, err
	}
	c.val = v
	c.set = true
	return v, nil
}

// peek returns the cached value without filling.
func (c *cached[T]) peek() (T, bool) {
	return c.val, c.set
}

// invalidate empties the cache; the next get recomputes.
func (c *cached[T]) invalidate() {
	var zero T
	c.val = zero
	c.set = false
}
