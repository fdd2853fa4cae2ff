package rebuild

// TrackedScopes counts the scopes held in memory.
func (c *Coordinator) TrackedScopes() int {
	n := 0
	c.scopes.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}
