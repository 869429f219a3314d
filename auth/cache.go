package auth

// The cache slot of a Credential. Reads are lock-free so that the fast path
// never blocks; writes happen only with c.mu held.

// read returns the current token snapshot, or nil if there is none.
func (c *Credential) read() *Token {
	return c.cur.Load()
}

// usable returns whether tok can be handed out now.
func (c *Credential) usable(tok *Token) bool {
	return tok.Usable(c.now())
}

// storeLocked installs the result of the ticket with sequence number seq.
// The write is discarded if a result from a later ticket has already landed.
// The refresh token is remembered separately from the slot so that clearing
// the slot still allows a refresh grant.
func (c *Credential) storeLocked(seq uint64, tok *Token) bool {
	if seq < c.applied {
		return false
	}
	c.applied = seq
	c.cur.Store(tok)
	c.refresh = tok.RefreshToken
	return true
}

// clear empties the slot so that the next call bypasses the fast path.
// It does not forget the refresh token.
func (c *Credential) clear() {
	c.mu.Lock()
	c.cur.Store(nil)
	c.mu.Unlock()
}
