package client

// Session identifies the connection a client currently runs on.
type Session = *live

// CurrentSession returns the live connection, or nil.
func (c *Client) CurrentSession() Session {
	return c.conn.current.Load()
}

// InvalidateSession runs the connection-loss cleanup for s.
func (c *Client) InvalidateSession(s Session) {
	c.registry.invalidate(s)
}
