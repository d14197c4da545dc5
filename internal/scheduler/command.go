package scheduler

// Command is a request from the UI layer.
type Command interface {
	User() string
}

// Start begins or resumes a session. Starting a running session is a no-op.
type Start struct {
	UserID string
}

// Stop ends the session if one is running. Always succeeds.
type Stop struct {
	UserID string
}

func (c Start) User() string { return c.UserID }
func (c Stop) User() string  { return c.UserID }
