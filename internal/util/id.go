package util

import "github.com/google/uuid"

// NewID generates a new unique identifier for runs, checkpoints and messages.
func NewID() string { return uuid.NewString() }
