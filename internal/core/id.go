package core

import "github.com/google/uuid"

// NewID returns a random UUIDv4 string used for tasks, workflows and series.
func NewID() string {
	return uuid.NewString()
}
