package jobs

import "errors"

// ErrAlreadyExists indicates a create collided with an existing job id.
var ErrAlreadyExists = errors.New("job already exists")

// ErrNotFound indicates no job carries the requested id.
var ErrNotFound = errors.New("job not found")
