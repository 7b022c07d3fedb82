package model

import (
	"errors"
)

var (
	ErrNotFound   = errors.New("job not found")
	ErrNotRunning = errors.New("job has no live process")
)
