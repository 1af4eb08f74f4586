package modelcache

import (
	"errors"
	"fmt"
)

var (
	ErrCacheMiss    = errors.New("modelcache: cache miss")
	ErrCorruptEntry = errors.New("modelcache: corrupt cache entry")
	ErrEmptyModel   = errors.New("modelcache: empty model artifact")
)

// ModelLoadError reports why the model could not be made ready. Op is the
// failing step: "resolve", "fetch" or "build".
type ModelLoadError struct {
	Op     string
	Source string
	Cause  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("model load: %s %s: %v", e.Op, e.Source, e.Cause)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Cause
}
