package nearcache

import (
	"errors"
	"fmt"
)

var (
	ErrClosed      = errors.New("nearcache: client closed")
	ErrNotAttached = errors.New("nearcache: name not attached")
)

// AssignmentError reports that partition tokens could not be obtained for Name.
// The name stays not ready; other names are unaffected.
type AssignmentError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *AssignmentError) Error() string {
	return fmt.Sprintf("nearcache: assign partition tokens for %q failed after %d attempt(s): %v",
		e.Name, e.Attempts, e.Err)
}

func (e *AssignmentError) Unwrap() error { return e.Err }

// InvalidateError reports that NearCache.Invalidate could neither bump the key
// generation nor delete the entry (likely a backend outage).
type InvalidateError struct {
	Key     string
	BumpErr error
	DelErr  error
}

func (e *InvalidateError) Error() string {
	switch {
	case e.BumpErr != nil && e.DelErr != nil:
		return fmt.Sprintf("invalidate %q failed: gen bump and delete failed: bump=%v; delete=%v",
			e.Key, e.BumpErr, e.DelErr)
	case e.BumpErr != nil:
		return fmt.Sprintf("invalidate %q: gen bump failed: %v", e.Key, e.BumpErr)
	case e.DelErr != nil:
		return fmt.Sprintf("invalidate %q: delete failed: %v", e.Key, e.DelErr)
	default:
		return fmt.Sprintf("invalidate %q: unknown error", e.Key)
	}
}

func (e *InvalidateError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.BumpErr != nil {
		errs = append(errs, e.BumpErr)
	}
	if e.DelErr != nil {
		errs = append(errs, e.DelErr)
	}
	return errs
}
