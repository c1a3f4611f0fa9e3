package artifact

import (
	"errors"
	"fmt"
)

var (
	// ErrFetch matches every provisioning failure.
	ErrFetch            = errors.New("artifact fetch failed")
	ErrChecksumMismatch = errors.New("artifact checksum mismatch")
)

// FetchError describes why an artifact could not be made available.
// Op is one of stat, download, verify or write.
type FetchError struct {
	Op         string
	URL        string
	Path       string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch artifact %s (%s): %s: status %d", e.Path, e.URL, e.Op, e.StatusCode)
	}
	return fmt.Sprintf("fetch artifact %s (%s): %s: %v", e.Path, e.URL, e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrFetch }
