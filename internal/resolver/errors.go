package resolver

import "fmt"

// ResolveError reports a failure turning a Source into an Artifact.
type ResolveError struct {
	// Digest identifies the bytes source, if any.
	Digest string
	// Op names the failing step (hash, extract, publish, lookup).
	Op  string
	Err error
}

func (e *ResolveError) Error() string {
	if e.Digest != "" {
		return fmt.Sprintf("resolve %s: %s: %v", short(e.Digest), e.Op, e.Err)
	}
	return fmt.Sprintf("resolve: %s: %v", e.Op, e.Err)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}
