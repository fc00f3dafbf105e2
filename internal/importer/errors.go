package importer

import (
	"errors"
	"fmt"

	"github.com/jbweber/homelab/keaport/internal/repository"
)

// ConflictError reports a uniqueness violation: the prefix already exists
// or the selected interface already carries a subnet. Never retried.
type ConflictError struct {
	Subnet string
	Err    error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict for %s: %v", e.Subnet, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// ExternalCallError is a failed write to a remote destination after the
// local write succeeded.
type ExternalCallError struct {
	Destination string
	Err         error
}

func (e *ExternalCallError) Error() string {
	return fmt.Sprintf("%s: %v", e.Destination, e.Err)
}

func (e *ExternalCallError) Unwrap() error { return e.Err }

// FatalError aborts a batch before any write.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("import aborted: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func isConflict(err error) bool {
	return errors.Is(err, repository.ErrDuplicate) || errors.Is(err, repository.ErrConflict)
}
