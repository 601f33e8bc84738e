package store

import (
	"errors"
	"fmt"
)

// ErrNetworkDisabled is returned for operations that cannot be served or
// buffered while the network toggle is off.
var ErrNetworkDisabled = errors.New("store: network disabled")

// ErrVirtualGroup is returned when a virtual group id is used with a real
// group CRUD operation.
var ErrVirtualGroup = errors.New("store: virtual groups cannot be created, modified, or deleted")

// NotFoundError indicates the resource was not found for the owner.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// TransientIOError indicates a recoverable network or filesystem failure
// during image sync. It is logged and skipped, never surfaced to the user.
type TransientIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// UploadError indicates the upload provider rejected a payload or returned
// no usable URL. RawResponse carries the provider's raw response body.
type UploadError struct {
	Provider    string
	RawResponse string
	Err         error
}

func (e *UploadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s upload failed: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s upload failed: %s", e.Provider, e.RawResponse)
}

func (e *UploadError) Unwrap() error { return e.Err }

// RemoteWriteError indicates a user-initiated mutation failed at the remote
// store. It is always surfaced; the optimistic local state has already been
// compensated by the time the caller sees it.
type RemoteWriteError struct {
	Op  string
	ID  string
	Err error
}

func (e *RemoteWriteError) Error() string {
	return fmt.Sprintf("remote %s of %s failed: %v", e.Op, e.ID, e.Err)
}

func (e *RemoteWriteError) Unwrap() error { return e.Err }

// QueryError indicates a paginated fetch or count failed. Cursor state is
// left untouched so the same page can be retried.
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s query failed: %v", e.Op, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }
