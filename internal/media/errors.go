package media

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	ErrDeviceNotFound   = errors.New("capture device not found")
	ErrPermissionDenied = errors.New("capture permission denied")
	ErrNoStream         = errors.New("no local stream")
)

// Reason classifies why capture failed so callers can tell the user
// something more useful than "media error".
type Reason int

const (
	ReasonOther Reason = iota
	ReasonDeviceNotFound
	ReasonPermissionDenied
)

func (r Reason) String() string {
	switch r {
	case ReasonDeviceNotFound:
		return "device-not-found"
	case ReasonPermissionDenied:
		return "permission-denied"
	default:
		return "other"
	}
}

// AcquisitionError is returned by every failed capture attempt.
type AcquisitionError struct {
	Reason Reason
	Device string // device that failed, empty when not device specific
	Err    error
}

func (e *AcquisitionError) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("media acquisition failed (%s, %s): %v", e.Reason, e.Device, e.Err)
	}
	return fmt.Sprintf("media acquisition failed (%s): %v", e.Reason, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Is lets errors.Is match the reason sentinels.
func (e *AcquisitionError) Is(target error) bool {
	switch target {
	case ErrDeviceNotFound:
		return e.Reason == ReasonDeviceNotFound
	case ErrPermissionDenied:
		return e.Reason == ReasonPermissionDenied
	}
	return false
}

// classify wraps err into an AcquisitionError based on its cause.
func classify(device string, err error) *AcquisitionError {
	var acqErr *AcquisitionError
	if errors.As(err, &acqErr) {
		return acqErr
	}

	reason := ReasonOther
	switch {
	case errors.Is(err, ErrDeviceNotFound), errors.Is(err, fs.ErrNotExist):
		reason = ReasonDeviceNotFound
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, fs.ErrPermission):
		reason = ReasonPermissionDenied
	}
	return &AcquisitionError{Reason: reason, Device: device, Err: err}
}
