package capture

import (
	"fmt"
	"os"
	"strings"
)

// ErrorKind classifies camera acquisition failures. All kinds are handled the
// same way (surface the error, keep the draw loop alive); the kind only
// drives the user-facing message.
type ErrorKind string

const (
	PermissionDenied ErrorKind = "permission_denied"
	DeviceNotFound   ErrorKind = "device_not_found"
	DeviceBusy       ErrorKind = "device_busy"
	PreviewFailed    ErrorKind = "preview_failed"
)

// Error is a classified capture failure.
type Error struct {
	Kind   ErrorKind
	Device string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capture %s (%s): %v", e.Kind, e.Device, e.Err)
	}
	return fmt.Sprintf("capture %s (%s)", e.Kind, e.Device)
}

func (e *Error) Unwrap() error { return e.Err }

// Message returns the user-facing string for the failure.
func (e *Error) Message() string {
	switch e.Kind {
	case PermissionDenied:
		return "Camera access denied. Grant permission and try again."
	case DeviceNotFound:
		return "No camera found. Connect a camera and try again."
	case DeviceBusy:
		return "Camera is in use by another application."
	default:
		return "Camera preview failed. Try restarting the stream."
	}
}

// classifyOpenFailure maps a device-open failure (stat error or capture
// process stderr) onto an ErrorKind.
func classifyOpenFailure(device string, statErr error, stderr string) *Error {
	switch {
	case statErr != nil && os.IsNotExist(statErr):
		return &Error{Kind: DeviceNotFound, Device: device, Err: statErr}
	case statErr != nil && os.IsPermission(statErr):
		return &Error{Kind: PermissionDenied, Device: device, Err: statErr}
	}
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "permission denied") || strings.Contains(lower, "not permitted"):
		return &Error{Kind: PermissionDenied, Device: device, Err: fmt.Errorf("%s", strings.TrimSpace(stderr))}
	case strings.Contains(lower, "busy"):
		return &Error{Kind: DeviceBusy, Device: device, Err: fmt.Errorf("%s", strings.TrimSpace(stderr))}
	case strings.Contains(lower, "no such file") || strings.Contains(lower, "no such device") || strings.Contains(lower, "cannot find"):
		return &Error{Kind: DeviceNotFound, Device: device, Err: fmt.Errorf("%s", strings.TrimSpace(stderr))}
	default:
		return &Error{Kind: PreviewFailed, Device: device, Err: fmt.Errorf("%s", strings.TrimSpace(stderr))}
	}
}
