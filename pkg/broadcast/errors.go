package broadcast

import "errors"

var (
	// ErrNotConnected is returned when publishing on a disconnected transport.
	ErrNotConnected = errors.New("broadcast: not connected")

	// ErrConnectionFailed is returned when the initial broker connection fails.
	ErrConnectionFailed = errors.New("broadcast: connection failed")

	// ErrPublishFailed is returned when a publish is rejected or times out.
	ErrPublishFailed = errors.New("broadcast: publish failed")

	// ErrSubscribeFailed is returned when a subscription is rejected or times out.
	ErrSubscribeFailed = errors.New("broadcast: subscribe failed")

	// ErrInvalidQoS is returned for QoS levels other than 0, 1 and 2.
	ErrInvalidQoS = errors.New("broadcast: invalid QoS level (must be 0, 1, or 2)")
)
