package core

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks a bad scene, pipeline or table description. It is
	// always detected before anything is submitted to the GPU.
	ErrConfiguration = errors.New("configuration error")
	// ErrResourceExhaustion marks an allocation or build estimate above budget.
	ErrResourceExhaustion = errors.New("resource exhaustion")
	// ErrDeviceLost marks a submission, fence wait or object creation failure.
	// The GPU state is assumed corrupted and nothing is retried.
	ErrDeviceLost = errors.New("device lost")
)

func ConfigurationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func ResourceExhaustionError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrResourceExhaustion, fmt.Sprintf(format, args...))
}

// DeviceLostError wraps cause (which may be nil) as a device loss.
func DeviceLostError(cause error, format string, args ...interface{}) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrDeviceLost, fmt.Sprintf(format, args...))
	}
	return fmt.Errorf("%w: %s: %w", ErrDeviceLost, fmt.Sprintf(format, args...), cause)
}

func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

func IsResourceExhaustion(err error) bool {
	return errors.Is(err, ErrResourceExhaustion)
}

func IsDeviceLost(err error) bool {
	return errors.Is(err, ErrDeviceLost)
}
