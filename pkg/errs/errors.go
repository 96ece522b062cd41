// Package errs defines the error taxonomy shared by the gateway and every
// plugin. Callers branch on error kind with errors.As, never on message text.
package errs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ValidationError means the user input could not be parsed or is out of the
// domain accepted by the provider constraints.
type ValidationError struct {
	Message    string
	Parameters []string
}

func (e *ValidationError) Error() string {
	if len(e.Parameters) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (parameters: %s)", e.Message, strings.Join(e.Parameters, ", "))
}

// MisconfiguredError means a provider configuration is missing mandatory
// fields, is contradictory, or lacks required credentials. It never triggers
// a fallback to another provider.
type MisconfiguredError struct {
	Provider string
	Message  string
}

func (e *MisconfiguredError) Error() string {
	if e.Provider == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// AuthenticationError means an auth endpoint rejected us (401/403) or a token
// renewal failed without a cached fallback.
type AuthenticationError struct {
	Provider string
	Message  string
	Err      error
}

func (e *AuthenticationError) Error() string {
	msg := e.Message
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// RequestError covers non-auth HTTP failures. The server message is kept
// verbatim so it can be surfaced to the user.
type RequestError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return "request failed: " + e.Err.Error()
	}
	return "request failed: " + e.Message
}

func (e *RequestError) Unwrap() error { return e.Err }

// TimeOutError is raised when a request exceeds its per-call timeout. For
// provider fan-out it is treated like a RequestError but kept distinct so
// operators can tell slowness from breakage.
type TimeOutError struct {
	Timeout time.Duration
	Err     error
}

func (e *TimeOutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("request timed out after %s", e.Timeout)
	}
	return "request timed out"
}

func (e *TimeOutError) Unwrap() error { return e.Err }

// NotAvailableError means the product is OFFLINE or staging and a later retry
// may succeed.
type NotAvailableError struct {
	Message string
}

func (e *NotAvailableError) Error() string { return e.Message }

// DownloadError means the transfer itself failed: streaming write, disk
// error, corrupt archive.
type DownloadError struct {
	Message string
	Err     error
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *DownloadError) Unwrap() error { return e.Err }

// AddressNotFound means a driver could not locate a band or dataset address
// inside a downloaded product.
type AddressNotFound struct {
	Address string
}

func (e *AddressNotFound) Error() string {
	return fmt.Sprintf("address not found: %s", e.Address)
}

type UnsupportedProvider struct {
	Name string
}

func (e *UnsupportedProvider) Error() string {
	return fmt.Sprintf("unsupported provider: %s", e.Name)
}

type UnsupportedProductType struct {
	ID string
}

func (e *UnsupportedProductType) Error() string {
	return fmt.Sprintf("unsupported product type: %s", e.ID)
}

type UnsupportedDatasetAddressScheme struct {
	Scheme string
}

func (e *UnsupportedDatasetAddressScheme) Error() string {
	return fmt.Sprintf("unsupported dataset address scheme: %s", e.Scheme)
}

// PluginImplementationError indicates a plugin violated its interface
// contract. It is a bug, not an operational failure.
type PluginImplementationError struct {
	Message string
}

func (e *PluginImplementationError) Error() string { return e.Message }

// IsAuth reports whether err is (or wraps) an AuthenticationError.
func IsAuth(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// IsMisconfigured reports whether err is (or wraps) a MisconfiguredError.
func IsMisconfigured(err error) bool {
	var me *MisconfiguredError
	return errors.As(err, &me)
}

// IsNotAvailable reports whether err is (or wraps) a NotAvailableError.
func IsNotAvailable(err error) bool {
	var ne *NotAvailableError
	return errors.As(err, &ne)
}

// IsTimeout reports whether err is (or wraps) a TimeOutError.
func IsTimeout(err error) bool {
	var te *TimeOutError
	return errors.As(err, &te)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
