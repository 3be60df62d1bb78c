package connector

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAuthFailed       = errors.New("broker: authentication failed")
	ErrServerNotFound   = errors.New("broker: server not found")
	ErrServerTimezone   = errors.New("broker: server timezone detection failed")
	ErrInvalidPlatform  = errors.New("broker: invalid platform")
	ErrDeploymentFailed = errors.New("broker: deployment failed")
)

// Vendor error detail codes.
const (
	CodeAuth           = "E_AUTH"
	CodeServerNotFound = "E_SRV_NOT_FOUND"
	CodeServerTimezone = "E_SERVER_TIMEZONE"
)

// DeploymentError carries a classified reason and a message that is safe to
// show to the trader.
type DeploymentError struct {
	Kind    error
	Message string
	Err     error
}

func (e *DeploymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DeploymentError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ClassifyDeployError maps a vendor failure onto a DeploymentError.
func ClassifyDeployError(err error, server string) *DeploymentError {
	var de *DeploymentError
	if errors.As(err, &de) {
		return de
	}

	var apiErr *APIError
	details := ""
	if errors.As(err, &apiErr) {
		details = apiErr.Details
	}

	switch details {
	case CodeServerNotFound:
		return &DeploymentError{
			Kind:    ErrServerNotFound,
			Message: fmt.Sprintf("Server file not found for '%s'. Please check the server name.", server),
			Err:     err,
		}
	case CodeAuth:
		return &DeploymentError{
			Kind:    ErrAuthFailed,
			Message: "Authentication failed. Please check your login and password.",
			Err:     err,
		}
	case CodeServerTimezone:
		return &DeploymentError{
			Kind:    ErrServerTimezone,
			Message: "Failed to detect broker settings. Please try again later.",
			Err:     err,
		}
	}
	return &DeploymentError{
		Kind:    ErrDeploymentFailed,
		Message: "Account deployment failed",
		Err:     err,
	}
}

// NormalizePlatform accepts mt4/mt5 and the long metatrader4/5 spellings.
func NormalizePlatform(platform string) (string, error) {
	switch p := strings.ToLower(strings.TrimSpace(platform)); p {
	case "mt4", "metatrader4":
		return "mt4", nil
	case "mt5", "metatrader5":
		return "mt5", nil
	default:
		return "", &DeploymentError{
			Kind:    ErrInvalidPlatform,
			Message: fmt.Sprintf("Invalid platform: %s. Must be 'mt4' or 'mt5'", p),
		}
	}
}

// APIError is the error body returned by the brokerage REST API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details"`
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("broker api %d %s: %s (%s)", e.Status, e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("broker api %d %s: %s", e.Status, e.Code, e.Message)
}

// clientFault reports errors caused by the request itself. These do not
// count against the circuit breaker.
func clientFault(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500
}
