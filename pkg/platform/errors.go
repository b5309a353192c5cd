package platform

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/codeready-toolchain/revue/pkg/resilience"
)

// Permanent platform failures. Transient ones carry the resilience.Transient
// marker instead and are retried by the kit.
var (
	// ErrUnauthorized indicates the PAT was rejected (401/403). The agent
	// aborts the entire run on this error.
	ErrUnauthorized = errors.New("platform rejected credentials")

	// ErrNotFound indicates a required resource does not exist (404).
	ErrNotFound = errors.New("platform resource not found")
)

// classifyStatus maps a non-2xx response to the error taxonomy: 401/403/404
// are permanent, 429 and 5xx are transient.
func classifyStatus(status int, method, url string) error {
	err := fmt.Errorf("platform returned HTTP %d for %s %s", status, method, url)
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return resilience.Transient(err)
	}
	return err
}
