package delivery

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/TurnGuard/internal/models"
)

// NetworkError marks a transport failure that may be retried.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err wraps a *NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

var authKeywords = []string{
	"unauthorized",
	"unauthenticated",
	"not authenticated",
	"401",
	"jwt expired",
	"token expired",
	"invalid token",
	"session expired",
	"refresh token",
	"auth session missing",
}

// IsAuthError reports whether err looks like an expired or missing session,
// judged by sentinel, message and type name.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, models.ErrAuthExpired) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, k := range authKeywords {
		if strings.Contains(msg, k) {
			return true
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		name := strings.ToLower(fmt.Sprintf("%T", e))
		if strings.Contains(name, "autherror") || strings.Contains(name, "authenticationerror") {
			return true
		}
	}
	return false
}
