// ABOUTME: AuthError reports which credential exchange hop failed
// ABOUTME: Any AuthError is fatal to the connection attempt that triggered it

package auth

import (
	"errors"
	"fmt"
)

// ErrAuth matches every AuthError with errors.Is.
var ErrAuth = errors.New("authentication failed")

// AuthError wraps the failure of one exchange hop.
type AuthError struct {
	Step string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed at %s: %v", e.Step, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrAuth) match any AuthError.
func (e *AuthError) Is(target error) bool {
	return target == ErrAuth
}

func authErr(step string, err error) error {
	return &AuthError{Step: step, Err: err}
}
