// Package portal is the boundary to the government web portals that executors
// drive. Simulator stands in for the real portals.
package portal

import (
	"context"
	"errors"
	"fmt"
)

// Services known to the simulator.
const (
	ServiceIncomeTax = "income_tax"
	ServicePassport  = "passport_seva"
)

// Session is an authenticated portal session. The token survives suspension
// so a resumed job continues in the same session.
type Session struct {
	Token   string
	Service string
}

// Challenge is an out-of-band verification the portal asks for.
type Challenge struct {
	Kind   string
	Prompt string
	Aux    map[string]string
}

// Receipt is returned when an application is submitted.
type Receipt struct {
	Reference         string
	AcknowledgementID string
}

// Portal is the contract executors use to talk to a government portal.
type Portal interface {
	Login(ctx context.Context, service, account, secret string) (Session, error)
	Resume(ctx context.Context, token string) (Session, error)
	Challenge(ctx context.Context, s Session, kind string) (Challenge, error)
	Verify(ctx context.Context, s Session, kind, value string) error
	Submit(ctx context.Context, s Session, form string, fields map[string]string) error
	Finalize(ctx context.Context, s Session) (Receipt, error)
	Logout(ctx context.Context, s Session) error
}

var (
	ErrUnavailable     = errors.New("portal unavailable")
	ErrSessionExpired  = errors.New("portal session expired")
	ErrRejected        = errors.New("portal rejected the request")
	ErrChallengeFailed = errors.New("verification failed")
)

// Error is returned by portal operations. Temporary reports whether trying
// the same operation later may succeed.
type Error struct {
	Op   string
	Form string
	Err  error
}

func (e *Error) Error() string {
	if e.Form != "" {
		return fmt.Sprintf("portal %s %s: %v", e.Op, e.Form, e.Err)
	}
	return fmt.Sprintf("portal %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Temporary() bool {
	return errors.Is(e.Err, ErrUnavailable) || errors.Is(e.Err, ErrSessionExpired)
}
