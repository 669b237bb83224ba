package executor

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/govflow/internal/portal"
)

const checkpointSession = "session"

// OpenSession continues the portal session recorded by an earlier attempt, or
// logs in afresh when there is none or it has expired.
func OpenSession(ctx context.Context, p portal.Portal, rt Runtime, service, account, secret string) (portal.Session, error) {
	if cp, ok := rt.Completed(checkpointSession); ok && cp["token"] != "" {
		s, err := p.Resume(ctx, cp["token"])
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, portal.ErrSessionExpired) {
			return portal.Session{}, FromPortal("resume session", err)
		}
	}
	s, err := p.Login(ctx, service, account, secret)
	if err != nil {
		return portal.Session{}, FromPortal("login", err)
	}
	if err := rt.Checkpoint(ctx, checkpointSession, map[string]string{"token": s.Token}); err != nil {
		return portal.Session{}, err
	}
	return s, nil
}

// StepDone reports whether step finished in session s. Work done in an
// earlier, expired session does not count.
func StepDone(rt Runtime, s portal.Session, step string) bool {
	cp, ok := rt.Completed(step)
	return ok && cp[checkpointSession] == s.Token
}

// RunStep runs fn unless step already finished in session s, then records it.
func RunStep(ctx context.Context, rt Runtime, s portal.Session, step string, fn func() error) error {
	if StepDone(rt, s, step) {
		return nil
	}
	if rt.Cancelled() {
		return ErrCancelled
	}
	if err := fn(); err != nil {
		return err
	}
	return rt.Checkpoint(ctx, step, map[string]string{checkpointSession: s.Token})
}

const auxPrefix = "aux."

// Verify completes a portal challenge of kind, suspending the job until the
// requester supplies the answer. The challenge is issued once per session so
// a resumed attempt answers the same challenge it showed the requester. A new
// session gets a new challenge id, so an answer to the old one is not used.
func Verify(ctx context.Context, p portal.Portal, rt Runtime, s portal.Session, kind string) error {
	verified := "verified_" + kind
	if StepDone(rt, s, verified) {
		return nil
	}
	issued := "challenge_" + kind
	cp, ok := rt.Completed(issued)
	if !ok || cp[checkpointSession] != s.Token {
		ch, err := p.Challenge(ctx, s, kind)
		if err != nil {
			return FromPortal("request "+kind, err)
		}
		cp = map[string]string{checkpointSession: s.Token, "id": uuid.NewString(), "prompt": ch.Prompt}
		for k, v := range ch.Aux {
			cp[auxPrefix+k] = v
		}
		if err := rt.Checkpoint(ctx, issued, cp); err != nil {
			return err
		}
	}

	aux := map[string]string{}
	for k, v := range cp {
		if strings.HasPrefix(k, auxPrefix) {
			aux[strings.TrimPrefix(k, auxPrefix)] = v
		}
	}
	value, err := rt.AwaitInput(ctx, kind, cp["id"], cp["prompt"], aux)
	if err != nil {
		return err
	}
	if err := p.Verify(ctx, s, kind, value); err != nil {
		if errors.Is(err, portal.ErrChallengeFailed) {
			return Permanent(CodeInputRejected, "the entered "+kind+" was not accepted", err)
		}
		return FromPortal("verify "+kind, err)
	}
	return rt.Checkpoint(ctx, verified, map[string]string{checkpointSession: s.Token})
}
