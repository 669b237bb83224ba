package portal

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Fault makes the simulator fail an operation. Transient failures are
// returned for the next Transient calls; Permanent rejects every call.
type Fault struct {
	Transient int
	Permanent bool
}

type simSession struct {
	service    string
	account    string
	lastSeen   time.Time
	challenges map[string]string
	verified   map[string]bool
	forms      map[string]map[string]string
	receipt    *Receipt
	closed     bool
}

// Simulator is an in-memory Portal with configurable latency and fault
// injection.
type Simulator struct {
	mu         sync.Mutex
	sessions   map[string]*simSession
	faults     map[string]*Fault
	delay      time.Duration
	sessionTTL time.Duration
	strictOTP  bool
	now        func() time.Time
	refSeq     int
	logger     *slog.Logger
}

// SimOption configures a Simulator.
type SimOption func(*Simulator)

// WithStepDelay adds latency to every operation.
func WithStepDelay(d time.Duration) SimOption {
	return func(s *Simulator) { s.delay = d }
}

// WithSessionTTL sets how long an idle session stays valid.
func WithSessionTTL(d time.Duration) SimOption {
	return func(s *Simulator) { s.sessionTTL = d }
}

// WithStrictOTP makes OTP verification accept only the issued code. By
// default any six-digit code is accepted since no SMS is actually sent.
func WithStrictOTP() SimOption {
	return func(s *Simulator) { s.strictOTP = true }
}

// WithSimClock overrides the time source.
func WithSimClock(now func() time.Time) SimOption {
	return func(s *Simulator) { s.now = now }
}

// WithSimLogger sets the logger.
func WithSimLogger(l *slog.Logger) SimOption {
	return func(s *Simulator) { s.logger = l }
}

// NewSimulator creates a Simulator.
func NewSimulator(opts ...SimOption) *Simulator {
	s := &Simulator{
		sessions:   map[string]*simSession{},
		faults:     map[string]*Fault{},
		sessionTTL: 15 * time.Minute,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InjectFault installs a fault for an operation ("login", "challenge",
// "verify", "submit", "finalize") or for one form ("submit:income").
func (s *Simulator) InjectFault(key string, f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[key] = &f
}

// IssuedCode returns the code of the last challenge of kind in a session.
func (s *Simulator) IssuedCode(token, kind string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[token]; ok {
		return sess.challenges[kind]
	}
	return ""
}

// Form returns what was submitted for form in a session, including closed
// ones.
func (s *Simulator) Form(token, form string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[token]; ok {
		return maps.Clone(sess.forms[form])
	}
	return nil
}

// ExpireSessions invalidates every open session.
func (s *Simulator) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.lastSeen = time.Time{}
	}
}

func (s *Simulator) wait(ctx context.Context) error {
	if s.delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// fault must be called with s.mu held.
func (s *Simulator) fault(op, form string) error {
	for _, key := range []string{op + ":" + form, op} {
		f, ok := s.faults[key]
		if !ok {
			continue
		}
		if f.Permanent {
			return &Error{Op: op, Form: form, Err: ErrRejected}
		}
		if f.Transient > 0 {
			f.Transient--
			return &Error{Op: op, Form: form, Err: ErrUnavailable}
		}
	}
	return nil
}

// session must be called with s.mu held.
func (s *Simulator) session(op string, sess Session) (*simSession, error) {
	st, ok := s.sessions[sess.Token]
	if !ok || st.closed || s.now().Sub(st.lastSeen) > s.sessionTTL {
		return nil, &Error{Op: op, Err: ErrSessionExpired}
	}
	st.lastSeen = s.now()
	return st, nil
}

func (s *Simulator) Login(ctx context.Context, service, account, secret string) (Session, error) {
	if err := s.wait(ctx); err != nil {
		return Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("login", ""); err != nil {
		return Session{}, err
	}
	if service != ServiceIncomeTax && service != ServicePassport {
		return Session{}, &Error{Op: "login", Err: fmt.Errorf("%w: unknown service %q", ErrRejected, service)}
	}
	if strings.TrimSpace(account) == "" {
		return Session{}, &Error{Op: "login", Err: fmt.Errorf("%w: empty account", ErrRejected)}
	}
	token := uuid.NewString()
	s.sessions[token] = &simSession{
		service:    service,
		account:    account,
		lastSeen:   s.now(),
		challenges: map[string]string{},
		verified:   map[string]bool{},
		forms:      map[string]map[string]string{},
	}
	s.logger.Debug("portal login", "service", service)
	return Session{Token: token, Service: service}, nil
}

func (s *Simulator) Resume(ctx context.Context, token string) (Session, error) {
	if err := s.wait(ctx); err != nil {
		return Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.session("resume", Session{Token: token})
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, Service: st.service}, nil
}

const captchaAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func (s *Simulator) Challenge(ctx context.Context, sess Session, kind string) (Challenge, error) {
	if err := s.wait(ctx); err != nil {
		return Challenge{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("challenge", kind); err != nil {
		return Challenge{}, err
	}
	st, err := s.session("challenge", sess)
	if err != nil {
		return Challenge{}, err
	}

	switch kind {
	case "otp":
		code := fmt.Sprintf("%06d", rand.IntN(1000000))
		st.challenges[kind] = code
		return Challenge{
			Kind:   kind,
			Prompt: "Enter the 6-digit OTP sent to your registered mobile number",
			Aux:    map[string]string{"channel": "sms", "length": "6"},
		}, nil
	case "captcha":
		b := make([]byte, 6)
		for i := range b {
			b[i] = captchaAlphabet[rand.IntN(len(captchaAlphabet))]
		}
		code := string(b)
		st.challenges[kind] = code
		return Challenge{
			Kind:   kind,
			Prompt: "Type the characters shown in the image to submit the application",
			Aux:    map[string]string{"captcha_text": code},
		}, nil
	}
	return Challenge{}, &Error{Op: "challenge", Form: kind, Err: fmt.Errorf("%w: unsupported challenge", ErrRejected)}
}

var sixDigits = regexp.MustCompile(`^\d{6}$`)

func (s *Simulator) Verify(ctx context.Context, sess Session, kind, value string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("verify", kind); err != nil {
		return err
	}
	st, err := s.session("verify", sess)
	if err != nil {
		return err
	}
	issued, ok := st.challenges[kind]
	if !ok {
		return &Error{Op: "verify", Form: kind, Err: fmt.Errorf("%w: no challenge issued", ErrRejected)}
	}
	value = strings.TrimSpace(value)
	var match bool
	switch {
	case kind == "otp" && !s.strictOTP:
		match = sixDigits.MatchString(value)
	case kind == "captcha":
		match = strings.EqualFold(value, issued)
	default:
		match = value == issued
	}
	if !match {
		return &Error{Op: "verify", Form: kind, Err: ErrChallengeFailed}
	}
	st.verified[kind] = true
	delete(st.challenges, kind)
	return nil
}

func (s *Simulator) Submit(ctx context.Context, sess Session, form string, fields map[string]string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("submit", form); err != nil {
		return err
	}
	st, err := s.session("submit", sess)
	if err != nil {
		return err
	}
	if st.receipt != nil {
		return &Error{Op: "submit", Form: form, Err: fmt.Errorf("%w: application already submitted", ErrRejected)}
	}
	st.forms[form] = maps.Clone(fields)
	return nil
}

// requiredChallenge is the verification each service demands before
// accepting an application.
var requiredChallenge = map[string]string{
	ServiceIncomeTax: "otp",
	ServicePassport:  "captcha",
}

func (s *Simulator) Finalize(ctx context.Context, sess Session) (Receipt, error) {
	if err := s.wait(ctx); err != nil {
		return Receipt{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("finalize", ""); err != nil {
		return Receipt{}, err
	}
	st, err := s.session("finalize", sess)
	if err != nil {
		return Receipt{}, err
	}
	if st.receipt != nil {
		return *st.receipt, nil
	}
	if kind := requiredChallenge[st.service]; !st.verified[kind] {
		return Receipt{}, &Error{Op: "finalize", Err: fmt.Errorf("%w: %s not verified", ErrRejected, kind)}
	}
	s.refSeq++
	var r Receipt
	switch st.service {
	case ServiceIncomeTax:
		r = Receipt{
			Reference:         fmt.Sprintf("ITR%d%09d", s.now().Year(), s.refSeq),
			AcknowledgementID: uuid.NewString(),
		}
	default:
		r = Receipt{
			Reference:         fmt.Sprintf("PSK-%s-%06d", s.now().Format("0601"), s.refSeq),
			AcknowledgementID: uuid.NewString(),
		}
	}
	st.receipt = &r
	s.logger.Info("portal application submitted", "service", st.service, "reference", r.Reference)
	return r, nil
}

func (s *Simulator) Logout(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[sess.Token]; ok {
		st.closed = true
	}
	return nil
}

var _ Portal = (*Simulator)(nil)
