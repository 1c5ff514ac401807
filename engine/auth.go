package engine

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/icholy/digest"

	"github.com/sebas/yatelink/wire"
)

// AuthRequest is the digest challenge material handed to the policy
// function.
type AuthRequest struct {
	Username  string
	Password  string // rarely present; some engines pass one through
	URI       string
	Realm     string
	Nonce     string
	Method    string
	Algorithm string // default "md5"
	Response  string
	Address   string // caller IP
	NewCall   bool   // call authorization rather than registration

	// Message is the raw user.auth request for policies that need
	// parameters beyond the digest fields.
	Message *wire.Message
}

// Authenticator decides a user.auth request. It runs on its own
// goroutine with a deadline of the engine's AuthTimeout; returning
// after the deadline has no effect beyond the already-sent denial.
type Authenticator func(ctx context.Context, req AuthRequest) (bool, error)

// DigestAuthenticator builds an Authenticator that verifies the digest
// response against a password lookup. lookup returns the cleartext
// password for a username, or false for unknown users.
func DigestAuthenticator(lookup func(username string) (password string, ok bool)) Authenticator {
	return func(_ context.Context, req AuthRequest) (bool, error) {
		password, ok := lookup(req.Username)
		if !ok {
			return false, nil
		}
		method := req.Method
		if method == "" {
			method = "REGISTER"
		}
		chal := digest.Challenge{
			Realm:     req.Realm,
			Nonce:     req.Nonce,
			Algorithm: strings.ToUpper(req.Algorithm),
		}
		expected, err := digest.Digest(&chal, digest.Options{
			Method:   method,
			URI:      req.URI,
			Username: req.Username,
			Password: password,
		})
		if err != nil {
			return false, fmt.Errorf("compute digest: %w", err)
		}
		match := subtle.ConstantTimeCompare([]byte(expected.Response), []byte(req.Response)) == 1
		return match, nil
	}
}

// authExtras prevents the engine's own registration modules from also
// answering an auth we already decided.
func authExtras() []wire.Param {
	return []wire.Param{
		{Key: "auth_register", Value: "false"},
		{Key: "auth_regfile", Value: "false"},
	}
}

// handleUserAuth answers a user.auth request: unconditional accept
// when unregistered users are allowed, a short-circuit for call
// authorizations from users holding a live registration, and otherwise
// the host's policy function under its timeout.
func (e *Engine) handleUserAuth(m *wire.Message) {
	if e.cfg.AllowUnregistered {
		e.reply(m, true, authExtras())
		return
	}

	e.mu.Lock()
	auth := e.auth
	e.mu.Unlock()
	if auth == nil {
		e.reply(m, false, nil)
		e.emitError(fmt.Errorf("%w: denying %s", ErrNoAuthenticator, m.Value("username")))
		return
	}

	username := m.Value("username")
	newCall := m.Value("newcall") == "true"
	if newCall && e.registeredUser(username) {
		e.reply(m, true, authExtras())
		return
	}

	algorithm := m.Value("algorithm")
	if algorithm == "" {
		algorithm = "md5"
	}
	req := AuthRequest{
		Username:  username,
		Password:  m.Value("password"),
		URI:       m.Value("uri"),
		Realm:     m.Value("realm"),
		Nonce:     m.Value("nonce"),
		Method:    m.Value("method"),
		Algorithm: algorithm,
		Response:  m.Value("response"),
		Address:   authAddress(m),
		NewCall:   newCall,
		Message:   m,
	}
	go e.runAuth(auth, m, req)
}

// runAuth invokes the policy function with the configured deadline and
// answers the pending request with its verdict. The denial goes out at
// the deadline even if the policy function never returns.
func (e *Engine) runAuth(auth Authenticator, m *wire.Message, req AuthRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.AuthTimeout)
	defer cancel()

	type verdict struct {
		ok  bool
		err error
	}
	done := make(chan verdict, 1)
	go func() {
		ok, err := invokeAuth(ctx, auth, req)
		done <- verdict{ok: ok, err: err}
	}()

	var ok bool
	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case v := <-done:
		ok, err = v.ok, v.err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		e.met.authResults.WithLabelValues("timeout").Inc()
		e.reply(m, false, nil)
		e.emitError(fmt.Errorf("%w: user %s", ErrAuthTimeout, req.Username))
	case err != nil:
		e.met.authResults.WithLabelValues("error").Inc()
		e.reply(m, false, nil)
		e.emitError(fmt.Errorf("authenticator for %s: %w", req.Username, err))
	case ok:
		e.met.authResults.WithLabelValues("allowed").Inc()
		e.reply(m, true, authExtras())
	default:
		e.met.authResults.WithLabelValues("denied").Inc()
		e.reply(m, false, nil)
	}
}

// invokeAuth shields the session from a panicking policy function.
func invokeAuth(ctx context.Context, auth Authenticator, req AuthRequest) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("authenticator panicked: %v", r)
		}
	}()
	return auth(ctx, req)
}

// authAddress extracts the caller IP: the host part of address, or
// ip_host as fallback.
func authAddress(m *wire.Message) string {
	if addr := m.Value("address"); addr != "" {
		host, _, found := strings.Cut(addr, ":")
		if found {
			return host
		}
		return addr
	}
	return m.Value("ip_host")
}
