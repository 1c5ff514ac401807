package engine

import "errors"

// Sentinel errors for use with errors.Is.
var (
	// ErrInvalidPort indicates a missing or out-of-range port at
	// construction.
	ErrInvalidPort = errors.New("invalid engine port")

	// ErrDestroyed indicates use of an engine after Destroy.
	ErrDestroyed = errors.New("engine destroyed")

	// ErrChannelTerminated indicates an operation on a hung-up channel.
	ErrChannelTerminated = errors.New("channel already terminated")

	// ErrNotRouting indicates a routing operation on a channel that
	// owes no route reply (peer-mode channel).
	ErrNotRouting = errors.New("channel not in routing mode")

	// ErrAlreadyRouted indicates a second routing operation on the
	// same channel.
	ErrAlreadyRouted = errors.New("channel already routed")

	// ErrPeerBound indicates an attempt to re-peer a channel whose
	// peer link is already established.
	ErrPeerBound = errors.New("channel already has a peer")

	// ErrNoRoutes indicates a destination without routes.
	ErrNoRoutes = errors.New("destination has no routes")

	// ErrRouteWithoutHost indicates a route missing its host.
	ErrRouteWithoutHost = errors.New("route has no host")

	// ErrEmptyCalled indicates a call with no called number.
	ErrEmptyCalled = errors.New("empty called number")

	// ErrInvalidTimeout indicates a negative timeout.
	ErrInvalidTimeout = errors.New("invalid timeout")

	// ErrInvalidSound indicates a sound that is neither an absolute
	// file path nor a tone with a positive duration.
	ErrInvalidSound = errors.New("invalid sound")

	// ErrNoAuthenticator indicates a user.auth request with no policy
	// function configured and unregistered users disallowed.
	ErrNoAuthenticator = errors.New("no authenticator configured")

	// ErrAuthTimeout indicates the authenticator did not answer within
	// the configured window.
	ErrAuthTimeout = errors.New("authenticator timed out")

	// ErrCallInitTimeout indicates the engine never produced the
	// call.route leg for an outgoing call.
	ErrCallInitTimeout = errors.New("outgoing call initiation timed out")

	// ErrUnhandledCall indicates an incoming call no subscriber took.
	ErrUnhandledCall = errors.New("unhandled incoming call")
)
