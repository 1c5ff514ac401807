package engine

import (
	"fmt"
	"strconv"
	"time"

	"github.com/sebas/yatelink/wire"
)

// Route is one destination attempt in a fork set.
type Route struct {
	Host      string // required, "host" or "host:port"
	Caller    string // overrides the destination default
	Called    string // overrides the destination default
	Protocol  string // default "sip"
	Formats   string // codec preference list
	FullRoute string // verbatim callto target, bypasses URI building
	Line      string // outbound line to place the call on

	// ForwardTimeout delays giving up on this route before moving to
	// the next group.
	ForwardTimeout time.Duration
}

// Destination is a prioritized route list for one called number.
type Destination struct {
	Called string
	Routes []Route
	Caller string

	// Timeout and SetupTimeout override the engine-wide defaults for
	// this call. Zero means default.
	Timeout      time.Duration
	SetupTimeout time.Duration
}

// preRingGrace pads drop separators so pre-ring time does not eat into
// the forward timeout.
const preRingGrace = 3 * time.Second

func ms(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}

// forkParams translates a route list into the engine's callfork
// parameter dictionary. Every route gets its own group (a "|"
// separator before each route after the first), so routes are tried
// strictly in sequence.
func forkParams(dest Destination) ([]wire.Param, error) {
	if len(dest.Routes) == 0 {
		return nil, ErrNoRoutes
	}
	params := []wire.Param{
		{Key: "$retvalue", Value: "fork"},
		{Key: "fork.stop", Value: "busy"},
	}
	pos := 0
	for k, route := range dest.Routes {
		pos++
		if k > 0 {
			sep := "|"
			if route.ForwardTimeout > 0 {
				sep = "|drop=" + ms(route.ForwardTimeout+preRingGrace)
			}
			params = append(params, wire.Param{Key: "callto." + strconv.Itoa(pos), Value: sep})
			pos++
		}
		if route.Host == "" {
			return nil, fmt.Errorf("%w: route %d", ErrRouteWithoutHost, k+1)
		}
		proto := route.Protocol
		if proto == "" {
			proto = "sip"
		}
		caller := route.Caller
		if caller == "" {
			caller = dest.Caller
		}
		called := route.Called
		if called == "" {
			called = dest.Called
		}
		calledURI := called
		if proto == "sip" {
			calledURI = "sip:" + called
		}
		target := route.FullRoute
		if target == "" {
			target = proto + "/" + calledURI + "@" + route.Host
		}

		prefix := "callto." + strconv.Itoa(pos)
		params = append(params,
			wire.Param{Key: prefix, Value: target},
			wire.Param{Key: prefix + ".caller", Value: caller},
			wire.Param{Key: prefix + ".callername", Value: caller},
			wire.Param{Key: prefix + ".domain", Value: route.Host},
			wire.Param{Key: prefix + ".called", Value: called},
		)
		if route.Formats != "" {
			params = append(params, wire.Param{Key: prefix + ".formats", Value: route.Formats})
		}
		if route.Line != "" {
			params = append(params, wire.Param{Key: prefix + ".line", Value: route.Line})
		}
	}
	return params, nil
}
