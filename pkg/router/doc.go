/*
Package router is the HTTP front door.

Each request is dispatched by Host header. The control domain goes to
the control API; anything under the base domain resolves to an instance:

	label.service.base  →  direct routing to that specific instance
	service.base        →  weighted random selection across instances
	anything else       →  404

Direct routing wakes absent instances transparently (any label is
permitted); weighted routing wakes the service's configured default
label, or answers 503 when none is designated. Weighted selection picks
instance i with probability wᵢ/Σw from a process-seeded PRNG; zero
weight excludes an instance from weighted traffic but direct subdomains
still reach it.

The chosen instance's last-activity is touched on every proxied request
before the body streams; health probes never pass through here. The
proxy preserves method, path and query, streams both bodies, adds the
X-Forwarded-* chain, passes upstream 5xx through untouched, and answers
502 when the upstream connection fails.
*/
package router
