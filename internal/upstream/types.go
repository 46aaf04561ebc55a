// Package upstream dispatches a decoded DNS query to one resolver from an
// ordered, named group, handling protocol selection, per-attempt timeouts,
// and sequential failover.
package upstream

import (
	"errors"
	"time"
)

// Protocol identifies the transport used to reach a ResolverEndpoint.
type Protocol string

const (
	ProtoUDP Protocol = "udp"
	ProtoTCP Protocol = "tcp"
	ProtoDoH Protocol = "doh"
	ProtoDoQ Protocol = "doq"
)

// ResolverEndpoint is one upstream resolver: an address and the transport
// used to reach it. Immutable after configuration.
type ResolverEndpoint struct {
	Address  string
	Protocol Protocol
	SNI      string
}

// Group is an ordered list of resolvers tried in sequence on transport
// failure, plus the per-attempt timeout and optional backoff window. Names
// are unique and immutable after configuration.
type Group struct {
	Name      string
	Endpoints []ResolverEndpoint
	Timeout   time.Duration
	// Backoff, if non-zero, is how long a resolver that just failed is
	// skipped for on subsequent queries in this group.
	Backoff time.Duration
}

// Sentinel errors describing why a dispatch failed.
var (
	// ErrExhausted is returned when every resolver in a group failed.
	ErrExhausted = errors.New("upstream: all resolvers exhausted")
	// ErrNoResolvers is returned when a group has no configured resolvers.
	ErrNoResolvers = errors.New("upstream: group has no resolvers")
	// ErrUnknownGroup is returned when Exchange is called with a group name the Dispatcher was not built with.
	ErrUnknownGroup = errors.New("upstream: unknown group")
)
