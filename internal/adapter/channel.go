// Package adapter relays locally-originated broadcasts through the message
// bus so they reach clients connected to other roomcast instances, and
// re-applies broadcasts received from the bus to local clients without
// echoing them back.
package adapter

import "strings"

// DefaultChannelPrefix is the channel prefix used when a factory is not
// configured with one. All instances that should see each other's
// broadcasts must share a prefix.
const DefaultChannelPrefix = "roomcast"

// RootNamespace is the namespace assumed when a packet carries none.
const RootNamespace = "/"

// channelFor derives the logical channel for a namespace:
// prefix#namespace#.
func channelFor(prefix, namespace string) string {
	return prefix + "#" + namespace + "#"
}

// roomChannel scopes a namespace channel to a room: channel + room + "#".
// Room channels extend the namespace channel as a string prefix, which is
// what lets a namespace-level consumer match any of its rooms' messages.
func roomChannel(channel, room string) string {
	return channel + room + "#"
}

// channelMatches reports whether an inbound message's channel belongs to
// the subscribed channel space.
func channelMatches(candidate, subscribed string) bool {
	return strings.HasPrefix(candidate, subscribed)
}
