// Package vsync provides virtual synchrony for groups of processes over
// libp2p. Every member of a group observes the same sequence of membership
// views and the same set of messages between two consecutive views.
//
// The protocol lives in the flush package and runs over any network.Transport.
// New wires it to the pubsub transport of the p2p package.
package vsync
