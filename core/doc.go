// Package core implements the addressed module bus for Jarvis.
//
// Modules are actors that share a single ordered Bus. Every module owns an
// identity, a private outbound queue and a dispatch loop that takes packets
// addressed to it off the head of the bus. A Registry is a module that also
// tracks subscribers and fans broadcast sends out to them.
package core
