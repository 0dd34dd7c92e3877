// Package models defines the payloads exchanged between participants on the bus.
package models

import "github.com/google/uuid"

// Identity is the opaque per-process identifier of a participant (ClientID).
// Identities are compared lexicographically when breaking election ties.
type Identity string

// NewIdentity generates a fresh random identity for this process.
func NewIdentity() Identity {
	return Identity(uuid.NewString())
}

// Short returns the first 8 characters, for logs and the dashboard.
func (id Identity) Short() string {
	if len(id) > 8 {
		return string(id[:8])
	}
	return string(id)
}

// Presence is announced on the presence topic during discovery.
type Presence struct {
	ClientID Identity `json:"ClientID"`
}

// Vote is published once per node per election round.
type Vote struct {
	ClientID Identity `json:"ClientID"`
	VoteID   uint64   `json:"VoteID"`
}
