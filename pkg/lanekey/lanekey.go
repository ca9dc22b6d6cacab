// Package lanekey derives the lane a command invocation must serialize on
// (§3 "Lane key", §4.6).
package lanekey

import (
	"regexp"

	"github.com/marcohefti/surfwright/pkg/contract"
)

// ControlLane is the constant lane key for commands that never touch a
// browser (help, contract, workspace, doctor, update metadata, state
// reconcile).
const ControlLane = "control"

var profileNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Invocation is the subset of a parsed argument vector the resolver needs.
// It is deliberately narrow: the resolver is pure and total over these
// fields, independent of which command is ultimately dispatched.
type Invocation struct {
	SessionID string
	Profile   string
	AgentID   string
}

// Resolve computes the lane key with the precedence order of §4.6:
// explicit session > profile > agent id > control lane.
func Resolve(inv Invocation) (string, *contract.Error) {
	if inv.SessionID != "" {
		return "session:" + inv.SessionID, nil
	}
	if inv.Profile != "" {
		if !profileNamePattern.MatchString(inv.Profile) {
			return "", contract.New(contract.EProfileInvalid, "profile name must match [A-Za-z0-9._-]+")
		}
		return "profile:" + inv.Profile, nil
	}
	if inv.AgentID != "" {
		return "agent:" + inv.AgentID, nil
	}
	return ControlLane, nil
}
