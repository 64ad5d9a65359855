// Package replay implements the mode-governed dispatch between recorded
// cassettes and live upstream calls.
package replay

import (
	"fmt"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
)

// Lookup is the outcome of consulting the cassette store.
type Lookup int

const (
	// LookupSkipped means the mode does not consult cassettes.
	LookupSkipped Lookup = iota
	LookupHit
	LookupMiss
	LookupCorrupt

	// LookupStreamed means a cassette exists but holds a streamed response,
	// which is never replayed.
	LookupStreamed

	// LookupStreamingRequest means the request asks for a stream and either
	// the mode does not consult cassettes or a cassette already exists. A
	// stream is never served from a cassette, and in auto mode an existing
	// cassette is never replaced by one.
	LookupStreamingRequest
)

func (l Lookup) String() string {
	switch l {
	case LookupSkipped:
		return "skipped"
	case LookupHit:
		return "hit"
	case LookupMiss:
		return "miss"
	case LookupCorrupt:
		return "corrupt"
	case LookupStreamed:
		return "streamed"
	case LookupStreamingRequest:
		return "streaming_request"
	default:
		return fmt.Sprintf("unknown(%d)", l)
	}
}

// Action is what the controller does with a request.
type Action int

const (
	// ActionForward calls upstream and records nothing.
	ActionForward Action = iota

	// ActionForwardRecord calls upstream and writes the cassette.
	ActionForwardRecord

	// ActionServe returns the cassette response.
	ActionServe

	ActionFailReplayMiss
	ActionFailStrictMiss
	ActionFailCorrupt
)

func (a Action) String() string {
	switch a {
	case ActionForward:
		return "forward"
	case ActionForwardRecord:
		return "forward_record"
	case ActionServe:
		return "serve"
	case ActionFailReplayMiss:
		return "fail_replay_miss"
	case ActionFailStrictMiss:
		return "fail_strict_miss"
	case ActionFailCorrupt:
		return "fail_corrupt"
	default:
		return fmt.Sprintf("unknown(%d)", a)
	}
}

// CallsUpstream reports whether the action reaches the network.
func (a Action) CallsUpstream() bool {
	return a == ActionForward || a == ActionForwardRecord
}

// Table maps every (mode, lookup) pair to an action. off and record never
// consult cassettes; their other columns exist so the table is total.
var Table = map[domain.Mode]map[Lookup]Action{
	domain.ModeOff: {
		LookupSkipped:          ActionForward,
		LookupHit:              ActionForward,
		LookupMiss:             ActionForward,
		LookupCorrupt:          ActionForward,
		LookupStreamed:         ActionForward,
		LookupStreamingRequest: ActionForward,
	},
	domain.ModeRecord: {
		LookupSkipped:          ActionForwardRecord,
		LookupHit:              ActionForwardRecord,
		LookupMiss:             ActionForwardRecord,
		LookupCorrupt:          ActionForwardRecord,
		LookupStreamed:         ActionForwardRecord,
		LookupStreamingRequest: ActionForwardRecord,
	},
	domain.ModeReplay: {
		LookupSkipped:          ActionFailReplayMiss,
		LookupHit:              ActionServe,
		LookupMiss:             ActionFailReplayMiss,
		LookupCorrupt:          ActionFailCorrupt,
		LookupStreamed:         ActionFailReplayMiss,
		LookupStreamingRequest: ActionFailReplayMiss,
	},
	domain.ModeAuto: {
		LookupSkipped:          ActionForwardRecord,
		LookupHit:              ActionServe,
		LookupMiss:             ActionForwardRecord,
		LookupCorrupt:          ActionFailCorrupt,
		LookupStreamed:         ActionForward,
		LookupStreamingRequest: ActionForward,
	},
	domain.ModeStrict: {
		LookupSkipped:          ActionFailStrictMiss,
		LookupHit:              ActionServe,
		LookupMiss:             ActionFailStrictMiss,
		LookupCorrupt:          ActionFailCorrupt,
		LookupStreamed:         ActionFailStrictMiss,
		LookupStreamingRequest: ActionFailStrictMiss,
	},
}

// ConsultsCassettes reports whether mode looks up cassettes before acting.
func ConsultsCassettes(m domain.Mode) bool {
	return m == domain.ModeReplay || m == domain.ModeAuto || m == domain.ModeStrict
}

// Decide returns the action for mode and lookup. Unknown modes fail closed
// as a strict miss.
func Decide(mode domain.Mode, lookup Lookup) Action {
	if row, ok := Table[mode]; ok {
		if a, ok := row[lookup]; ok {
			return a
		}
	}
	return ActionFailStrictMiss
}
