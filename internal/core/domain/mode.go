package domain

import "strings"

// Mode governs how the replay controller treats a request.
type Mode string

const (
	// ModeOff forwards every call and records nothing.
	ModeOff Mode = "off"

	// ModeRecord forwards every call and overwrites the cassette.
	ModeRecord Mode = "record"

	// ModeReplay serves cassettes only; a miss is an error.
	ModeReplay Mode = "replay"

	// ModeAuto serves cassettes and records on a miss.
	ModeAuto Mode = "auto"

	// ModeStrict serves cassettes only and forbids any network I/O or disk writes.
	ModeStrict Mode = "strict"
)

// Modes lists every mode in table order.
var Modes = []Mode{ModeOff, ModeRecord, ModeReplay, ModeAuto, ModeStrict}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	for _, known := range Modes {
		if m == known {
			return true
		}
	}
	return false
}

// AllowsUpstream reports whether the mode may ever reach the upstream API.
func (m Mode) AllowsUpstream() bool {
	return m == ModeOff || m == ModeRecord || m == ModeAuto
}

// ParseMode parses a mode name, case-insensitively.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", ErrInvalidRequest("unknown mode: " + s).WithParam("mode")
	}
	return m, nil
}

// MatchPolicy selects which request fields participate in the signature.
type MatchPolicy string

const (
	// MatchExact signs every field including sampling parameters.
	MatchExact MatchPolicy = "exact"

	// MatchFuzzy signs provider, model, messages and tools only.
	MatchFuzzy MatchPolicy = "fuzzy"
)

// ParseMatchPolicy parses a match policy name. Empty means fuzzy.
func ParseMatchPolicy(s string) (MatchPolicy, error) {
	switch p := MatchPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return MatchFuzzy, nil
	case MatchExact, MatchFuzzy:
		return p, nil
	}
	return "", ErrInvalidRequest("unknown match policy: " + s).WithParam("match_policy")
}
