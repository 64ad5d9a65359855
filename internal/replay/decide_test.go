package replay

import (
	"testing"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
)

var allLookups = []Lookup{LookupSkipped, LookupHit, LookupMiss, LookupCorrupt, LookupStreamed, LookupStreamingRequest}

func TestDecide(t *testing.T) {
	tests := []struct {
		mode   domain.Mode
		lookup Lookup
		want   Action
	}{
		{domain.ModeOff, LookupSkipped, ActionForward},
		{domain.ModeOff, LookupStreamingRequest, ActionForward},

		{domain.ModeRecord, LookupSkipped, ActionForwardRecord},
		{domain.ModeRecord, LookupStreamingRequest, ActionForwardRecord},

		{domain.ModeReplay, LookupHit, ActionServe},
		{domain.ModeReplay, LookupMiss, ActionFailReplayMiss},
		{domain.ModeReplay, LookupCorrupt, ActionFailCorrupt},
		{domain.ModeReplay, LookupStreamed, ActionFailReplayMiss},
		{domain.ModeReplay, LookupStreamingRequest, ActionFailReplayMiss},

		{domain.ModeAuto, LookupHit, ActionServe},
		{domain.ModeAuto, LookupMiss, ActionForwardRecord},
		{domain.ModeAuto, LookupCorrupt, ActionFailCorrupt},
		{domain.ModeAuto, LookupStreamed, ActionForward},
		{domain.ModeAuto, LookupStreamingRequest, ActionForward},

		{domain.ModeStrict, LookupHit, ActionServe},
		{domain.ModeStrict, LookupMiss, ActionFailStrictMiss},
		{domain.ModeStrict, LookupCorrupt, ActionFailCorrupt},
		{domain.ModeStrict, LookupStreamed, ActionFailStrictMiss},
		{domain.ModeStrict, LookupStreamingRequest, ActionFailStrictMiss},

		{domain.Mode("live"), LookupMiss, ActionFailStrictMiss},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode)+"/"+tt.lookup.String(), func(t *testing.T) {
			if got := Decide(tt.mode, tt.lookup); got != tt.want {
				t.Errorf("Decide(%s, %s) = %s, want %s", tt.mode, tt.lookup, got, tt.want)
			}
		})
	}
}

func TestTable_IsTotal(t *testing.T) {
	for _, mode := range domain.Modes {
		row, ok := Table[mode]
		if !ok {
			t.Fatalf("Table has no row for %s", mode)
		}
		for _, l := range allLookups {
			if _, ok := row[l]; !ok {
				t.Errorf("Table[%s] has no entry for %s", mode, l)
			}
		}
	}
}

func TestTable_ForbiddenModesNeverCallUpstream(t *testing.T) {
	for _, mode := range domain.Modes {
		if mode.AllowsUpstream() {
			continue
		}
		for _, l := range allLookups {
			if a := Decide(mode, l); a.CallsUpstream() {
				t.Errorf("Decide(%s, %s) = %s, which reaches upstream", mode, l, a)
			}
		}
	}
}

func TestTable_OnlyRecordAndAutoWrite(t *testing.T) {
	for _, mode := range domain.Modes {
		for _, l := range allLookups {
			if Decide(mode, l) != ActionForwardRecord {
				continue
			}
			if mode != domain.ModeRecord && mode != domain.ModeAuto {
				t.Errorf("Decide(%s, %s) records a cassette", mode, l)
			}
			if mode == domain.ModeAuto && l != LookupMiss && l != LookupSkipped {
				t.Errorf("Decide(%s, %s) replaces an existing cassette", mode, l)
			}
		}
	}
}

func TestConsultsCassettes(t *testing.T) {
	want := map[domain.Mode]bool{
		domain.ModeOff:    false,
		domain.ModeRecord: false,
		domain.ModeReplay: true,
		domain.ModeAuto:   true,
		domain.ModeStrict: true,
	}
	for m, w := range want {
		if got := ConsultsCassettes(m); got != w {
			t.Errorf("ConsultsCassettes(%s) = %v, want %v", m, got, w)
		}
	}
}
