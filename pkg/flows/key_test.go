package flows

import "testing"

func TestFlowKey(t *testing.T) {
	tests := []struct {
		name string
		a, b Flow
		same bool
	}{
		{
			name: "cookie identity ignores match",
			a:    Flow{Cookie: 0x10, Priority: 10, Match: Match{"in_port": 1}},
			b:    Flow{Cookie: 0x10, Priority: 20, Match: Match{"in_port": 2}},
			same: true,
		},
		{
			name: "different cookies",
			a:    Flow{Cookie: 0x10},
			b:    Flow{Cookie: 0x11},
			same: false,
		},
		{
			name: "match identity with normalised numbers",
			a:    Flow{Priority: 10, Match: Match{"in_port": 1, "dl_type": "0x800"}},
			b:    Flow{Priority: 10, Match: Match{"dl_type": float64(2048), "in_port": "1"}},
			same: true,
		},
		{
			name: "priority is part of match identity",
			a:    Flow{Priority: 10, Match: Match{"in_port": 1}},
			b:    Flow{Priority: 11, Match: Match{"in_port": 1}},
			same: false,
		},
		{
			name: "mac addresses are case insensitive",
			a:    Flow{Match: Match{"dl_src": "EE:EE:EE:EE:EE:01"}},
			b:    Flow{Match: Match{"dl_src": "ee:ee:ee:ee:ee:01"}},
			same: true,
		},
		{
			name: "empty match",
			a:    Flow{Priority: 5},
			b:    Flow{Priority: 5, Match: Match{}},
			same: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.a.Key() == tt.b.Key()
			if got != tt.same {
				t.Errorf("Key() equality = %v, want %v (%q vs %q)", got, tt.same, tt.a.Key(), tt.b.Key())
			}
		})
	}
}

func TestFlowEqual(t *testing.T) {
	base := Flow{
		Priority: 10,
		Match:    Match{"in_port": 1},
		Actions:  []Action{{Type: ActionOutput, Port: 2}},
	}

	if !base.Equal(base.Clone()) {
		t.Fatal("expected clone to be equal")
	}

	changedActions := base.Clone()
	changedActions.Actions = []Action{{Type: ActionOutput, Port: 3}}
	if base.Equal(changedActions) {
		t.Error("expected flows with different actions to differ")
	}

	extraAction := base.Clone()
	extraAction.Actions = append(extraAction.Actions, Action{Type: ActionOutput, Port: 2})
	if base.Equal(extraAction) {
		t.Error("expected duplicated action to differ")
	}

	changedTimeout := base.Clone()
	changedTimeout.IdleTimeout = 30
	if base.Equal(changedTimeout) {
		t.Error("expected flows with different idle timeout to differ")
	}

	numeric := base.Clone()
	numeric.Match = Match{"in_port": float64(1)}
	if !base.Equal(numeric) {
		t.Error("expected numeric match representations to compare equal")
	}
}

func TestFlowCloneIsDeep(t *testing.T) {
	f := Flow{Match: Match{"in_port": 1}, Actions: []Action{{Type: ActionOutput, Port: 2}}}
	c := f.Clone()
	c.Match["in_port"] = 9
	c.Actions[0].Port = 9

	if CanonicalValue(f.Match["in_port"]) != "1" {
		t.Errorf("clone shares match map with original")
	}
	if f.Actions[0].Port != 2 {
		t.Errorf("clone shares action slice with original")
	}
}

func TestReservedCookie(t *testing.T) {
	c := ReservedCookie(CookiePrefixDiscovery, 0x42)
	if c != 0xab00000000000042 {
		t.Errorf("ReservedCookie() = %#x", c)
	}
	if !IsReserved(c) {
		t.Error("expected discovery cookie to be reserved")
	}
	if !IsReserved(ReservedCookie(CookiePrefixColoring, 1)) {
		t.Error("expected coloring cookie to be reserved")
	}
	if IsReserved(0x42) {
		t.Error("expected user cookie not to be reserved")
	}
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StateInstalled, true},
		{StatePending, StateDeleted, true},
		{StatePending, StateError, true},
		{StateInstalled, StateDeleted, true},
		{StateInstalled, StatePending, false},
		{StateError, StateInstalled, true},
		{StateError, StateDeleted, true},
		{StateDeleted, StateInstalled, false},
		{StateDeleted, StatePending, false},
		{StateDeleted, StateDeleted, true},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}

	for _, s := range SourcesFor(StateInstalled) {
		if s == StateDeleted {
			t.Error("deleted must not be a source for installed")
		}
	}
}
