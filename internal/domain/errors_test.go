package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrUnauthenticated{}, "Not authenticated"},
		{ErrMisconfigured{Setting: "VULTR_API_KEY"}, "VULTR_API_KEY not configured"},
		{ErrInvalidAction{Action: "reboot"}, "Invalid action"},
		{ErrNotFound{ID: "x"}, "Server not found"},
		{ErrProvider{Op: "create", StatusCode: 400, Message: "Invalid plan"}, "Invalid plan"},
		{ErrProvider{Op: "create", StatusCode: 502}, "provider create returned 502"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("%T.Error() = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{ErrUnauthenticated{}, "unauthenticated"},
		{ErrMisconfigured{}, "misconfigured"},
		{ErrInvalidAction{}, "invalid_action"},
		{ErrInvalidRequest{Field: "region"}, "invalid_request"},
		{ErrNotFound{}, "not_found"},
		{ErrProvider{}, "provider"},
		{ErrPersistence{Op: "insert", Err: errors.New("boom")}, "persistence"},
		{fmt.Errorf("wrapped: %w", ErrNotFound{}), "not_found"},
		{errors.New("other"), "internal"},
	}
	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.want {
			t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestPersistenceUnwraps(t *testing.T) {
	err := ErrPersistence{Op: "select", Err: ErrRecordNotFound}
	if !errors.Is(err, ErrRecordNotFound) {
		t.Error("ErrPersistence should unwrap to its cause")
	}
	if !IsNotFound(err) {
		t.Error("IsNotFound should see through ErrPersistence")
	}
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		in    string
		want  Action
		known bool
	}{
		{"list-operating-systems", ActionListOS, true},
		{"get-os-list", ActionListOS, true},
		{"create", ActionCreate, true},
		{"start", ActionStart, true},
		{"stop", ActionStop, true},
		{"refresh", ActionRefresh, true},
		{"delete", ActionDelete, true},
		{"reboot", Action("reboot"), false},
		{"", Action(""), false},
	}
	for _, tt := range tests {
		got, known := ParseAction(tt.in)
		if got != tt.want || known != tt.known {
			t.Errorf("ParseAction(%q) = %q, %v; want %q, %v", tt.in, got, known, tt.want, tt.known)
		}
	}
}

func TestStatusFromProvider(t *testing.T) {
	if got := StatusFromProvider("active"); got != StatusOnline {
		t.Errorf("active -> %q, want online", got)
	}
	for _, s := range []string{"pending", "suspended", "resizing", ""} {
		if got := StatusFromProvider(s); got != StatusOffline {
			t.Errorf("%q -> %q, want offline", s, got)
		}
	}
}
