package engine

import (
	"encoding/json"
	"testing"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"", "/", false},
		{"/", "/", false},
		{"/subsystem=mail", "/subsystem=mail", false},
		{"subsystem=mail/mail-session=default/", "/subsystem=mail/mail-session=default", false},
		{"/profile=*/subsystem=mail", "/profile=*/subsystem=mail", false},
		{"/subsystem", "", true},
		{"/=mail", "", true},
		{"/subsystem=", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			addr, err := ParseAddress(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseAddress(%q) expected error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddress(%q) error = %v", tt.input, err)
			}
			if addr.String() != tt.want {
				t.Errorf("ParseAddress(%q) = %s, want %s", tt.input, addr, tt.want)
			}
		})
	}
}

func TestAddressRelations(t *testing.T) {
	mail := NewAddress("profile", "full", "subsystem", "mail")
	session := mail.Append(Elem("mail-session", "default"))
	other := NewAddress("profile", "full", "subsystem", "logging")

	if !session.HasPrefix(mail) || mail.HasPrefix(session) {
		t.Error("HasPrefix is wrong for parent and child")
	}
	if !mail.Overlaps(session) || !session.Overlaps(mail) {
		t.Error("parent and child must overlap")
	}
	if mail.Overlaps(other) {
		t.Error("siblings must not overlap")
	}
	if !session.Parent().Equal(mail) {
		t.Errorf("Parent() = %s", session.Parent())
	}
	if got := session.TrimPrefix(mail); got.String() != "/mail-session=default" {
		t.Errorf("TrimPrefix() = %s", got)
	}
	if got := RootAddress().Parent(); !got.IsRoot() {
		t.Errorf("parent of root = %s", got)
	}
	if len(mail) != 2 {
		t.Error("Append modified the receiver")
	}
}

func TestAddressMatches(t *testing.T) {
	pattern := NewAddress("profile", Wildcard, "subsystem", "mail")

	tests := []struct {
		addr Address
		want bool
	}{
		{NewAddress("profile", "full", "subsystem", "mail"), true},
		{NewAddress("profile", "ha", "subsystem", "mail"), true},
		{NewAddress("profile", "full", "subsystem", "logging"), false},
		{NewAddress("subsystem", "mail"), false},
		{NewAddress("host", "full", "subsystem", "mail"), false},
	}
	for _, tt := range tests {
		if got := tt.addr.Matches(pattern); got != tt.want {
			t.Errorf("%s.Matches(%s) = %v, want %v", tt.addr, pattern, got, tt.want)
		}
	}
	if !pattern.HasWildcard() {
		t.Error("pattern should report a wildcard")
	}
}

func TestAddressSubsystemAndValue(t *testing.T) {
	addr := NewAddress("profile", "full", "subsystem", "mail", "mail-session", "default")

	name, rel, ok := addr.Subsystem()
	if !ok || name != "mail" || rel.String() != "/mail-session=default" {
		t.Errorf("Subsystem() = %s, %s, %v", name, rel, ok)
	}
	if _, _, ok := NewAddress("profile", "full").Subsystem(); ok {
		t.Error("profile address has no subsystem")
	}
	if v, ok := addr.Value("profile"); !ok || v != "full" {
		t.Errorf("Value(profile) = %s, %v", v, ok)
	}
}

func TestAddressJSON(t *testing.T) {
	addr := NewAddress("subsystem", "mail", "mail-session", "default")

	data, err := json.Marshal(addr)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `[{"subsystem":"mail"},{"mail-session":"default"}]` {
		t.Errorf("Marshal() = %s", data)
	}

	for _, input := range []string{string(data), `"/subsystem=mail/mail-session=default"`} {
		var got Address
		if err := json.Unmarshal([]byte(input), &got); err != nil {
			t.Fatalf("Unmarshal(%s) error = %v", input, err)
		}
		if !got.Equal(addr) {
			t.Errorf("Unmarshal(%s) = %s", input, got)
		}
	}

	var bad Address
	if err := json.Unmarshal([]byte(`[{"a":"b","c":"d"}]`), &bad); err == nil {
		t.Error("expected an error for a multi-key element")
	}
}
