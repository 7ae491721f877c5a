package macutil

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"aa:bb:cc:dd:ee:ff", "aa:bb:cc:dd:ee:ff"},
		{"AA:BB:CC:DD:EE:FF", "aa:bb:cc:dd:ee:ff"},
		{"aa-bb-cc-dd-ee-ff", "aa:bb:cc:dd:ee:ff"},
		{"aabb.ccdd.eeff", "aa:bb:cc:dd:ee:ff"},
		{"aabbccddeeff", "aa:bb:cc:dd:ee:ff"},
		{"invalid", ""},
		{"aa:bb:cc", ""},
		{"", ""},
	}

	for _, tt := range tests {
		got := Normalize(tt.input)
		if got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		mac  string
		want bool
	}{
		{"aa:bb:cc:dd:ee:ff", true},
		{"AA-BB-CC-DD-EE-FF", true},
		{"invalid", false},
		{"", false},
	}

	for _, tt := range tests {
		got := IsValid(tt.mac)
		if got != tt.want {
			t.Errorf("IsValid(%q) = %v, want %v", tt.mac, got, tt.want)
		}
	}
}

func TestIsZero(t *testing.T) {
	if !IsZero("00:00:00:00:00:00") {
		t.Error("00:00:00:00:00:00 should be zero")
	}
	if !IsZero("00-00-00-00-00-00") {
		t.Error("00-00-00-00-00-00 should be zero regardless of separator style")
	}
	if IsZero("aa:bb:cc:dd:ee:ff") {
		t.Error("aa:bb:cc:dd:ee:ff should not be zero")
	}
}
