package logfields

import (
	"log/slog"
	"testing"
)

// TestHelperKeyNames verifies string-based helper key/value stability.
func TestHelperKeyNames(t *testing.T) {
	cases := []struct {
		name    string
		attrKey string
		attrVal string
		attr    slog.Attr
	}{
		{"Project", KeyProject, "trac", Project("trac")},
		{"Config", KeyConfig, "trunk", Config("trunk")},
		{"Platform", KeyPlatform, "linux", Platform("linux")},
		{"Rev", KeyRev, "abc123", Rev("abc123")},
		{"Slave", KeySlave, "hal", Slave("hal")},
		{"Status", KeyStatus, "pending", Status("pending")},
		{"Step", KeyStep, "compile", Step("compile")},
		{"Generator", KeyGenerator, "urn:sh#exec", Generator("urn:sh#exec")},
		{"Path", KeyPath, "/srv/env", Path("/srv/env")},
	}

	for _, tc := range cases {
		if tc.attr.Key != tc.attrKey {
			// Key drift would break log ingestion schemas.
			t.Fatalf("%s: expected key %s, got %s", tc.name, tc.attrKey, tc.attr.Key)
		}
		if got := tc.attr.Value.String(); got != tc.attrVal {
			t.Fatalf("%s: expected value %s, got %v", tc.name, tc.attrVal, got)
		}
	}
}

// TestNumericHelpers verifies keys for numeric & float helpers.
func TestNumericHelpers(t *testing.T) {
	if v := BuildID(42); v.Key != KeyBuildID || v.Value.Int64() != 42 {
		t.Fatalf("BuildID mismatch: %s=%v", v.Key, v.Value)
	}
	if v := PlatformID(7); v.Key != KeyPlatformID || v.Value.Int64() != 7 {
		t.Fatalf("PlatformID mismatch: %s=%v", v.Key, v.Value)
	}
	if v := DurationMS(12.5); v.Key != KeyDurationMS {
		t.Fatalf("DurationMS key mismatch: %s", v.Key)
	}
}

// TestErrorHelper ensures Error() handles nil and non-nil errors predictably.
func TestErrorHelper(t *testing.T) {
	attr := Error(nil)
	if attr.Key != KeyError {
		t.Fatalf("Error key mismatch: %s", attr.Key)
	}
	if attr.Value.String() != "" {
		t.Fatalf("Expected empty error string, got %s", attr.Value.String())
	}
	attr = Error(errTest{})
	if attr.Value.String() != "err-test" {
		t.Fatalf("Expected 'err-test', got %s", attr.Value.String())
	}
}

type errTest struct{}

func (e errTest) Error() string { return "err-test" }
