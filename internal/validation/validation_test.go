package validation

import "testing"

func TestValidateAddr(t *testing.T) {
	if err := ValidateAddr("127.0.0.1:8081"); err != nil {
		t.Errorf("Valid address rejected: %v", err)
	}
	if err := ValidateAddr(":8081"); err != nil {
		t.Errorf("Wildcard address rejected: %v", err)
	}
	if err := ValidateAddr(""); err == nil {
		t.Error("Empty address accepted")
	}
}

func TestValidateHost(t *testing.T) {
	for _, ok := range []string{"10.0.0.1", "localhost", "server-a.internal"} {
		if err := ValidateHost(ok); err != nil {
			t.Errorf("Valid host %q rejected: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "10.0.0.1:8081", "a b", "a/b"} {
		if err := ValidateHost(bad); err == nil {
			t.Errorf("Invalid host %q accepted", bad)
		}
	}
}

func TestValidateImageID(t *testing.T) {
	for _, ok := range []string{"client7-cat", "client123-holiday-photo"} {
		if err := ValidateImageID(ok); err != nil {
			t.Errorf("Valid image id %q rejected: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "cat", "client-cat", "clientx-cat", "client7-"} {
		if err := ValidateImageID(bad); err == nil {
			t.Errorf("Invalid image id %q accepted", bad)
		}
	}
}
