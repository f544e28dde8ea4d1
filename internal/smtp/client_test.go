package smtp

import "testing"

func TestClientDomain(t *testing.T) {
	cases := map[string]string{
		"alice@example.com": "example.com",
		"bareusername":      "localhost",
		"":                  "localhost",
	}
	for in, want := range cases {
		if got := clientDomain(in); got != want {
			t.Errorf("clientDomain(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Port != 587 {
		t.Errorf("DefaultConfig Port = %d, want 587", cfg.Port)
	}
	if cfg.Security != SecurityStartTLS {
		t.Errorf("DefaultConfig Security = %v, want %v", cfg.Security, SecurityStartTLS)
	}
}
