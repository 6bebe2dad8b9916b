package ice

import (
	"testing"

	"device-streaming/internal/config"
	"device-streaming/internal/logging"
)

func TestConfigurationAddsDefaultSTUN(t *testing.T) {
	c := Configuration(config.WebRTCConfig{
		ICEServerURLs: []string{"stun:stun.example.org:3478"},
	}, logging.Discard().NewLogger("ice"))
	if len(c.ICEServers) != 1+len(DefaultSTUNServers) {
		t.Fatalf("got %d servers", len(c.ICEServers))
	}
	if c.ICEServers[0].URLs[0] != "stun:stun.example.org:3478" {
		t.Errorf("configured server not first: %v", c.ICEServers[0].URLs)
	}
}

func TestConfigurationCredentials(t *testing.T) {
	c := Configuration(config.WebRTCConfig{
		ICEServerURLs:       []string{"turn:a.example.org", "turn:b.example.org"},
		ICEServerUsername:   "user",
		ICEServerCredential: "secret",
	}, nil)
	if len(c.ICEServers) != 2 {
		t.Fatalf("got %d servers", len(c.ICEServers))
	}
	for _, s := range c.ICEServers {
		if s.Username != "user" || s.Credential != "secret" {
			t.Errorf("server %v missing credentials", s.URLs)
		}
	}
}

func TestConfigurationWithoutDefaults(t *testing.T) {
	c := Configuration(config.WebRTCConfig{DisableDefaultSTUN: true}, nil)
	if len(c.ICEServers) != 0 {
		t.Fatalf("got %d servers", len(c.ICEServers))
	}
}
