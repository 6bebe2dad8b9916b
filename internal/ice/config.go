// Package ice builds the ICE server list offered to WebRTC viewers.
package ice

import (
	"device-streaming/internal/config"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are added when at most one server is configured.
var DefaultSTUNServers = []string{
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
}

// Configuration returns the peer connection configuration for cfg. When
// cfg.DisableDefaultSTUN is false and at most one server is configured,
// the public STUN servers are appended for redundancy.
func Configuration(cfg config.WebRTCConfig, log logging.LeveledLogger) webrtc.Configuration {
	c := webrtc.Configuration{
		ICEServers:         []webrtc.ICEServer{},
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}

	for _, u := range cfg.ICEServerURLs {
		server := webrtc.ICEServer{URLs: []string{u}}
		// TURN servers need credentials
		if cfg.ICEServerUsername != "" {
			server.Username = cfg.ICEServerUsername
			server.Credential = cfg.ICEServerCredential
		}
		c.ICEServers = append(c.ICEServers, server)
	}

	if len(c.ICEServers) <= 1 && !cfg.DisableDefaultSTUN {
		for _, u := range DefaultSTUNServers {
			c.ICEServers = append(c.ICEServers, webrtc.ICEServer{URLs: []string{u}})
		}
	}

	if log != nil {
		log.Infof("configured %d ICE server(s)", len(c.ICEServers))
	}
	return c
}
