package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envVarICEServersJSON = "ICE_SERVERS_JSON"
	envVarStunURLs       = "STUN_URLS"
	envVarTurnURLs       = "TURN_URLS"
	envVarTurnUsername   = "TURN_USERNAME"
	envVarTurnCredential = "TURN_CREDENTIAL"
)

// DefaultStunURL matches what browsers can reach without any deployment
// configuration.
const DefaultStunURL = "stun:stun.l.google.com:19302"

// parseICEServers builds the ICE server list handed to peer connections
// and served to clients on /webrtc/ice.
//
// ICE_SERVERS_JSON takes precedence and must be a JSON array of
// {urls, username, credential} objects. Otherwise STUN_URLS/TURN_URLS are
// comma-separated url lists, with TURN requiring credentials.
func parseICEServers(lookup func(string) (string, bool)) ([]webrtc.ICEServer, error) {
	if raw, ok := lookup(envVarICEServersJSON); ok && strings.TrimSpace(raw) != "" {
		var entries []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		}
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", envVarICEServersJSON, err)
		}
		servers := make([]webrtc.ICEServer, 0, len(entries))
		for _, e := range entries {
			if len(e.URLs) == 0 {
				return nil, fmt.Errorf("invalid %s: entry without urls", envVarICEServersJSON)
			}
			s := webrtc.ICEServer{URLs: e.URLs, Username: e.Username}
			if e.Credential != "" {
				s.Credential = e.Credential
			}
			servers = append(servers, s)
		}
		return servers, nil
	}

	var servers []webrtc.ICEServer

	stunURLs := splitURLs(envOrDefault(lookup, envVarStunURLs, DefaultStunURL))
	if len(stunURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stunURLs})
	}

	turnURLs := splitURLs(envOrDefault(lookup, envVarTurnURLs, ""))
	if len(turnURLs) > 0 {
		username := envOrDefault(lookup, envVarTurnUsername, "")
		credential := envOrDefault(lookup, envVarTurnCredential, "")
		if username == "" || credential == "" {
			return nil, fmt.Errorf("%s requires %s and %s", envVarTurnURLs, envVarTurnUsername, envVarTurnCredential)
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       turnURLs,
			Username:   username,
			Credential: credential,
		})
	}

	return servers, nil
}

func splitURLs(raw string) []string {
	var urls []string
	for _, u := range strings.Split(raw, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}
