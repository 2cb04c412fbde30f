package gateway

import (
	"encoding/json"
)

// Gateway opcodes.
const (
	OpDispatch       = 0
	OpHeartbeat      = 1
	OpIdentify       = 2
	OpResume         = 6
	OpReconnect      = 7
	OpInvalidSession = 9
	OpHello          = 10
	OpHeartbeatAck   = 11
)

// Failure codes understood by HandleFailure. Server close codes are passed
// through unchanged.
const (
	// CodeResume asks for a resume of the current session.
	CodeResume = 2001
	// CodeSessionInvalid discards the session and identifies again.
	CodeSessionInvalid = 4006
)

// Frame is a decoded gateway message.
type Frame struct {
	Op int             `json:"op"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

// ClientProperties describe the user client announced on identify.
type ClientProperties struct {
	OS                string `json:"os"`
	Browser           string `json:"browser"`
	Device            string `json:"device"`
	SystemLocale      string `json:"system_locale"`
	BrowserUserAgent  string `json:"browser_user_agent"`
	BrowserVersion    string `json:"browser_version"`
	OSVersion         string `json:"os_version"`
	Referrer          string `json:"referrer"`
	ReferringDomain   string `json:"referring_domain"`
	ReleaseChannel    string `json:"release_channel"`
	ClientBuildNumber int    `json:"client_build_number"`
}

func DefaultProperties(userAgent string) ClientProperties {
	return ClientProperties{
		OS:                "Windows",
		Browser:           "Chrome",
		SystemLocale:      "en-US",
		BrowserUserAgent:  userAgent,
		BrowserVersion:    "120.0.0.0",
		OSVersion:         "10",
		ReleaseChannel:    "stable",
		ClientBuildNumber: 260292,
	}
}

type presence struct {
	Status     string `json:"status"`
	Since      int64  `json:"since"`
	Activities []any  `json:"activities"`
	AFK        bool   `json:"afk"`
}

type clientState struct {
	GuildVersions            map[string]any `json:"guild_versions"`
	HighestLastMessageID     string         `json:"highest_last_message_id"`
	ReadStateVersion         int            `json:"read_state_version"`
	UserGuildSettingsVersion int            `json:"user_guild_settings_version"`
	UserSettingsVersion      int            `json:"user_settings_version"`
	PrivateChannelsVersion   string         `json:"private_channels_version"`
	APICodeVersion           int            `json:"api_code_version"`
}

type identifyData struct {
	Token        string           `json:"token"`
	Capabilities int              `json:"capabilities"`
	Properties   ClientProperties `json:"properties"`
	Presence     presence         `json:"presence"`
	Compress     bool             `json:"compress"`
	ClientState  clientState      `json:"client_state"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

type outbound struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

func identifyFrame(token string, props ClientProperties) outbound {
	return outbound{Op: OpIdentify, D: identifyData{
		Token:        token,
		Capabilities: 16381,
		Properties:   props,
		Presence:     presence{Status: "online", Activities: []any{}},
		ClientState: clientState{
			GuildVersions:            map[string]any{},
			HighestLastMessageID:     "0",
			UserGuildSettingsVersion: -1,
			UserSettingsVersion:      -1,
			PrivateChannelsVersion:   "0",
		},
	}}
}

func resumeFrame(token, sessionID string, seq int64) outbound {
	return outbound{Op: OpResume, D: resumeData{Token: token, SessionID: sessionID, Seq: seq}}
}

// heartbeatFrame carries the last sequence, or null before the first dispatch.
func heartbeatFrame(seq int64) outbound {
	if seq <= 0 {
		return outbound{Op: OpHeartbeat, D: nil}
	}
	return outbound{Op: OpHeartbeat, D: seq}
}
