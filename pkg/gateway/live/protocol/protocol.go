// Package protocol defines the JSON frames exchanged with mobile clients on
// the /ws/translate socket. Client frames decode into a closed set of typed
// messages; everything the server emits is a typed struct with an explicit
// "type" tag.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// Client -> server messages.

type ClientSetup struct {
	Type           string `json:"type"`
	SourceLanguage string `json:"sourceLanguage"`
	TargetLanguage string `json:"targetLanguage"`
}

type ClientAudio struct {
	Type string `json:"type"`
	Data string `json:"data"`

	// PCM holds the decoded payload; populated during decode so the base64
	// work happens exactly once, at the protocol boundary.
	PCM []byte `json:"-"`
}

type ClientEnd struct {
	Type string `json:"type"`
}

// ClientUnknown is the default arm: a structurally valid frame whose type the
// relay does not recognize. The session logs it and carries on.
type ClientUnknown struct {
	Type string `json:"type"`
}

// DecodeClientMessage parses one inbound client frame. Malformed frames
// return a *DecodeError; unrecognized types decode to ClientUnknown.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "setup":
		var msg ClientSetup
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid setup frame", "")
		}
		msg.SourceLanguage = strings.TrimSpace(msg.SourceLanguage)
		msg.TargetLanguage = strings.TrimSpace(msg.TargetLanguage)
		return msg, nil
	case "audio":
		var msg ClientAudio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio frame", "")
		}
		if strings.TrimSpace(msg.Data) == "" {
			return nil, badRequest("audio.data is required", "data")
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return nil, badRequest("audio.data must be base64", "data")
		}
		msg.PCM = pcm
		return msg, nil
	case "end":
		return ClientEnd{Type: typ}, nil
	default:
		return ClientUnknown{Type: typ}, nil
	}
}

// Server -> client messages.

type ServerSessionID struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type ServerReady struct {
	Type string `json:"type"`
}

type ServerTranscription struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Accumulated string `json:"accumulated"`
}

type ServerAudio struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type ServerTurnComplete struct {
	Type               string `json:"type"`
	UserTranscription  string `json:"userTranscription"`
	ModelTranscription string `json:"modelTranscription"`
}

type ServerSessionSaved struct {
	Type                string `json:"type"`
	InteractionID       string `json:"interactionId,omitempty"`
	UserAudioURL        string `json:"userAudioUrl,omitempty"`
	TranslationAudioURL string `json:"translationAudioUrl,omitempty"`
}

type ServerError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ServerUpstreamDisconnected struct {
	Type string `json:"type"`
}

func NewSessionID(id string) ServerSessionID {
	return ServerSessionID{Type: "session_id", SessionID: id}
}

func NewReady() ServerReady {
	return ServerReady{Type: "ready"}
}

func NewUserTranscription(delta, accumulated string) ServerTranscription {
	return ServerTranscription{Type: "user_transcription", Text: delta, Accumulated: accumulated}
}

func NewModelTranscription(delta, accumulated string) ServerTranscription {
	return ServerTranscription{Type: "model_transcription", Text: delta, Accumulated: accumulated}
}

func NewAudio(pcm []byte) ServerAudio {
	return ServerAudio{Type: "audio", Data: base64.StdEncoding.EncodeToString(pcm)}
}

func NewTurnComplete(user, model string) ServerTurnComplete {
	return ServerTurnComplete{Type: "turn_complete", UserTranscription: user, ModelTranscription: model}
}

func NewSessionSaved(interactionID, userAudioURL, translationAudioURL string) ServerSessionSaved {
	return ServerSessionSaved{
		Type:                "session_saved",
		InteractionID:       interactionID,
		UserAudioURL:        userAudioURL,
		TranslationAudioURL: translationAudioURL,
	}
}

func NewError(message string) ServerError {
	return ServerError{Type: "error", Message: message}
}

func NewUpstreamDisconnected() ServerUpstreamDisconnected {
	return ServerUpstreamDisconnected{Type: "gemini_disconnected"}
}
