// Package store persists finished translation sessions. The relay writes an
// interaction record plus a voice-session record per session, then patches in
// audio URLs once uploads finish.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrMissingInteraction = errors.New("store: interaction not found")

// InteractionParams describes the interaction-level record: what kind of
// exchange happened and with which upstream session.
type InteractionParams struct {
	Kind               string // always "voice" for the relay
	SourceLanguage     string
	TargetLanguage     string
	UpstreamSessionRef string
	UserID             string // optional; empty for anonymous sessions
}

// VoiceSessionParams carries the transcript payload for one interaction.
type VoiceSessionParams struct {
	InteractionID string
	Transcription string // what the user said, in the source language
	Translation   string // what the model spoke back, in the target language
	Duration      time.Duration
}

// AudioURLs holds the post-upload patch; zero-value fields are left untouched.
type AudioURLs struct {
	UserAudioURL        string
	TranslationAudioURL string
}

func (u AudioURLs) IsZero() bool {
	return strings.TrimSpace(u.UserAudioURL) == "" && strings.TrimSpace(u.TranslationAudioURL) == ""
}

// Store is the persistence collaborator consumed by the session finalizer.
type Store interface {
	SaveInteraction(ctx context.Context, p InteractionParams) (interactionID string, err error)
	SaveVoiceSession(ctx context.Context, p VoiceSessionParams) (voiceSessionID string, err error)
	UpdateVoiceSessionAudioURLs(ctx context.Context, interactionID string, urls AudioURLs) error
	Ping(ctx context.Context) error
	Close()
}
