package session

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/linguaflow/relay/pkg/gateway/blob"
	"github.com/linguaflow/relay/pkg/gateway/live/protocol"
	"github.com/linguaflow/relay/pkg/gateway/store"
)

// finalize runs the teardown pipeline exactly once, no matter how many
// termination triggers fire (explicit end, disconnect, cancel, timeout).
func (s *Session) finalize() {
	s.finalizeOnce.Do(s.runFinalizer)
}

func (s *Session) runFinalizer() {
	s.setState(StateFinalizing)
	defer s.setState(StateClosed)

	if s.pendingBridge != nil {
		_ = s.pendingBridge.Close()
		s.pendingBridge = nil
	}
	if s.bridge != nil {
		_ = s.bridge.Close()
		s.bridge = nil
	}

	duration := s.now().Sub(s.startTime)

	if s.userTranscript.Empty() && s.modelTranscript.Empty() {
		s.logger.Info("session ended with no content", "duration", duration)
		s.metrics.RecordFinalize("empty")
		return
	}

	// The session context is often already canceled here; the finalizer gets
	// its own budget.
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FinalizeTimeout)
	defer cancel()

	interactionID := s.persist(ctx, duration)

	var urls store.AudioURLs
	if interactionID != "" && s.uploader != nil && s.uploader.IsConfigured() {
		if data := s.userAudio.Concat(); len(data) > 0 {
			if url, err := s.uploadWithRetry(ctx, data, blob.SourceUser, interactionID); err != nil {
				s.logger.Error("user audio upload failed", "error", err)
				s.metrics.RecordUpload(blob.SourceUser, "error")
			} else {
				urls.UserAudioURL = url
				s.metrics.RecordUpload(blob.SourceUser, "ok")
			}
		}
		if data := s.aiAudio.Concat(); len(data) > 0 {
			if url, err := s.uploadWithRetry(ctx, data, blob.SourceAI, interactionID); err != nil {
				s.logger.Error("translation audio upload failed", "error", err)
				s.metrics.RecordUpload(blob.SourceAI, "error")
			} else {
				urls.TranslationAudioURL = url
				s.metrics.RecordUpload(blob.SourceAI, "ok")
			}
		}
		if !urls.IsZero() {
			if err := s.store.UpdateVoiceSessionAudioURLs(ctx, interactionID, urls); err != nil {
				s.logger.Error("audio url update failed", "error", err)
				s.metrics.RecordError("store")
			}
		}
	}

	if interactionID == "" {
		s.metrics.RecordFinalize("persist_failed")
	} else {
		s.metrics.RecordFinalize("saved")
	}

	// Best effort; the client may already be gone.
	_ = s.sendJSON(protocol.NewSessionSaved(interactionID, urls.UserAudioURL, urls.TranslationAudioURL))
}

// persist writes the interaction and voice-session records. Failures are
// logged and reported as an empty interaction id; they never block teardown.
func (s *Session) persist(ctx context.Context, duration time.Duration) string {
	if s.store == nil {
		return ""
	}

	interactionID, err := s.store.SaveInteraction(ctx, store.InteractionParams{
		Kind:               "voice",
		SourceLanguage:     s.sourceLanguage,
		TargetLanguage:     s.targetLanguage,
		UpstreamSessionRef: "gemini-live:" + s.sessionID,
		UserID:             s.userID,
	})
	if err != nil {
		s.logger.Error("interaction persist failed", "error", err)
		s.metrics.RecordError("store")
		return ""
	}

	if _, err := s.store.SaveVoiceSession(ctx, store.VoiceSessionParams{
		InteractionID: interactionID,
		Transcription: s.userTranscript.Text(),
		Translation:   s.modelTranscript.Text(),
		Duration:      duration,
	}); err != nil {
		s.logger.Error("voice session persist failed", "error", err)
		s.metrics.RecordError("store")
	}
	return interactionID
}

func (s *Session) uploadWithRetry(ctx context.Context, data []byte, source, interactionID string) (string, error) {
	var result blob.UploadResult
	backoff := retry.WithMaxRetries(uint64(s.cfg.UploadAttempts-1), retry.NewExponential(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, uploadErr := s.uploader.UploadBuffer(ctx, data, blob.UploadInfo{
			InteractionID: interactionID,
			Source:        source,
		})
		if uploadErr != nil {
			return retry.RetryableError(uploadErr)
		}
		result = res
		return nil
	})
	if err != nil {
		return "", err
	}
	return result.SecureURL, nil
}
