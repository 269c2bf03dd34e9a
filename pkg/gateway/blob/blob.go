// Package blob uploads finished session audio to object storage and hands
// back stable URLs for the persisted records.
package blob

import (
	"context"
	"fmt"
	"strings"
)

// Audio source tags; they become part of the object key.
const (
	SourceUser = "user"
	SourceAI   = "ai"
)

type UploadInfo struct {
	InteractionID string
	Source        string // SourceUser or SourceAI
}

type UploadResult struct {
	SecureURL string
}

// Uploader is the object-storage collaborator consumed by the session
// finalizer. IsConfigured lets callers skip upload work entirely when no
// bucket is wired.
type Uploader interface {
	IsConfigured() bool
	UploadBuffer(ctx context.Context, data []byte, info UploadInfo) (UploadResult, error)
}

// ObjectKey builds the canonical key for one audio stream.
func ObjectKey(info UploadInfo) (string, error) {
	if strings.TrimSpace(info.InteractionID) == "" {
		return "", fmt.Errorf("blob: interaction id is required")
	}
	switch info.Source {
	case SourceUser, SourceAI:
	default:
		return "", fmt.Errorf("blob: unknown audio source %q", info.Source)
	}
	return fmt.Sprintf("voice/%s/%s.pcm", info.InteractionID, info.Source), nil
}
