package store

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// OpenPostgres parses the DSN, applies pool limits, verifies connectivity,
// and runs pending migrations.
func OpenPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}

	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrate(databaseURL); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("postgres store ready")
	return &Postgres{
		pool:    pool,
		logger:  logger,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}, nil
}

func (s *Postgres) newID(prefix string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return prefix + "_" + ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *Postgres) SaveInteraction(ctx context.Context, p InteractionParams) (string, error) {
	id := s.newID("in")
	var userID any
	if p.UserID != "" {
		userID = p.UserID
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO interactions (id, kind, source_language, target_language, upstream_session_ref, user_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, p.Kind, p.SourceLanguage, p.TargetLanguage, p.UpstreamSessionRef, userID,
	)
	if err != nil {
		return "", fmt.Errorf("insert interaction: %w", err)
	}
	return id, nil
}

func (s *Postgres) SaveVoiceSession(ctx context.Context, p VoiceSessionParams) (string, error) {
	id := s.newID("vs")
	_, err := s.pool.Exec(ctx, `
		INSERT INTO voice_sessions (id, interaction_id, transcription, translation, duration_seconds)
		VALUES ($1, $2, $3, $4, $5)`,
		id, p.InteractionID, p.Transcription, p.Translation, p.Duration.Seconds(),
	)
	if err != nil {
		return "", fmt.Errorf("insert voice session: %w", err)
	}
	return id, nil
}

func (s *Postgres) UpdateVoiceSessionAudioURLs(ctx context.Context, interactionID string, urls AudioURLs) error {
	if urls.IsZero() {
		return nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE voice_sessions
		SET user_audio_url = COALESCE(NULLIF($2, ''), user_audio_url),
		    translation_audio_url = COALESCE(NULLIF($3, ''), translation_audio_url),
		    updated_at = now()
		WHERE interaction_id = $1`,
		interactionID, urls.UserAudioURL, urls.TranslationAudioURL,
	)
	if err != nil {
		return fmt.Errorf("update audio urls: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMissingInteraction
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) Close() {
	s.pool.Close()
}
