package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// ErrArtifactNotFound is returned when no artifact matches.
var ErrArtifactNotFound = errors.New("artifact not found")

// WriteArtifact appends an immutable evidence record for a run step.
// Artifacts are never updated after insert.
func (s *Store) WriteArtifact(ctx context.Context, runID, stepName, artifactType string, payload json.RawMessage) error {
	query := `
		INSERT INTO run_artifacts (run_id, step_name, artifact_type, artifact_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.pool.Exec(ctx, query, runID, stepName, artifactType, payload, time.Now().UTC()); err != nil {
		log.Error().Err(err).
			Str("run_id", runID).
			Str("step", stepName).
			Str("artifact_type", artifactType).
			Msg("Failed to write artifact")
		return fmt.Errorf("failed to write artifact %s/%s: %w", stepName, artifactType, err)
	}

	log.Debug().
		Str("run_id", runID).
		Str("step", stepName).
		Str("artifact_type", artifactType).
		Msg("Artifact written")

	return nil
}

// GetArtifact fetches the newest artifact of a type for a run.
func (s *Store) GetArtifact(ctx context.Context, runID, artifactType string) (*Artifact, error) {
	query := `
		SELECT run_id, step_name, artifact_type, artifact_json, created_at
		FROM run_artifacts
		WHERE run_id = $1 AND artifact_type = $2
		ORDER BY created_at DESC
		LIMIT 1
	`
	var a Artifact
	err := s.pool.QueryRow(ctx, query, runID, artifactType).
		Scan(&a.RunID, &a.StepName, &a.ArtifactType, &a.Payload, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact %s: %w", artifactType, err)
	}
	return &a, nil
}

// ListArtifacts returns all artifacts for a run in write order.
func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]Artifact, error) {
	query := `
		SELECT run_id, step_name, artifact_type, artifact_json, created_at
		FROM run_artifacts
		WHERE run_id = $1
		ORDER BY created_at ASC
	`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.RunID, &a.StepName, &a.ArtifactType, &a.Payload, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// CopyArtifacts duplicates every artifact from a source run onto a replay run.
// The replay path never calls external APIs; frozen evidence is its only input.
func (s *Store) CopyArtifacts(ctx context.Context, sourceRunID, targetRunID string, stepName string) (int, error) {
	query := `
		INSERT INTO run_artifacts (run_id, step_name, artifact_type, artifact_json, created_at)
		SELECT $2, step_name, artifact_type, artifact_json, $3
		FROM run_artifacts
		WHERE run_id = $1 AND step_name = $4
	`
	tag, err := s.pool.Exec(ctx, query, sourceRunID, targetRunID, time.Now().UTC(), stepName)
	if err != nil {
		return 0, fmt.Errorf("failed to copy artifacts from %s: %w", sourceRunID, err)
	}
	return int(tag.RowsAffected()), nil
}
