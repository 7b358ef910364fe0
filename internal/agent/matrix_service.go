package agent

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/ashureev/catalaist/internal/domain"
	"github.com/ashureev/catalaist/internal/matrix"
	"github.com/ashureev/catalaist/internal/store"
)

// Matrix sources recorded with each stored version.
const (
	MatrixSourceBuiltin = "builtin"
	MatrixSourceFile    = "file"
	MatrixSourceAPI     = "api"
)

// MatrixScorer applies the active decision matrix to a fresh result.
type MatrixScorer struct {
	Holder    *matrix.Holder
	Evaluator *matrix.Evaluator
}

// Score returns a copy of result with the matrix outcome applied. Facts are
// visible to rule conditions under their key unless an attribute of the same
// name exists.
func (m *MatrixScorer) Score(sess *domain.Session, result *domain.ClassificationResult) *domain.ClassificationResult {
	attrs := make(map[string]string, len(result.Attributes)+len(result.Facts))
	for _, f := range result.Facts {
		attrs[strings.ToLower(f.Key)] = f.Value
	}
	maps.Copy(attrs, result.Attributes)

	out := m.Evaluator.Evaluate(m.Holder.Current(), matrix.Input{
		Category:   result.Category,
		Confidence: result.Confidence,
		Attributes: attrs,
	})

	scored := *result
	scored.Category = out.Category
	scored.Confidence = out.Confidence
	eval := out.Evaluation
	scored.Evaluation = &eval
	return &scored
}

// Matrix returns the active decision matrix.
func (s *Service) Matrix() *matrix.Matrix {
	return s.matrices.Current()
}

// EvaluateMatrix applies the active matrix without touching any session.
func (s *Service) EvaluateMatrix(in matrix.Input) matrix.Outcome {
	return s.evaluator.Evaluate(s.matrices.Current(), in)
}

// MatrixVersions lists stored matrix versions, newest first.
func (s *Service) MatrixVersions(ctx context.Context, limit int) ([]*store.MatrixRecord, error) {
	versions, err := s.repo.ListMatrixVersions(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list matrix versions: %w", err)
	}
	return versions, nil
}

// PutMatrix validates, stores and activates m. A version that already exists
// with different content is rejected with store.ErrConflict. An empty version
// is filled from the clock.
func (s *Service) PutMatrix(ctx context.Context, m *matrix.Matrix, source string) (*matrix.Matrix, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	next := *m
	if strings.TrimSpace(next.Version) == "" {
		next.Version = "v" + s.now().Format("20060102T150405")
	}

	// The stored document carries no activation time; identical content
	// re-saves as a no-op.
	createdAt := next.CreatedAt
	next.CreatedAt = time.Time{}
	doc, err := matrix.Marshal(&next, matrix.FormatJSON)
	if err != nil {
		return nil, fmt.Errorf("encode matrix: %w", err)
	}
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	if err := s.repo.SaveMatrix(ctx, &store.MatrixRecord{
		Version:   next.Version,
		Source:    source,
		Document:  doc,
		CreatedAt: createdAt,
	}); err != nil {
		return nil, fmt.Errorf("save matrix %s: %w", next.Version, err)
	}

	next.CreatedAt = createdAt
	s.matrices.Set(&next)
	s.logger.Info("decision matrix activated", "version", next.Version, "source", source, "rules", len(next.Rules))
	for _, finding := range next.Lint() {
		s.logger.Warn("decision matrix lint", "version", next.Version, "finding", finding)
	}
	return &next, nil
}

// ReloadMatrix activates a matrix read from a watched file. Editing a file
// without bumping its version stores the content under a derived version.
func (s *Service) ReloadMatrix(ctx context.Context, m *matrix.Matrix) error {
	_, err := s.PutMatrix(ctx, m, MatrixSourceFile)
	if !errors.Is(err, store.ErrConflict) {
		return err
	}
	derived := *m
	derived.Version = fmt.Sprintf("%s+%d", m.Version, s.now().Unix())
	s.logger.Warn("matrix file changed without a version bump", "version", m.Version, "stored_as", derived.Version)
	_, err = s.PutMatrix(ctx, &derived, MatrixSourceFile)
	return err
}

// BootstrapMatrix picks the matrix to start with: the file at path when
// given, otherwise the latest stored version, otherwise the built-in default.
func (s *Service) BootstrapMatrix(ctx context.Context, path string) (*matrix.Matrix, error) {
	if path != "" {
		m, err := matrix.Load(path)
		if err != nil {
			return nil, err
		}
		if err := s.ReloadMatrix(ctx, m); err != nil {
			return nil, err
		}
		return s.matrices.Current(), nil
	}

	rec, err := s.repo.LatestMatrix(ctx)
	if err != nil {
		return nil, fmt.Errorf("load latest matrix: %w", err)
	}
	if rec != nil {
		m, err := matrix.Parse(rec.Document, matrix.FormatJSON)
		if err != nil {
			return nil, fmt.Errorf("stored matrix %s: %w", rec.Version, err)
		}
		m.CreatedAt = rec.CreatedAt
		s.matrices.Set(m)
		s.logger.Info("decision matrix restored", "version", m.Version, "source", rec.Source)
		return m, nil
	}

	return s.PutMatrix(ctx, matrix.Default(), MatrixSourceBuiltin)
}
