package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aretw0/weft/pkg/domain"
)

// RunStore implements ports.RunStore as JSON files under <BasePath>/runs.
type RunStore struct {
	BasePath string
}

// NewRunStore creates a run store rooted at basePath (default ".weft").
func NewRunStore(basePath string) *RunStore {
	if basePath == "" {
		basePath = ".weft"
	}
	return &RunStore{BasePath: basePath}
}

func (s *RunStore) dir() string {
	return filepath.Join(s.BasePath, "runs")
}

func (s *RunStore) Save(ctx context.Context, rec *domain.RunRecord) error {
	if err := validID(rec.RunID); err != nil {
		return err
	}
	return writeJSON(s.dir(), rec.RunID, rec)
}

func (s *RunStore) Load(ctx context.Context, runID string) (*domain.RunRecord, error) {
	if err := validID(runID); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrRunNotFound, err)
	}
	var rec domain.RunRecord
	if err := readJSON(filepath.Join(s.dir(), runID+".json"), &rec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.ErrRunNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (s *RunStore) Delete(ctx context.Context, runID string) error {
	if err := validID(runID); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.dir(), runID+".json"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete run file: %w", err)
	}
	return nil
}

func (s *RunStore) List(ctx context.Context) ([]string, error) {
	return listJSON(s.dir())
}
