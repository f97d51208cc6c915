// Package script loads the browser test scripts that debug sessions replay.
package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/shehryarbajwa/stepdebug/pkg/models"
)

// Source resolves an execution id to its test script
type Source interface {
	Load(ctx context.Context, executionID int64) (*models.TestScript, error)
}

// FileSource reads <dir>/<execution_id>.yaml
type FileSource struct {
	dir string
}

func NewFileSource(dir string) (*FileSource, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scripts directory: %w", err)
	}
	return &FileSource{dir: dir}, nil
}

func (s *FileSource) Load(ctx context.Context, executionID int64) (*models.TestScript, error) {
	base := filepath.Join(s.dir, strconv.FormatInt(executionID, 10))

	var (
		data []byte
		err  error
	)
	for _, ext := range []string{".yaml", ".yml"} {
		data, err = os.ReadFile(base + ext)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read script %d: %w", executionID, err)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: execution %d", models.ErrScriptNotFound, executionID)
	}

	var script models.TestScript
	if err := yaml.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("failed to parse script %d: %w", executionID, err)
	}
	script.ExecutionID = executionID

	if err := Normalize(&script); err != nil {
		return nil, fmt.Errorf("script %d: %w", executionID, err)
	}
	return &script, nil
}

// MemorySource serves scripts registered in process
type MemorySource struct {
	mu      sync.RWMutex
	scripts map[int64]*models.TestScript
}

func NewMemorySource() *MemorySource {
	return &MemorySource{scripts: make(map[int64]*models.TestScript)}
}

// Put registers a script under its execution id
func (s *MemorySource) Put(script *models.TestScript) error {
	if err := Normalize(script); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[script.ExecutionID] = script
	return nil
}

func (s *MemorySource) Load(ctx context.Context, executionID int64) (*models.TestScript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	script, ok := s.scripts[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: execution %d", models.ErrScriptNotFound, executionID)
	}
	copied := *script
	copied.Steps = append([]models.TestStep(nil), script.Steps...)
	return &copied, nil
}

// Normalize numbers unnumbered steps and checks the script is runnable
func Normalize(script *models.TestScript) error {
	if len(script.Steps) == 0 {
		return errors.New("script has no steps")
	}
	for i := range script.Steps {
		step := &script.Steps[i]
		if step.Number == 0 {
			step.Number = i + 1
		}
		if step.Number != i+1 {
			return fmt.Errorf("step %d is numbered %d", i+1, step.Number)
		}
		if strings.TrimSpace(step.Action) == "" {
			return fmt.Errorf("step %d has no action", step.Number)
		}
		if step.Description == "" {
			step.Description = step.Action
		}
	}
	if script.TestID == "" {
		script.TestID = strconv.FormatInt(script.ExecutionID, 10)
	}
	return nil
}
