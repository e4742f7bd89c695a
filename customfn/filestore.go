package customfn

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

var scopePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// FileStore keeps one YAML file per definition under <dir>/<scope>/.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore returns a store rooted at dir. The directory is created on
// first write.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) scopeDir(scope string) (string, error) {
	if !scopePattern.MatchString(scope) || strings.Contains(scope, "..") {
		return "", fmt.Errorf("invalid scope %q", scope)
	}
	return filepath.Join(s.dir, scope), nil
}

func fileName(name string) string {
	return url.PathEscape(name) + ".yaml"
}

func (s *FileStore) LoadAll(ctx context.Context, scope string) ([]Definition, error) {
	dir, err := s.scopeDir(scope)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return []Definition{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading function dir: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}

	defs := make([]Definition, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading function file %s: %w", path, err)
			}
			if err := yaml.Unmarshal(data, &defs[i]); err != nil {
				return fmt.Errorf("parsing function file %s: %w", path, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := defs[:0]
	for _, d := range defs {
		if d.Name != "" {
			out = append(out, d)
		}
	}
	sortDefinitions(out)
	return out, nil
}

func (s *FileStore) Persist(ctx context.Context, scope string, def Definition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.scopeDir(scope)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(def)
	if err != nil {
		return fmt.Errorf("encoding function %s: %w", def.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating function dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("writing function %s: %w", def.Name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing function %s: %w", def.Name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing function %s: %w", def.Name, err)
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, fileName(def.Name)))
}

func (s *FileStore) Delete(ctx context.Context, scope, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.scopeDir(scope)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err = os.Remove(filepath.Join(dir, fileName(name)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting function %s: %w", name, err)
	}
	return nil
}
