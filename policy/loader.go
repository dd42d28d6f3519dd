package policy

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// LoadDir compiles every .rego file under dir as a user policy named after
// the file. It returns the number of policies loaded.
func (e *Engine) LoadDir(ctx context.Context, dir string) (int, error) {
	ctx, span := e.tracer.Start(ctx, "policy.load_dir",
		trace.WithAttributes(attribute.String("policy.dir", dir)))
	defer span.End()

	if _, err := os.Stat(dir); err != nil {
		return 0, fmt.Errorf("policy dir %s: %w", dir, err)
	}

	loaded := 0
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(path, ".rego") {
			return nil
		}
		if err := validateFilePath(dir, path); err != nil {
			return fmt.Errorf("invalid file path %s: %w", path, err)
		}

		content, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}

		name := strings.TrimSuffix(filepath.Base(path), ".rego")
		if name == DefaultPolicyName {
			name = "user-" + name
		}
		if err := e.LoadPolicy(ctx, name, string(content)); err != nil {
			return fmt.Errorf("failed to load policy %s from %s: %w", name, path, err)
		}
		loaded++
		return nil
	})
	if err != nil {
		return loaded, err
	}

	e.logger.WithContext(ctx).Info().
		Str("policy_dir", dir).
		Int("count", loaded).
		Msg("loaded user policies")
	return loaded, nil
}

func validateFilePath(root, path string) error {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to resolve relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path traversal detected")
	}
	return nil
}
