package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	arbotel "github.com/clearline-io/arbiter/internal/otel"
)

var tracer = arbotel.Tracer("github.com/clearline-io/arbiter/internal/policy")

// ResolvePathUnderBase resolves path relative to baseDir and returns an
// absolute path guaranteed to be under baseDir. Prevents path traversal when
// path is user-controlled. If path is absolute, it must still be under
// baseDir.
func ResolvePathUnderBase(baseDir, path string) (string, error) {
	dirAbs, err := filepath.Abs(filepath.Clean(baseDir))
	if err != nil {
		return "", fmt.Errorf("policy base directory: %w", err)
	}
	full := path
	if !filepath.IsAbs(path) {
		full = filepath.Join(dirAbs, path)
	}
	full = filepath.Clean(full)
	pathAbs, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("policy path: %w", err)
	}
	rel, err := filepath.Rel(dirAbs, pathAbs)
	if err != nil {
		return "", fmt.Errorf("policy path outside base directory")
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("policy path outside base directory")
	}
	return pathAbs, nil
}

// Load reads, schema-validates, and parses an arbiter.policy.yaml document.
// baseDir is the directory path is resolved against; the resolved path must
// stay under baseDir. If baseDir is empty, the current working directory is
// used.
func Load(ctx context.Context, path string, baseDir string) (*Policy, error) {
	_, span := tracer.Start(ctx, "policy.load")
	defer span.End()
	span.SetAttributes(attribute.String("policy.path", path))

	if baseDir == "" {
		var err error
		baseDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("policy base directory: %w", err)
		}
	}
	safePath, err := ResolvePathUnderBase(baseDir, path)
	if err != nil {
		return nil, fmt.Errorf("policy path: %w", err)
	}

	content, err := os.ReadFile(safePath)
	if err != nil {
		return nil, fmt.Errorf("reading policy file %s: %w", safePath, err)
	}

	if err := ValidateSchema(content); err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}

	var pol Policy
	if err := yaml.Unmarshal(content, &pol); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	pol.ComputeHash(content)
	applyDefaults(&pol)

	span.SetAttributes(
		attribute.String("policy.version_tag", pol.VersionTag),
		attribute.Int("policy.actions", len(pol.Actions)),
	)
	return &pol, nil
}
