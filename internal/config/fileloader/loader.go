// Package fileloader reads a static YAML configuration file.
package fileloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ahrav/gatekeeper/internal/config"
)

var _ config.Loader = (*FileLoader)(nil)

// FileLoader reads the gate configuration once. It has no environment
// overrides and never watches the file; use viperloader for that.
type FileLoader struct{ path string }

// NewFileLoader returns a loader for the YAML file at path.
func NewFileLoader(path string) *FileLoader { return &FileLoader{path: path} }

// Load decodes the file over config.Default, so omitted keys keep their stock
// values and unknown keys are an error. An empty file yields the defaults,
// which then fail validation if no targets are configured.
func (l *FileLoader) Load(ctx context.Context) (*config.Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("reading gate config %s: %w", l.path, err)
	}

	cfg := config.Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding gate config %s: %w", l.path, err)
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
