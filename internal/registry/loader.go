package registry

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gend/internal/common/fsutil"
	"gend/pkg/types"
)

// GGUFScanner finds *.gguf model files under a directory tree.
type GGUFScanner struct{}

func NewGGUFScanner() *GGUFScanner { return &GGUFScanner{} }

// quantPattern matches a trailing llama.cpp quantization tag such as Q4_K_M or F16.
var quantPattern = regexp.MustCompile(`(?i)[-._](i?q[0-9]+(_[a-z0-9]+)*|bf16|f16|f32)$`)

// Scan walks dir recursively. A model's ID is its path relative to dir with
// forward slashes and without the .gguf extension, so
// <dir>/mlx-community/SmolLM3-3B-4bit.gguf has id mlx-community/SmolLM3-3B-4bit.
func (s *GGUFScanner) Scan(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	if fi, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("read dir: %s is not a directory", abs)
	}
	var models []types.Model
	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != abs && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if !strings.EqualFold(filepath.Ext(name), ".gguf") {
			return nil
		}
		rel, err := filepath.Rel(abs, p)
		if err != nil {
			return err
		}
		id := filepath.ToSlash(strings.TrimSuffix(rel, filepath.Ext(rel)))
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		m := types.Model{ID: id, Name: stem, Path: p}
		if q := quantPattern.FindStringSubmatch(stem); q != nil {
			m.Quant = strings.ToUpper(q[1])
		}
		models = append(models, m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", abs, err)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// LoadDir scans dir with a GGUFScanner.
func LoadDir(dir string) ([]types.Model, error) {
	return NewGGUFScanner().Scan(dir)
}
