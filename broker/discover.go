package broker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"
	"github.com/guseggert/databench/internal/files"
	"github.com/guseggert/databench/kernel"
)

// KernelFile is the optional per-analysis launch override.
const KernelFile = "kernel.yaml"

// Analysis is a kind the broker can start instances of.
// External analyses run Command in Dir; native analyses run Native in-process.
type Analysis struct {
	Name    string
	Dir     string
	Command []string
	Env     map[string]string

	Native *kernel.Kind
}

func (a Analysis) IsNative() bool { return a.Native != nil }

type kernelFile struct {
	Command []string          `yaml:"command"`
	Env     map[string]string `yaml:"env"`
}

// languages maps a folder suffix to the default command for a folder.
var languages = []struct {
	suffix  string
	command func(dir string) []string
}{
	{"_py", func(dir string) []string { return []string{"python", filepath.Join(dir, "analysis.py")} }},
	{"_pyspark", func(dir string) []string { return []string{"pyspark", filepath.Join(dir, "analysis.py")} }},
	{"_go", func(dir string) []string { return []string{"go", "run", "."} }},
	{"_exec", func(dir string) []string { return []string{filepath.Join(dir, "kernel")} }},
}

// Discover finds external analyses in dirs. For each language suffix the first dir
// that has any matching folder is used, so later dirs act as fallbacks.
// Relative dirs missing from the working directory are searched for in its parents.
func Discover(dirs []string) ([]Analysis, error) {
	var resolved []string
	for _, dir := range dirs {
		d, err := resolveDir(dir)
		if err != nil {
			if errors.Is(err, files.ErrNotFound) {
				continue
			}
			return nil, err
		}
		resolved = append(resolved, d)
	}

	var analyses []Analysis
	for _, lang := range languages {
		for _, dir := range resolved {
			found, err := discoverLanguage(dir, lang.suffix, lang.command)
			if err != nil {
				return nil, err
			}
			if len(found) > 0 {
				analyses = append(analyses, found...)
				break
			}
		}
	}
	sort.Slice(analyses, func(i, j int) bool { return analyses[i].Name < analyses[j].Name })
	return analyses, nil
}

func resolveDir(dir string) (string, error) {
	if _, err := os.Stat(dir); err == nil {
		return filepath.Abs(dir)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking analyses dir %s: %w", dir, err)
	}
	if filepath.IsAbs(dir) {
		return "", fmt.Errorf("%s: %w", dir, files.ErrNotFound)
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working dir: %w", err)
	}
	return files.FindUp(dir, wd)
}

func discoverLanguage(dir, suffix string, command func(string) []string) ([]Analysis, error) {
	matches, err := doublestar.FilepathGlob(filepath.Join(dir, "*"+suffix))
	if err != nil {
		return nil, fmt.Errorf("globbing %s: %w", dir, err)
	}
	var analyses []Analysis
	for _, m := range matches {
		name := filepath.Base(m)
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}
		fi, err := os.Stat(m)
		if err != nil {
			return nil, fmt.Errorf("checking %s: %w", m, err)
		}
		if !fi.IsDir() {
			continue
		}
		a := Analysis{
			Name:    name,
			Dir:     m,
			Command: command(m),
		}
		if err := readKernelFile(&a); err != nil {
			return nil, err
		}
		analyses = append(analyses, a)
	}
	return analyses, nil
}

func readKernelFile(a *Analysis) error {
	p := filepath.Join(a.Dir, KernelFile)
	b, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", p, err)
	}
	var kf kernelFile
	if err := yaml.UnmarshalWithOptions(b, &kf, yaml.Strict()); err != nil {
		return fmt.Errorf("parsing %s: %w", p, err)
	}
	if len(kf.Command) > 0 {
		cmd := append([]string(nil), kf.Command...)
		if strings.HasPrefix(cmd[0], "./") || strings.HasPrefix(cmd[0], "../") {
			cmd[0] = filepath.Join(a.Dir, cmd[0])
		}
		a.Command = cmd
	}
	a.Env = kf.Env
	return nil
}
