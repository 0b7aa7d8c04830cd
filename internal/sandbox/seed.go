package sandbox

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// defaultIgnores are always excluded from workspace seeding.
var defaultIgnores = []string{
	".git/**",
	"node_modules/**",
	"**/*.sock",
}

// IgnoreFile, when present in the project root, lists extra glob patterns
// to exclude from seeding, one per line, # for comments.
const IgnoreFile = ".aideignore"

// SeedWorkspace copies the project tree at src into dst, skipping paths
// matched by the default and project-level ignore globs.
func SeedWorkspace(src, dst string) error {
	patterns, err := loadIgnorePatterns(src)
	if err != nil {
		return err
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		if ignored(rel, d.IsDir(), patterns) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil // skip sockets, devices, symlinks
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func loadIgnorePatterns(src string) ([]string, error) {
	patterns := append([]string{}, defaultIgnores...)

	f, err := os.Open(filepath.Join(src, IgnoreFile))
	if err != nil {
		if os.IsNotExist(err) {
			return patterns, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !doublestar.ValidatePattern(line) {
			return nil, fmt.Errorf("%s: invalid pattern %q", IgnoreFile, line)
		}
		patterns = append(patterns, line)
	}
	return patterns, sc.Err()
}

func ignored(rel string, isDir bool, patterns []string) bool {
	rel = filepath.ToSlash(rel)
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
		// "dir/**" should also match the directory itself.
		if isDir && strings.HasSuffix(p, "/**") {
			if ok, _ := doublestar.Match(strings.TrimSuffix(p, "/**"), rel); ok {
				return true
			}
		}
	}
	return false
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
