package intent

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// maxAnalyzedFileSize skips files larger than this from the analyze
// step's file-tree enumeration; they are left out of the listing
// entirely, keeping the prompt bounded.
const maxAnalyzedFileSize = 256 * 1024

// defaultExcludes are doublestar patterns (relative to the repo root)
// the analyze step never walks into, mirroring the kind of filter
// ast-indexer's ResolvePaths applies before a directory is indexed.
var defaultExcludes = []string{
	".git/**", "node_modules/**", "vendor/**", "dist/**", "build/**",
	"*.min.js", "*.lock", "*.sum",
}

// enumerateFiles walks root and returns every regular file's
// root-relative, slash-separated path, skipping excluded patterns,
// oversized files, and files that look binary.
func enumerateFiles(root string, excludes []string) ([]string, error) {
	if len(excludes) == 0 {
		excludes = defaultExcludes
	}

	var files []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		relSlash := filepath.ToSlash(rel)

		if matchesAny(excludes, relSlash) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if info.IsDir() {
			return nil
		}
		if info.Size() > maxAnalyzedFileSize {
			return nil
		}
		if looksBinary(path) {
			return nil
		}

		files = append(files, relSlash)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func matchesAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if matched, _ := doublestar.Match(p, path); matched {
			return true
		}
	}
	return false
}

// looksBinary sniffs the first kilobyte for a NUL byte, the same
// heuristic git itself uses to flag a file as binary.
func looksBinary(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()

	buf := make([]byte, 1024)
	n, _ := f.Read(buf)
	return bytes.IndexByte(buf[:n], 0) != -1
}
