package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/manifestdev/manifest/store"
)

// preImage captures a file's content (and whether it existed at all)
// before a FileChange touches it, so applyToRepo can roll every change
// back to exactly the state it found if a later change in the same
// batch fails.
type preImage struct {
	path    string
	existed bool
	content []byte
	mode    os.FileMode
}

// applyToRepo writes an accepted Attempt's FileChanges into root. If any
// change in the batch fails, every change already applied is rolled back
// to its captured pre-image before the error is returned, so a failed
// accept never leaves the repository half-updated.
func applyToRepo(root string, changes []store.FileChange) error {
	applied := make([]preImage, 0, len(changes))

	rollback := func() {
		for i := len(applied) - 1; i >= 0; i-- {
			pre := applied[i]
			if !pre.existed {
				os.Remove(pre.path)
				continue
			}
			os.WriteFile(pre.path, pre.content, pre.mode)
		}
	}

	for _, c := range changes {
		target := filepath.Join(root, filepath.FromSlash(c.Path))

		pre, err := capturePreImage(target)
		if err != nil {
			rollback()
			return fmt.Errorf("capture pre-image for %s: %w", c.Path, err)
		}
		applied = append(applied, pre)

		if err := applyOne(target, c); err != nil {
			rollback()
			return fmt.Errorf("apply %s: %w", c.Path, err)
		}
	}

	return nil
}

func capturePreImage(target string) (preImage, error) {
	info, err := os.Stat(target)
	if os.IsNotExist(err) {
		return preImage{path: target, existed: false}, nil
	}
	if err != nil {
		return preImage{}, err
	}
	content, err := os.ReadFile(target)
	if err != nil {
		return preImage{}, err
	}
	return preImage{path: target, existed: true, content: content, mode: info.Mode()}, nil
}

func applyOne(target string, c store.FileChange) error {
	switch c.Action {
	case store.ActionDelete:
		return os.RemoveAll(target)
	case store.ActionCreate, store.ActionModify:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		// Stage into a temp file beside the target, then rename over it.
		tmp := target + ".manifest-tmp"
		if err := os.WriteFile(tmp, []byte(c.Content), 0644); err != nil {
			os.Remove(tmp)
			return err
		}
		if err := os.Rename(tmp, target); err != nil {
			os.Remove(tmp)
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown file action %q", c.Action)
	}
}
