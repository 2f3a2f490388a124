package imagefile

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// WriteFileAtomic replaces the disk image at path with data in one rename,
// so a reader of path finds either the previous image or the complete new
// one. The data goes to a .cbmcopy-* file next to path first, which is
// removed again if anything fails.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cbmcopy-*")
	if err != nil {
		return errors.Wrap(err, "create temp image")
	}
	name := tmp.Name()
	renamed := false
	defer func() {
		_ = tmp.Close()
		if !renamed {
			_ = os.Remove(name)
		}
	}()

	// Not every file system honors the mode.
	_ = tmp.Chmod(perm)
	if _, err := tmp.Write(data); err != nil {
		return errors.Wrapf(err, "write %s", name)
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrapf(err, "sync %s", name)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %s", name)
	}
	if err := os.Rename(name, path); err != nil {
		return errors.Wrapf(err, "replace %s", path)
	}
	renamed = true
	return nil
}
