// Package artifact moves downloaded scratch files into process-owned temporary directories.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
)

// DirPattern is the pattern of temporary directories created by Adopt, see os.MkdirTemp.
const DirPattern = "requestr-*"

// Dir is a process-owned temporary directory holding one downloaded file.
type Dir struct {
	root string
	path string
}

// Adopt moves the scratch file into a new temporary directory, under the filename.
// The scratch file is renamed if possible, otherwise it is copied and removed,
// for example if the scratch location is on another device.
// On error, the created directory is removed, the scratch file is left to its owner.
func Adopt(scratchPath, filename string) (*Dir, error) {
	if filename == "" || filename != filepath.Base(filename) || filename == "." || filename == ".." {
		return nil, fmt.Errorf(`invalid artifact filename "%s"`, filename)
	}

	root, err := os.MkdirTemp("", DirPattern)
	if err != nil {
		return nil, fmt.Errorf("cannot create artifact directory: %w", err)
	}

	path := filepath.Join(root, filename)
	if err := move(scratchPath, path); err != nil {
		if rmErr := os.RemoveAll(root); rmErr != nil {
			err = multierror.Append(err, rmErr)
		}
		return nil, err
	}

	return &Dir{root: root, path: path}, nil
}

// Root returns path to the temporary directory.
func (d *Dir) Root() string {
	return d.root
}

// Path returns path to the file inside the temporary directory.
func (d *Dir) Path() string {
	return d.path
}

// Remove deletes the directory and the file.
func (d *Dir) Remove() error {
	if err := os.RemoveAll(d.root); err != nil {
		return fmt.Errorf(`cannot remove artifact directory "%s": %w`, d.root, err)
	}
	return nil
}

func move(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf(`cannot move "%s" to the artifact directory: %w`, src, err)
	}

	if err := os.Remove(src); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf(`cannot remove scratch file "%s": %w`, src, err)
	}

	return nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src) // nolint: gosec
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := in.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}

	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}

	if err = out.Sync(); err != nil {
		_ = out.Close()
		return err
	}

	return out.Close()
}
