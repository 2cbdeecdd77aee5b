// Package storage moves the files of scale workspaces. Only a local directory mover is provided; the Mover
// interface is what the command messages depend on.
package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/batchflow/internal/common/batchflowerrors"
	"github.com/G-Research/batchflow/internal/store"
)

// Mover transfers workspace files. Files are identified by their record; the workspace and path on the record
// locate the stored bytes.
type Mover interface {
	// Upload copies a local file into the file's workspace at its path.
	Upload(ctx context.Context, localPath string, file *store.ScaleFile) error
	// Download copies a stored file to a local path.
	Download(ctx context.Context, file *store.ScaleFile, localPath string) error
	// Move relocates a stored file within its workspace and updates the record's path.
	Move(ctx context.Context, file *store.ScaleFile, newPath string) error
	// Delete removes stored files. Files that are already gone are ignored.
	Delete(ctx context.Context, files []*store.ScaleFile) error
}

// LocalMover keeps every workspace as a directory under a root directory.
type LocalMover struct {
	root string
}

func NewLocalMover(root string) *LocalMover {
	return &LocalMover{root: root}
}

func (m *LocalMover) path(workspace, filePath string) (string, error) {
	if workspace == "" {
		workspace = "default"
	}
	full := filepath.Join(m.root, workspace, filepath.Clean("/"+filePath))
	if !strings.HasPrefix(full, filepath.Join(m.root, workspace)+string(filepath.Separator)) {
		return "", errors.WithStack(&batchflowerrors.ErrInvalidArgument{
			Name:    "file_path",
			Value:   filePath,
			Message: "path escapes its workspace",
		})
	}
	return full, nil
}

func (m *LocalMover) Upload(_ context.Context, localPath string, file *store.ScaleFile) error {
	dst, err := m.path(file.Workspace, file.FilePath)
	if err != nil {
		return err
	}
	return copyFile(localPath, dst)
}

func (m *LocalMover) Download(_ context.Context, file *store.ScaleFile, localPath string) error {
	src, err := m.path(file.Workspace, file.FilePath)
	if err != nil {
		return err
	}
	return copyFile(src, localPath)
}

func (m *LocalMover) Move(_ context.Context, file *store.ScaleFile, newPath string) error {
	src, err := m.path(file.Workspace, file.FilePath)
	if err != nil {
		return err
	}
	dst, err := m.path(file.Workspace, newPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.WithStack(err)
	}
	if err := os.Rename(src, dst); err != nil {
		return errors.WithStack(err)
	}
	file.FilePath = newPath
	return nil
}

func (m *LocalMover) Delete(_ context.Context, files []*store.ScaleFile) error {
	for _, file := range files {
		p, err := m.path(file.Workspace, file.FilePath)
		if err != nil {
			return err
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.WithStack(err)
		}
		log.Debugf("deleted file %d at %s", file.ID, p)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.WithStack(err)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.WithStack(err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return errors.WithStack(err)
	}
	return errors.WithStack(out.Close())
}
