package remote

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"

	"github.com/pkg/sftp"
)

func (c *Client) files() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp != nil {
		return c.sftp, nil
	}
	client, err := sftp.NewClient(c.conn)
	if err != nil {
		return nil, fmt.Errorf("open sftp subsystem: %w", err)
	}
	c.sftp = client
	return client, nil
}

// Upload copies the local file to remotePath with the given mode. The mode is
// applied before any content is written.
func (c *Client) Upload(localPath, remotePath string, mode os.FileMode) error {
	fs, err := c.files()
	if err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	if dir := path.Dir(remotePath); dir != "." {
		if err := fs.MkdirAll(dir); err != nil {
			return fmt.Errorf("create remote directory %s: %w", dir, err)
		}
	}
	dst, err := fs.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("create remote file %s: %w", remotePath, err)
	}
	if err := dst.Chmod(mode); err != nil {
		_ = dst.Close()
		return fmt.Errorf("chmod remote file %s: %w", remotePath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("write remote file %s: %w", remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close remote file %s: %w", remotePath, err)
	}
	c.logger.Debug("uploaded file", "path", remotePath)
	return nil
}

// Remove deletes a remote file. A file that is already gone is not an error.
func (c *Client) Remove(remotePath string) error {
	fs, err := c.files()
	if err != nil {
		return err
	}
	if err := fs.Remove(remotePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove remote file %s: %w", remotePath, err)
	}
	return nil
}

// EnsureDir creates a remote directory unless it already exists.
func (c *Client) EnsureDir(remotePath string) error {
	fs, err := c.files()
	if err != nil {
		return err
	}
	info, err := fs.Stat(remotePath)
	switch {
	case err == nil && info.IsDir():
		return nil
	case err == nil:
		return fmt.Errorf("remote path %s exists and is not a directory", remotePath)
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("stat remote path %s: %w", remotePath, err)
	}
	if err := fs.Mkdir(remotePath); err != nil {
		return fmt.Errorf("create remote directory %s: %w", remotePath, err)
	}
	return nil
}

// List returns the sorted names of the entries in a remote directory.
func (c *Client) List(remoteDir string) ([]string, error) {
	fs, err := c.files()
	if err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(remoteDir)
	if err != nil {
		return nil, fmt.Errorf("list remote directory %s: %w", remoteDir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}
