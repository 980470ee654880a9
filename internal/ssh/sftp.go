package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
)

// Upload streams r to remotePath over SFTP, creating parent directories. The
// file is written beside the target and renamed into place.
func (c *Conn) Upload(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode) error {
	sf, err := sftp.NewClient(c.client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()

	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	tmp := remotePath + ".upload"
	dst, err := sf.Create(tmp)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	if _, err := io.Copy(dst, ctxReader{ctx: ctx, r: r}); err != nil {
		dst.Close()
		_ = sf.Remove(tmp)
		return fmt.Errorf("copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = sf.Remove(tmp)
		return fmt.Errorf("close remote: %w", err)
	}
	if err := sf.Chmod(tmp, mode); err != nil {
		_ = sf.Remove(tmp)
		return fmt.Errorf("chmod remote: %w", err)
	}
	if err := sf.PosixRename(tmp, remotePath); err != nil {
		_ = sf.Remove(tmp)
		return fmt.Errorf("rename remote: %w", err)
	}
	return nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
