package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/spf13/afero"
)

// LocalTransport drops files into a directory, e.g. a share mounted from the
// processor or a staging inbox. Remote paths are confined to the root.
type LocalTransport struct {
	root   string
	remote afero.Fs
	local  afero.Fs

	mu        sync.Mutex
	connected bool
}

// NewLocalTransport creates a transport rooted at root on the OS filesystem.
func NewLocalTransport(root string, local afero.Fs) *LocalTransport {
	return newLocalTransport(root, afero.NewBasePathFs(afero.NewOsFs(), root), local)
}

func newLocalTransport(root string, remote, local afero.Fs) *LocalTransport {
	return &LocalTransport{root: root, remote: remote, local: local}
}

func (t *LocalTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}
	info, err := t.remote.Stat("/")
	if err != nil {
		return newError(KindConnection, t.root, "/", err)
	}
	if !info.IsDir() {
		return newError(KindConnection, t.root, "/", errors.New("root is not a directory"))
	}
	t.connected = true
	return nil
}

func (t *LocalTransport) Disconnect() error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	return nil
}

func (t *LocalTransport) ready(p string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return newError(KindConnection, t.root, p, errors.New("not connected"))
	}
	return nil
}

func (t *LocalTransport) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := t.ready(remotePath); err != nil {
		return err
	}
	src, err := t.local.Open(localPath)
	if err != nil {
		return newError(KindTransfer, t.root, remotePath, fmt.Errorf("open local file: %w", err))
	}
	defer src.Close()

	if err := t.remote.MkdirAll(path.Dir(remotePath), 0o750); err != nil {
		return newError(KindTransfer, t.root, remotePath, fmt.Errorf("create remote directory: %w", err))
	}
	if err := writeLocal(t.remote, remotePath, src); err != nil {
		return newError(KindTransfer, t.root, remotePath, err)
	}
	return nil
}

func (t *LocalTransport) Download(ctx context.Context, remotePath, localPath string) error {
	if err := t.ready(remotePath); err != nil {
		return err
	}
	src, err := t.remote.Open(remotePath)
	if err != nil {
		return newError(KindTransfer, t.root, remotePath, err)
	}
	defer src.Close()
	if err := writeLocal(t.local, localPath, io.Reader(src)); err != nil {
		return newError(KindTransfer, t.root, remotePath, err)
	}
	return nil
}

func (t *LocalTransport) List(ctx context.Context, remoteDir string) ([]string, error) {
	if err := t.ready(remoteDir); err != nil {
		return nil, err
	}
	entries, err := afero.ReadDir(t.remote, remoteDir)
	if err != nil {
		return nil, newError(KindListing, t.root, remoteDir, err)
	}
	return fileNames(entries), nil
}

func (t *LocalTransport) Exists(ctx context.Context, remotePath string) bool {
	if t.ready(remotePath) != nil {
		return false
	}
	ok, err := afero.Exists(t.remote, remotePath)
	return err == nil && ok
}

func (t *LocalTransport) Delete(ctx context.Context, remotePath string) error {
	if err := t.ready(remotePath); err != nil {
		return err
	}
	if err := t.remote.Remove(remotePath); err != nil {
		return newError(KindTransfer, t.root, remotePath, err)
	}
	return nil
}

func (t *LocalTransport) TestConnection(ctx context.Context) (bool, string) {
	if err := t.Connect(ctx); err != nil {
		return false, err.Error()
	}
	return true, "local drop directory " + t.root + " is reachable"
}
