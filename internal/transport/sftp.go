package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/spf13/afero"
	"github.com/transfa/ach-service/internal/security"
	"golang.org/x/crypto/ssh"
)

// Authentication methods.
const (
	AuthPassword   = "password"
	AuthPrivateKey = "private_key"
)

// CredentialSource hands out SFTP secrets for the duration of fn only.
type CredentialSource interface {
	WithSFTPCredentials(ctx context.Context, fn func(security.Credentials) error) error
}

// SFTPOptions describes the processor endpoint.
type SFTPOptions struct {
	Host       string
	Port       int
	Username   string
	AuthMethod string
	// HostKey is the server public key in authorized_keys format.
	HostKey string
	Timeout time.Duration
}

func (o SFTPOptions) addr() string {
	port := o.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(o.Host, strconv.Itoa(port))
}

type connectFunc func(ctx context.Context) (*sftp.Client, io.Closer, error)

// SFTPTransport implements Transport over SSH. Credentials are decrypted only
// inside Connect and are not held on the struct.
type SFTPTransport struct {
	opts   SFTPOptions
	creds  CredentialSource
	local  afero.Fs
	logger *slog.Logger

	mu      sync.Mutex
	client  *sftp.Client
	conn    io.Closer
	connect connectFunc
}

// NewSFTPTransport creates an SFTP transport reading and writing local files
// through local.
func NewSFTPTransport(opts SFTPOptions, creds CredentialSource, local afero.Fs, logger *slog.Logger) *SFTPTransport {
	t := &SFTPTransport{opts: opts, creds: creds, local: local, logger: logger}
	t.connect = t.dialSSH
	return t
}

// Connect opens the session. Calling it while connected is a no-op.
func (t *SFTPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return nil
	}

	client, conn, err := t.connect(ctx)
	if err != nil {
		return err
	}
	t.client = client
	t.conn = conn
	t.logger.Info("sftp connected", "host", t.opts.Host, "user", t.opts.Username)
	return nil
}

func (t *SFTPTransport) dialSSH(ctx context.Context) (*sftp.Client, io.Closer, error) {
	if strings.TrimSpace(t.opts.Host) == "" {
		return nil, nil, newError(KindConnection, t.opts.Host, "", errors.New("host not configured"))
	}
	hostKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(t.opts.HostKey))
	if err != nil {
		return nil, nil, newError(KindConnection, t.opts.Host, "", fmt.Errorf("invalid host key: %w", err))
	}

	timeout := t.opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var client *sftp.Client
	var sshClient *ssh.Client
	err = t.creds.WithSFTPCredentials(ctx, func(c security.Credentials) error {
		auth, err := authMethod(t.opts.AuthMethod, c)
		if err != nil {
			return newError(KindAuth, t.opts.Host, "", err)
		}
		config := &ssh.ClientConfig{
			User:            t.opts.Username,
			Auth:            []ssh.AuthMethod{auth},
			HostKeyCallback: ssh.FixedHostKey(hostKey),
			Timeout:         timeout,
		}

		dialer := net.Dialer{Timeout: timeout}
		netConn, err := dialer.DialContext(ctx, "tcp", t.opts.addr())
		if err != nil {
			return newError(KindConnection, t.opts.Host, "", err)
		}

		// The deadline bounds the SSH handshake and the sftp init exchange;
		// ctx can cut both short.
		if err := netConn.SetDeadline(time.Now().Add(timeout)); err != nil {
			netConn.Close()
			return newError(KindConnection, t.opts.Host, "", err)
		}
		stop := context.AfterFunc(ctx, func() { netConn.Close() })

		sshConn, chans, reqs, err := ssh.NewClientConn(netConn, t.opts.addr(), config)
		if err != nil {
			stop()
			netConn.Close()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return newError(KindConnection, t.opts.Host, "", fmt.Errorf("handshake aborted: %w", ctxErr))
			}
			return classifyHandshake(t.opts.Host, err)
		}
		sshClient = ssh.NewClient(sshConn, chans, reqs)

		client, err = sftp.NewClient(sshClient)
		if !stop() {
			sshClient.Close()
			return newError(KindConnection, t.opts.Host, "", fmt.Errorf("connect aborted: %w", ctx.Err()))
		}
		if err != nil {
			sshClient.Close()
			return newError(KindConnection, t.opts.Host, "", fmt.Errorf("start sftp subsystem: %w", err))
		}
		if err := netConn.SetDeadline(time.Time{}); err != nil {
			client.Close()
			sshClient.Close()
			return newError(KindConnection, t.opts.Host, "", err)
		}
		return nil
	})
	if err != nil {
		var terr *Error
		if errors.As(err, &terr) {
			return nil, nil, terr
		}
		return nil, nil, newError(KindAuth, t.opts.Host, "", err)
	}
	return client, sshClient, nil
}

func authMethod(method string, c security.Credentials) (ssh.AuthMethod, error) {
	switch method {
	case AuthPrivateKey:
		if len(c.PrivateKey) == 0 {
			return nil, errors.New("private key not configured")
		}
		var (
			signer ssh.Signer
			err    error
		)
		if len(c.Passphrase) > 0 {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(c.PrivateKey, c.Passphrase)
		} else {
			signer, err = ssh.ParsePrivateKey(c.PrivateKey)
		}
		if err != nil {
			return nil, errors.New("private key could not be parsed")
		}
		return ssh.PublicKeys(signer), nil
	case AuthPassword, "":
		if len(c.Password) == 0 {
			return nil, errors.New("password not configured")
		}
		return ssh.Password(string(c.Password)), nil
	}
	return nil, fmt.Errorf("unsupported auth method %q", method)
}

func classifyHandshake(host string, err error) *Error {
	if strings.Contains(err.Error(), "unable to authenticate") {
		return newError(KindAuth, host, "", errors.New("server rejected credentials"))
	}
	return newError(KindConnection, host, "", err)
}

// Disconnect closes the session if open.
func (t *SFTPTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	if t.conn != nil {
		if cerr := t.conn.Close(); err == nil {
			err = cerr
		}
	}
	t.client = nil
	t.conn = nil
	return err
}

// withSession runs fn against the open client. If ctx ends first the
// connection is closed, which unblocks fn, and the transport disconnects.
func (t *SFTPTransport) withSession(ctx context.Context, kind ErrorKind, p string, fn func(*sftp.Client) error) error {
	t.mu.Lock()
	client, conn := t.client, t.conn
	t.mu.Unlock()
	if client == nil {
		return newError(KindConnection, t.opts.Host, p, errors.New("not connected"))
	}
	if err := ctx.Err(); err != nil {
		return newError(kind, t.opts.Host, p, err)
	}

	stop := context.AfterFunc(ctx, func() {
		if conn != nil {
			conn.Close()
		}
	})
	err := fn(client)
	if !stop() {
		t.mu.Lock()
		if t.client == client {
			t.client.Close()
			t.client = nil
			t.conn = nil
		}
		t.mu.Unlock()
		t.logger.Warn("sftp operation aborted", "host", t.opts.Host, "path", p, "error", ctx.Err())
		return newError(kind, t.opts.Host, p, fmt.Errorf("aborted: %w", ctx.Err()))
	}
	return err
}

// Upload copies a local file to remotePath, creating remote directories.
func (t *SFTPTransport) Upload(ctx context.Context, localPath, remotePath string) error {
	return t.withSession(ctx, KindTransfer, remotePath, func(client *sftp.Client) error {
		src, err := t.local.Open(localPath)
		if err != nil {
			return newError(KindTransfer, t.opts.Host, remotePath, fmt.Errorf("open local file: %w", err))
		}
		defer src.Close()

		if dir := path.Dir(remotePath); dir != "." && dir != "/" {
			if err := client.MkdirAll(dir); err != nil {
				return newError(KindTransfer, t.opts.Host, dir, fmt.Errorf("create remote directory: %w", err))
			}
		}

		dst, err := client.Create(remotePath)
		if err != nil {
			return newError(KindTransfer, t.opts.Host, remotePath, err)
		}
		if _, err := io.Copy(dst, src); err != nil {
			dst.Close()
			return newError(KindTransfer, t.opts.Host, remotePath, err)
		}
		if err := dst.Close(); err != nil {
			return newError(KindTransfer, t.opts.Host, remotePath, err)
		}
		return nil
	})
}

// Download copies remotePath into localPath (0600).
func (t *SFTPTransport) Download(ctx context.Context, remotePath, localPath string) error {
	return t.withSession(ctx, KindTransfer, remotePath, func(client *sftp.Client) error {
		src, err := client.Open(remotePath)
		if err != nil {
			return newError(KindTransfer, t.opts.Host, remotePath, err)
		}
		defer src.Close()

		if err := writeLocal(t.local, localPath, src); err != nil {
			return newError(KindTransfer, t.opts.Host, remotePath, err)
		}
		return nil
	})
}

// List returns the regular file names in remoteDir, sorted.
func (t *SFTPTransport) List(ctx context.Context, remoteDir string) ([]string, error) {
	var names []string
	err := t.withSession(ctx, KindListing, remoteDir, func(client *sftp.Client) error {
		entries, err := client.ReadDir(remoteDir)
		if err != nil {
			return newError(KindListing, t.opts.Host, remoteDir, err)
		}
		names = fileNames(entries)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// Exists reports whether remotePath exists.
func (t *SFTPTransport) Exists(ctx context.Context, remotePath string) bool {
	err := t.withSession(ctx, KindListing, remotePath, func(client *sftp.Client) error {
		_, err := client.Stat(remotePath)
		return err
	})
	return err == nil
}

// Delete removes remotePath.
func (t *SFTPTransport) Delete(ctx context.Context, remotePath string) error {
	return t.withSession(ctx, KindTransfer, remotePath, func(client *sftp.Client) error {
		if err := client.Remove(remotePath); err != nil {
			return newError(KindTransfer, t.opts.Host, remotePath, err)
		}
		return nil
	})
}

// TestConnection connects, checks the working directory and restores the
// previous connection state.
func (t *SFTPTransport) TestConnection(ctx context.Context) (bool, string) {
	t.mu.Lock()
	wasConnected := t.client != nil
	t.mu.Unlock()

	if err := t.Connect(ctx); err != nil {
		return false, err.Error()
	}
	if !wasConnected {
		defer t.Disconnect()
	}

	var wd string
	err := t.withSession(ctx, KindListing, ".", func(client *sftp.Client) error {
		var err error
		if wd, err = client.Getwd(); err != nil {
			return newError(KindListing, t.opts.Host, ".", err)
		}
		return nil
	})
	if err != nil {
		return false, err.Error()
	}
	return true, fmt.Sprintf("connected to %s as %s (cwd %s)", t.opts.addr(), t.opts.Username, wd)
}

func fileNames(entries []os.FileInfo) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Mode().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

func writeLocal(local afero.Fs, localPath string, src io.Reader) error {
	if err := local.MkdirAll(filepath.Dir(localPath), 0o700); err != nil {
		return fmt.Errorf("create local directory: %w", err)
	}
	dst, err := local.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(0o600))
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
