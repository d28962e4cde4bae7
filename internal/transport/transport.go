/**
 * @description
 * File transport to the banking processor. Two strategies share one contract:
 * SFTP for production and a local directory drop for staging or a mounted
 * share. Transports never retry; the batch runner owns retry policy.
 */
package transport

import (
	"context"
	"fmt"
)

// Transport moves files between protected local storage and the processor.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Upload(ctx context.Context, localPath, remotePath string) error
	Download(ctx context.Context, remotePath, localPath string) error
	List(ctx context.Context, remoteDir string) ([]string, error)
	Exists(ctx context.Context, remotePath string) bool
	Delete(ctx context.Context, remotePath string) error
	TestConnection(ctx context.Context) (ok bool, message string)
}

// ErrorKind classifies a transport failure for operators.
type ErrorKind string

const (
	KindConnection ErrorKind = "connection"
	KindAuth       ErrorKind = "authentication"
	KindTransfer   ErrorKind = "transfer"
	KindListing    ErrorKind = "listing"
)

// Error carries enough context to diagnose a failure. It never holds secrets.
type Error struct {
	Kind ErrorKind
	Host string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s failure host=%s", e.Kind, e.Host)
	if e.Path != "" {
		msg += " path=" + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, host, path string, err error) *Error {
	return &Error{Kind: kind, Host: host, Path: path, Err: err}
}
