package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"strings"
)

var ErrNotFound = errors.New("stored file not found")

// BlockedSuffix names the marker written next to a quarantined upload.
const BlockedSuffix = ".BLOCKED"

// Handle is a local, readable copy of a stored upload.
type Handle struct {
	Path    string
	release func()
}

// Release removes temporary copies. It is safe to call on local handles.
func (h *Handle) Release() {
	if h.release != nil {
		h.release()
	}
}

type Store interface {
	Locate(ctx context.Context, location string) (*Handle, error)
	// Block writes marker next to the upload and makes the upload unreadable where possible.
	Block(ctx context.Context, location string, marker []byte) error
	Type() string
}

// Manager routes locations to the store that owns their scheme.
type Manager struct {
	local  Store
	remote Store
}

func NewManager(local Store, remote Store) *Manager {
	return &Manager{local: local, remote: remote}
}

func (m *Manager) Locate(ctx context.Context, location string) (*Handle, error) {
	if strings.HasPrefix(location, s3Scheme) {
		if m.remote == nil {
			return nil, errors.New("object storage is not configured")
		}
		return m.remote.Locate(ctx, location)
	}
	return m.local.Locate(ctx, location)
}

func (m *Manager) Block(ctx context.Context, location string, marker []byte) error {
	if strings.HasPrefix(location, s3Scheme) {
		if m.remote == nil {
			return errors.New("object storage is not configured")
		}
		return m.remote.Block(ctx, location, marker)
	}
	return m.local.Block(ctx, location, marker)
}

// LocalStore serves uploads already on the worker's filesystem.
type LocalStore struct{}

func (LocalStore) Type() string { return "local" }

func (LocalStore) Locate(_ context.Context, location string) (*Handle, error) {
	info, err := os.Stat(location)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}
	return &Handle{Path: location}, nil
}

func (LocalStore) Block(_ context.Context, location string, marker []byte) error {
	if err := os.WriteFile(location+BlockedSuffix, marker, 0o600); err != nil {
		return err
	}
	if err := os.Chmod(location, 0); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Digest returns the hex SHA-256 and size of a local file.
func Digest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
