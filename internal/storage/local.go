// Package storage はアップロードファイルの保存先を提供します。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidName はディレクトリ外を指す名前で返ります。
var ErrInvalidName = errors.New("storage: invalid object name")

// Local はローカルファイルシステム上の保存先です。
// ワーカーと同じボリュームを共有する前提で、保存先の絶対パスをジョブに渡します。
type Local struct {
	root string
}

// NewLocal は root 配下に保存する Local を作成します。
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Local{root: abs}, nil
}

// Root は保存先ディレクトリを返します。
func (l *Local) Root() string { return l.root }

// Path は name の絶対パスを返します。
func (l *Local) Path(name string) (string, error) {
	clean := filepath.Clean(name)
	if name == "" || filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(l.root, clean), nil
}

// Save は r を name として保存し、絶対パスと書き込んだバイト数を返します。
// 途中で失敗した場合は書きかけのファイルを残しません。
func (l *Local) Save(ctx context.Context, name string, r io.Reader) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	path, err := l.Path(name)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", 0, err
	}
	written, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", 0, err
	}
	return path, written, nil
}

// Delete は name を削除します。存在しない場合は何もしません。
func (l *Local) Delete(ctx context.Context, name string) error {
	path, err := l.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
