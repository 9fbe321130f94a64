package inventory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrOutsideRoot is returned for locations that resolve outside the inventory tree.
var ErrOutsideRoot = errors.New("location outside inventory root")

// Mover releases reserved item instances into a per-user purchased folder:
// <root>/purchased/<user>/<unix>_<name>.
type Mover struct {
	root  string
	clock func() time.Time
}

func NewMover(root string) (*Mover, error) {
	if root == "" {
		return nil, fmt.Errorf("inventory root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve inventory root: %w", err)
	}
	return &Mover{root: abs, clock: time.Now}, nil
}

// resolve maps a stored location onto a path inside the root.
func (m *Mover) resolve(location string) (string, error) {
	path := location
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.root, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, location)
	}
	return path, nil
}

// MoveReservedItem moves the item at location to the buyer's purchased folder.
func (m *Mover) MoveReservedItem(ctx context.Context, location, userId string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if userId == "" || strings.ContainsAny(userId, `/\`) || userId == "." || userId == ".." {
		return fmt.Errorf("invalid user id %q", userId)
	}

	src, err := m.resolve(location)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("reserved item %s: %w", location, err)
	}

	dir := filepath.Join(m.root, "purchased", userId)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create purchased folder: %w", err)
	}
	dst := filepath.Join(dir, fmt.Sprintf("%d_%s", m.clock().Unix(), filepath.Base(src)))

	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to move %s: %w", location, err)
	}

	zap.L().Info("Item released to buyer",
		zap.String("user_id", userId),
		zap.String("from", src),
		zap.String("to", dst))
	return nil
}
