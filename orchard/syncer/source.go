package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/colorfulnotion/shieldsync/orchard/types"
)

// ErrBlockNotFound is returned by a BlockSource that has no block at a height.
var ErrBlockNotFound = errors.New("block not found")

// BlockSource supplies confirmed blocks.
type BlockSource interface {
	Tip(ctx context.Context) (uint64, error)
	Block(ctx context.Context, height uint64) (types.Block, error)
}

// DirSource reads blocks stored as <Dir>/<height>.json.
type DirSource struct {
	Dir string
}

func (d DirSource) path(height uint64) string {
	return filepath.Join(d.Dir, strconv.FormatUint(height, 10)+".json")
}

// Tip returns the highest height present in the directory.
func (d DirSource) Tip(ctx context.Context) (uint64, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return 0, err
	}
	var (
		tip   uint64
		found bool
	)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		h, err := strconv.ParseUint(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil {
			continue
		}
		if !found || h > tip {
			tip, found = h, true
		}
	}
	if !found {
		return 0, fmt.Errorf("%w: no blocks in %s", ErrBlockNotFound, d.Dir)
	}
	return tip, nil
}

func (d DirSource) Block(ctx context.Context, height uint64) (types.Block, error) {
	var block types.Block
	data, err := os.ReadFile(d.path(height))
	if errors.Is(err, os.ErrNotExist) {
		return block, fmt.Errorf("%w: height %d", ErrBlockNotFound, height)
	}
	if err != nil {
		return block, err
	}
	if err := json.Unmarshal(data, &block); err != nil {
		return block, fmt.Errorf("decode block %d: %w", height, err)
	}
	return block, nil
}

// WriteBlock stores block in the directory layout DirSource reads.
func (d DirSource) WriteBlock(block types.Block) error {
	data, err := json.MarshalIndent(block, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(d.path(block.Height), data, 0o644)
}
