package shf

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/shf/pkg/fs"
)

// metaFileName holds the instance-wide settings every attaching process must
// agree on.
const metaFileName = "shf.json"

// instanceMeta is the JSON content of metaFileName.
type instanceMeta struct {
	Version  int `json:"version"`
	KeyLen   int `json:"key_len"`   //nolint:tagliatelle // snake_case on disk
	ValueLen int `json:"value_len"` //nolint:tagliatelle // snake_case on disk
}

func writeMeta(path string, meta instanceMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	data = append(data, '\n')

	err = atomic.WriteFile(path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("write meta: %w", err)
	}

	return nil
}

// readMeta reads the meta file. Comments and trailing commas are accepted so
// the file can be annotated by hand.
func readMeta(fsys fs.FS, path string) (instanceMeta, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return instanceMeta{}, fmt.Errorf("read meta: %w", err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return instanceMeta{}, fmt.Errorf("meta %s: invalid JSONC: %w", path, ErrCorrupt)
	}

	var meta instanceMeta

	err = json.Unmarshal(standardized, &meta)
	if err != nil {
		return instanceMeta{}, fmt.Errorf("meta %s: invalid JSON: %w", path, ErrCorrupt)
	}

	if meta.Version != formatVersion {
		return instanceMeta{}, fmt.Errorf("meta version %d, expected %d: %w", meta.Version, formatVersion, ErrIncompatible)
	}

	return meta, nil
}

// reconcile merges the caller's fixed lengths with the stored ones. Zero
// options adopt the stored values; explicit values must match.
func (m instanceMeta) reconcile(opts Options) (Options, error) {
	if opts.KeyLen == 0 && opts.ValueLen == 0 {
		opts.KeyLen = m.KeyLen
		opts.ValueLen = m.ValueLen

		return opts, nil
	}

	if opts.KeyLen != m.KeyLen || opts.ValueLen != m.ValueLen {
		return Options{}, fmt.Errorf("fixed lengths %d/%d, tree has %d/%d: %w",
			opts.KeyLen, opts.ValueLen, m.KeyLen, m.ValueLen, ErrIncompatible)
	}

	return opts, nil
}
