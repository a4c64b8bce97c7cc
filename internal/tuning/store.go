package tuning

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
)

const tableVersion = 1

// tableFile is the on-disk tuning table.
type tableFile struct {
	Version int                 `cbor:"version"`
	Params  map[string][]uint32 `cbor:"params"`
}

// Load merges the table at cfg.Path into the tuner. A missing file is not an error.
func (t *Tuner) Load() error {
	if t.cfg.Path == "" {
		return nil
	}
	data, err := os.ReadFile(t.cfg.Path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Debug().Str("path", t.cfg.Path).Msg("No tuning table found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read tuning table: %w", err)
	}

	var tf tableFile
	if err := cbor.Unmarshal(data, &tf); err != nil {
		return fmt.Errorf("decode tuning table %s: %w", t.cfg.Path, err)
	}
	if tf.Version != tableVersion {
		return fmt.Errorf("tuning table %s: unsupported version %d", t.cfg.Path, tf.Version)
	}

	loaded := 0
	for key, lws := range tf.Params {
		if len(lws) != 3 {
			log.Warn().Str("key", key).Uints32("lws", lws).Msg("Skipping malformed tuning entry")
			continue
		}
		t.params.Put(key, lws)
		loaded++
	}
	log.Info().Str("path", t.cfg.Path).Int("entries", loaded).Msg("Loaded tuning table")
	return nil
}

// Save writes the tuning table to cfg.Path, replacing the file atomically.
func (t *Tuner) Save() error {
	if t.cfg.Path == "" {
		return nil
	}
	data, err := cbor.Marshal(tableFile{Version: tableVersion, Params: t.params.Snapshot()})
	if err != nil {
		return fmt.Errorf("encode tuning table: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(t.cfg.Path), ".tuning-*")
	if err != nil {
		return fmt.Errorf("save tuning table: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("save tuning table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save tuning table: %w", err)
	}
	if err := os.Rename(tmp.Name(), t.cfg.Path); err != nil {
		return fmt.Errorf("save tuning table: %w", err)
	}
	log.Info().Str("path", t.cfg.Path).Int("entries", t.params.Size()).Msg("Saved tuning table")
	return nil
}
