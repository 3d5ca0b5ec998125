package txn

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kvforge/corekv/engine"
)

// Recover implements spec.md §4.6.5: replay every rollback log under
// logsDir by reversing it (restoring each key's pre-image, or deleting
// it if the pre-image was absent), then unconditionally wipe the
// scratch data directory. Must run to completion before normal startup
// proceeds whenever NeedsRecovery reports true.
func (m *Manager) Recover(ctx context.Context) error {
	if err := m.ensureDirs(); err != nil {
		return err
	}
	entries, err := os.ReadDir(m.logsDir())
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(m.logsDir(), e.Name())
		if err := m.reverseLog(ctx, path); err != nil {
			return fmt.Errorf("txn: recover %s: %w", e.Name(), err)
		}
	}

	dataEntries, err := os.ReadDir(m.dataDir())
	if err != nil {
		return err
	}
	for _, e := range dataEntries {
		os.Remove(filepath.Join(m.dataDir(), e.Name()))
	}
	return m.RemovePID()
}

// reverseLog reads one rollback log (header line, then one JSON
// {key, value} line per touched key) and restores every key to its
// pre-image, then deletes the log.
func (m *Manager) reverseLog(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return err
		}
		return os.Remove(path)
	}
	var header logHeader
	if err := json.Unmarshal(sc.Bytes(), &header); err != nil {
		return err
	}

	for sc.Scan() {
		var rec logRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return err
		}
		if rec.Present {
			value := rec.Value
			if rec.Compressed {
				v, derr := decompressPreImage(value)
				if derr != nil {
					return derr
				}
				value = v
			}
			if err := m.eng.Put(ctx, rec.Key, value); err != nil {
				return err
			}
		} else {
			if err := m.eng.Delete(ctx, rec.Key); err != nil && !errors.Is(err, engine.ErrNotFound) {
				return err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return os.Remove(path)
}
