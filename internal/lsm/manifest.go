package lsm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const manifestFileName = "MANIFEST"

// manifest lists the live SSTables, newest first, and the next file number to hand out.
type manifest struct {
	Next   uint64   `yaml:"next"`
	Tables []uint64 `yaml:"tables,flow"`
}

func tableFileName(num uint64) string {
	return fmt.Sprintf("%06d.sst", num)
}

func walDirName(num uint64) string {
	return fmt.Sprintf("wal-%06d", num)
}

// readManifest returns an empty manifest when the file does not exist yet
func readManifest(dir string) (manifest, error) {
	m := manifest{Next: 1}

	data, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return m, err
	}

	var stored manifest
	if err := yaml.Unmarshal(data, &stored); err != nil {
		return m, fmt.Errorf("lsm: bad manifest: %w", err)
	}
	if stored.Next == 0 {
		return m, errors.New("lsm: bad manifest: no next file number")
	}
	return stored, nil
}

// writeManifest replaces the manifest via a temporary file and a rename
func writeManifest(dir string, m manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}

	path := filepath.Join(dir, manifestFileName)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
