package shard

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/pkg/errors"
)

// indexFileRe matches an index's on-disk data file (spec.md §6.6).
var indexFileRe = regexp.MustCompile(`^[^.]+\.data$`)

// RemoveIndex unlinks the data file before the journal, so a failure
// partway through leaks space rather than corrupting the pair (mirrors
// squark_rm_index).
func RemoveIndex(dbDir, indexID string) error {
	data := filepath.Join(dbDir, indexID+".data")
	journal := filepath.Join(dbDir, indexID+".journal")
	if err := os.Remove(data); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "shard: remove %s", data)
	}
	if err := os.Remove(journal); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "shard: remove %s", journal)
	}
	return nil
}

// ListIndexes lists the index IDs present in dbDir (files matching
// ^[^.]+\.data$, with the suffix stripped), mirroring squark_get_indexes.
func ListIndexes(dbDir string) ([]string, error) {
	entries, err := os.ReadDir(dbDir)
	if err != nil {
		return nil, errors.Wrapf(err, "shard: read dir %s", dbDir)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if indexFileRe.MatchString(name) {
			out = append(out, name[:len(name)-len(".data")])
		}
	}
	return out, nil
}
