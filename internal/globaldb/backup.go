package globaldb

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Backup copies the database file to a timestamped backup in the same
// directory, named {unix_timestamp}_{db_name}_v{version}.backup, and
// returns the backup path. The caller must flush the WAL first so the main
// file is complete.
func (db *DB) Backup(version int) (string, error) {
	dir := filepath.Dir(db.path)
	name := BackupName(filepath.Base(db.path), version)
	dst := filepath.Join(dir, name)

	if err := copyFile(db.path, dst); err != nil {
		return "", fmt.Errorf("failed to back up database to %s: %w", dst, err)
	}
	return dst, nil
}

// SnapshotTo writes a consistent copy of the database file to dstPath. The
// WAL is flushed first so the copy carries every committed write. The copy
// is a full clone at the same schema version, whatever that version is.
func (db *DB) SnapshotTo(ctx context.Context, dstPath string) error {
	if err := db.FlushWAL(ctx); err != nil {
		return err
	}
	if err := copyFile(db.path, dstPath); err != nil {
		return fmt.Errorf("failed to snapshot database to %s: %w", dstPath, err)
	}
	return nil
}

// FindBackup locates the backup to restore for the given pre-step version.
// If several backups exist for that version the one with the greatest name
// (and therefore the greatest timestamp prefix) wins. Returns "" when no
// backup matches.
func FindBackup(dbPath string, version int) (string, error) {
	dir := filepath.Dir(dbPath)
	postfix := fmt.Sprintf("_%s_v%d.backup", filepath.Base(dbPath), version)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to list %s for backups: %w", dir, err)
	}

	var matches []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), postfix) {
			matches = append(matches, entry.Name())
		}
	}
	if len(matches) == 0 {
		return "", nil
	}

	sort.Strings(matches)
	return filepath.Join(dir, matches[len(matches)-1]), nil
}

// RestoreBackup replaces the database file with the given backup. The
// database must not be open.
func RestoreBackup(dbPath, backupPath string) error {
	if err := copyFile(backupPath, dbPath); err != nil {
		return fmt.Errorf("failed to restore backup %s: %w", backupPath, err)
	}
	// Stale WAL/SHM files would shadow the restored content.
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(dbPath + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s%s: %w", dbPath, suffix, err)
		}
	}
	return nil
}

// copyFile writes a byte-for-byte copy of src at dst via a temp file and
// rename, so a crash mid-copy never leaves a truncated file in place.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to sync %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}
