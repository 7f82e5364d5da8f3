// Package archiver compresses site directories into zip artifacts and
// extracts them back. Archive and Restore are ordered so that a crash at any
// point leaves either the source or a verified artifact intact; the
// reconciliation pass in the manager finishes whichever half-done state it
// finds.
package archiver

import (
	"archive/zip"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"

	"sitekeeper/pkg/errs"
	"sitekeeper/pkg/util"
)

// partialSuffix marks an artifact still being written. A .partial file is
// garbage after a crash and is never treated as a valid archive.
const partialSuffix = ".partial"

// Archive compresses srcDir into artifact and then removes srcDir. The zip
// is written to a .partial path, verified entry by entry, and only then
// renamed into place; the source is deleted last.
func Archive(name, srcDir, artifact string) error {
	if !util.Exists(srcDir) {
		return errs.Newf(errs.IOFailure, "archive", name, "source directory missing: %s", srcDir)
	}
	if util.Exists(artifact) {
		return errs.Newf(errs.ConflictingTarget, "archive", name, "artifact already exists: %s", artifact)
	}
	if err := os.MkdirAll(filepath.Dir(artifact), 0755); err != nil {
		return errs.Wrap(errs.IOFailure, "archive", name, err)
	}

	partial := artifact + partialSuffix
	if err := writeZip(srcDir, partial); err != nil {
		os.Remove(partial)
		return errs.Wrap(errs.IOFailure, "archive", name, err)
	}
	if err := Verify(partial); err != nil {
		os.Remove(partial)
		return errs.Wrap(errs.IOFailure, "archive", name, err)
	}
	if err := os.Rename(partial, artifact); err != nil {
		os.Remove(partial)
		return errs.Wrap(errs.IOFailure, "archive", name, err)
	}

	if err := os.RemoveAll(srcDir); err != nil {
		// The artifact is good; a leftover source directory is cleaned
		// up by reconciliation.
		return errs.Wrap(errs.IOFailure, "archive", name, err)
	}
	return nil
}

// Restore extracts artifact into destDir and removes the artifact. The
// destination must not already exist.
func Restore(name, artifact, destDir string) error {
	if !util.Exists(artifact) {
		return errs.Newf(errs.IOFailure, "restore", name, "artifact missing: %s", artifact)
	}
	if util.Exists(destDir) {
		return errs.Newf(errs.ConflictingTarget, "restore", name, "directory already exists: %s", destDir)
	}
	if err := Verify(artifact); err != nil {
		return errs.Wrap(errs.IOFailure, "restore", name, err)
	}

	if err := extractZip(artifact, destDir); err != nil {
		os.RemoveAll(destDir)
		return errs.Wrap(errs.IOFailure, "restore", name, err)
	}
	if err := verifyExtracted(artifact, destDir); err != nil {
		os.RemoveAll(destDir)
		return errs.Wrap(errs.IOFailure, "restore", name, err)
	}

	if err := os.Remove(artifact); err != nil {
		// Extraction succeeded; reconciliation completes the cleanup.
		return errs.Wrap(errs.IOFailure, "restore", name, err)
	}
	return nil
}

// Remove deletes the archive artifact. Missing artifacts are not an error.
func Remove(name, artifact string) error {
	err := os.Remove(artifact)
	if err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.IOFailure, "remove", name, err)
	}
	os.Remove(artifact + partialSuffix)
	return nil
}

// Verify opens the artifact and checks every entry's CRC by reading it in
// full. Used before trusting an artifact enough to delete its source.
func Verify(artifact string) error {
	r, err := zip.OpenReader(artifact)
	if err != nil {
		return fmt.Errorf("open %s: %w", artifact, err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("entry %s: %w", f.Name, err)
		}
		crc := crc32.NewIEEE()
		_, err = io.Copy(crc, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("entry %s: %w", f.Name, err)
		}
		if crc.Sum32() != f.CRC32 {
			return fmt.Errorf("entry %s: checksum mismatch", f.Name)
		}
	}
	return nil
}

// verifyExtracted checks that every archive entry landed in destDir with the
// expected size. Runs after extraction, before the artifact is deleted.
func verifyExtracted(artifact, destDir string) error {
	r, err := zip.OpenReader(artifact)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		info, err := os.Stat(filepath.Join(destDir, filepath.FromSlash(f.Name)))
		if err != nil {
			return fmt.Errorf("entry %s: %w", f.Name, err)
		}
		if uint64(info.Size()) != f.UncompressedSize64 {
			return fmt.Errorf("entry %s: %d bytes extracted, want %d", f.Name, info.Size(), f.UncompressedSize64)
		}
	}
	return nil
}

// writeZip walks srcDir and stores every file under its path relative to
// srcDir, so the archive root is the directory's contents.
func writeZip(srcDir, dest string) error {
	zipFile, err := os.Create(dest)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(zipFile)

	walkErr := filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if info.IsDir() {
			_, err := zw.Create(rel + "/")
			return err
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = rel
		header.Method = zip.Deflate

		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})

	// Close order matters: the central directory is written on zw.Close.
	if closeErr := zw.Close(); walkErr == nil {
		walkErr = closeErr
	}
	if closeErr := zipFile.Close(); walkErr == nil {
		walkErr = closeErr
	}
	return walkErr
}

func extractZip(artifact, destDir string) error {
	r, err := zip.OpenReader(artifact)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return err
	}

	cleanDest := filepath.Clean(destDir)
	for _, f := range r.File {
		target := filepath.Join(destDir, filepath.FromSlash(f.Name))
		// Reject entries that would escape the destination.
		if target != cleanDest && !strings.HasPrefix(target, cleanDest+string(os.PathSeparator)) {
			return fmt.Errorf("unsafe entry path: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode().Perm())
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return err
		}
	}
	return nil
}
