// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package project

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Major version 3 stores revision bodies in zip packs of up to 16
// revisions. A pack holds the revisions sharing the top 14 hex digits of
// their ids; the entry name is the final hex digit. Packs use the STORE
// method so bodies remain seekable by offset.

// readPackEntry opens one body inside a pack.
func readPackEntry(packPath, entry string) (io.ReadCloser, error) {
	zr, err := zip.OpenReader(packPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrRevisionBodyMissing
	}
	if err != nil {
		return nil, fmt.Errorf("opening pack %s: %w", packPath, err)
	}
	for _, f := range zr.File {
		if f.Name == entry {
			rc, err := f.Open()
			if err != nil {
				zr.Close()
				return nil, fmt.Errorf("opening pack entry %s: %w", entry, err)
			}
			return &packEntryReader{rc: rc, zr: zr}, nil
		}
	}
	zr.Close()
	return nil, ErrRevisionBodyMissing
}

type packEntryReader struct {
	rc io.ReadCloser
	zr *zip.ReadCloser
}

func (r *packEntryReader) Read(p []byte) (int, error) { return r.rc.Read(p) }

func (r *packEntryReader) Close() error {
	r.rc.Close()
	return r.zr.Close()
}

func packEntrySize(packPath, entry string) (int64, error) {
	zr, err := zip.OpenReader(packPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, ErrRevisionBodyMissing
	}
	if err != nil {
		return 0, err
	}
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name == entry {
			return int64(f.UncompressedSize64), nil
		}
	}
	return 0, ErrRevisionBodyMissing
}

// packEntryExists reports whether entry is present without reading it.
func packEntryExists(packPath, entry string) bool {
	_, err := packEntrySize(packPath, entry)
	return err == nil
}

// appendPackEntry adds the body at tmpPath to a pack, rewriting the pack
// through a temp file and publishing it with the same rename idiom as
// plain bodies.
func appendPackEntry(packPath, entry, tmpPath string) error {
	if err := os.MkdirAll(filepath.Dir(packPath), 0o755); err != nil {
		return err
	}
	return rewritePack(packPath, func(w *zip.Writer, copyExisting func(skip string) error) error {
		if err := copyExisting(entry); err != nil {
			return err
		}
		ew, err := w.CreateHeader(&zip.FileHeader{Name: entry, Method: zip.Store})
		if err != nil {
			return err
		}
		src, err := os.Open(tmpPath)
		if err != nil {
			return err
		}
		defer src.Close()
		if _, err := io.Copy(ew, src); err != nil {
			return err
		}
		return os.Remove(tmpPath)
	})
}

// removePackEntry drops one body from a pack. Removing the last entry
// removes the pack file itself.
func removePackEntry(packPath, entry string) error {
	if !packEntryExists(packPath, entry) {
		return os.ErrNotExist
	}
	remaining, err := countPackEntries(packPath)
	if err != nil {
		return err
	}
	if remaining <= 1 {
		return os.Remove(packPath)
	}
	return rewritePack(packPath, func(w *zip.Writer, copyExisting func(skip string) error) error {
		return copyExisting(entry)
	})
}

func countPackEntries(packPath string) (int, error) {
	zr, err := zip.OpenReader(packPath)
	if err != nil {
		return 0, err
	}
	defer zr.Close()
	return len(zr.File), nil
}

// rewritePack rebuilds a pack through fill, which receives a writer and a
// helper copying every existing entry except one. The rebuilt pack is
// published by rename.
func rewritePack(packPath string, fill func(w *zip.Writer, copyExisting func(skip string) error) error) error {
	tmpPack := packPath + ".tmp"
	out, err := os.Create(tmpPack)
	if err != nil {
		return err
	}
	w := zip.NewWriter(out)

	copyExisting := func(skip string) error {
		zr, err := zip.OpenReader(packPath)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		defer zr.Close()
		for _, f := range zr.File {
			if f.Name == skip {
				continue
			}
			ew, err := w.CreateHeader(&zip.FileHeader{Name: f.Name, Method: zip.Store})
			if err != nil {
				return err
			}
			src, err := f.Open()
			if err != nil {
				return err
			}
			if _, err := io.Copy(ew, src); err != nil {
				src.Close()
				return err
			}
			src.Close()
		}
		return nil
	}

	fail := func(err error) error {
		w.Close()
		out.Close()
		os.Remove(tmpPack)
		return err
	}
	if err := fill(w, copyExisting); err != nil {
		return fail(err)
	}
	if err := w.Close(); err != nil {
		return fail(err)
	}
	if err := out.Sync(); err != nil {
		return fail(err)
	}
	if err := out.Close(); err != nil {
		return fail(err)
	}
	if err := os.Rename(tmpPack, packPath); err != nil {
		os.Remove(tmpPack)
		return err
	}
	syncDir(filepath.Dir(packPath))
	return nil
}
