// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package project

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"k8s.io/klog/v2"
)

// repairOnOpen restores consistency after a crashed session: in-flight
// temp bodies are discarded, and revision rows whose body file vanished
// are deleted — but only after proving the filesystem itself is live, so a
// dismounted volume cannot trigger a mass delete.
func (p *Project) repairOnOpen() error {
	var result *multierror.Error

	tmpDir := filepath.Join(p.path, tmpDirname)
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("scanning tmp: %w", err))
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(tmpDir, e.Name())); err != nil {
			result = multierror.Append(result, fmt.Errorf("clearing tmp: %w", err))
		}
	}

	dangling, err := p.findDanglingRevisions()
	if err != nil {
		result = multierror.Append(result, err)
		return result.ErrorOrNil()
	}
	if len(dangling) == 0 {
		return result.ErrorOrNil()
	}

	if err := p.probeFilesystem(); err != nil {
		result = multierror.Append(result,
			fmt.Errorf("found %d dangling revisions but the filesystem failed its probe, leaving them: %w",
				len(dangling), err))
		return result.ErrorOrNil()
	}

	for _, id := range dangling {
		if _, err := p.db.Exec("DELETE FROM resource_revision WHERE id = ?", id); err != nil {
			result = multierror.Append(result, fmt.Errorf("deleting dangling revision %d: %w", id, err))
		}
	}
	klog.Warningf("project: repaired %d dangling revisions in %s", len(dangling), p.path)
	return result.ErrorOrNil()
}

// findDanglingRevisions returns ids of successful revision rows whose body
// file is absent.
func (p *Project) findDanglingRevisions() ([]int64, error) {
	rows, err := p.db.Query("SELECT id FROM resource_revision WHERE error IS NULL")
	if err != nil {
		return nil, fmt.Errorf("scanning revisions: %w", err)
	}
	defer rows.Close()

	var dangling []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning revisions: %w", err)
		}
		bodyPath, entry, err := p.bodyPath(id)
		if err != nil {
			continue
		}
		if entry != "" {
			if !packEntryExists(bodyPath, entry) {
				dangling = append(dangling, id)
			}
			continue
		}
		if _, err := os.Stat(bodyPath); os.IsNotExist(err) {
			dangling = append(dangling, id)
		}
	}
	return dangling, rows.Err()
}

// probeFilesystem writes and reads back a probe file to verify the volume
// is actually serving IO.
func (p *Project) probeFilesystem() error {
	probePath := filepath.Join(p.path, tmpDirname, "probe-"+uuid.New().String())
	payload := []byte("probe")
	if err := os.WriteFile(probePath, payload, 0o644); err != nil {
		return err
	}
	defer os.Remove(probePath)
	read, err := os.ReadFile(probePath)
	if err != nil {
		return err
	}
	if string(read) != string(payload) {
		return fmt.Errorf("probe file read back corrupted")
	}
	return nil
}
