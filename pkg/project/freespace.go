// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package project

import (
	"golang.org/x/sys/unix"
)

// minFreeBytes is the absolute floor of required free space.
const minFreeBytes = 4 << 30 // 4 GiB

// statfs is replaceable in tests.
var statfs = func(path string) (free, total uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	return st.Bavail * bsize, st.Blocks * bsize, nil
}

// CheckFreeSpace errors when the project volume's free space falls below
// max(5% of the volume, 4 GiB). Download tasks call this before fetching
// so a nearly-full disk cannot accumulate partial files.
func (p *Project) CheckFreeSpace() error {
	free, total, err := statfs(p.path)
	if err != nil {
		// cannot probe; do not block downloads on an exotic filesystem
		return nil
	}
	min := total / 20
	if min < minFreeBytes {
		min = minFreeBytes
	}
	if free < min {
		return &FreeSpaceTooLowError{Free: free, Min: min}
	}
	return nil
}
