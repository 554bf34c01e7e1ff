// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package project

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

var (
	// ErrNotAProject means the path exists but does not hold a project.
	ErrNotAProject = errors.New("project: directory is not a project")
	// ErrProjectLocked means another process holds the project database.
	ErrProjectLocked = errors.New("project: database is locked by another process")
	// ErrProjectTooNew means the on-disk major version exceeds what this
	// build supports.
	ErrProjectTooNew = errors.New("project: on-disk format is too new")
	// ErrProjectReadOnly is returned by any mutation on a read-only project.
	ErrProjectReadOnly = errors.New("project: project is read-only")
	// ErrProjectClosed is returned by store or task operations after Close.
	// Treated as benign by the scheduler.
	ErrProjectClosed = errors.New("project: project is closed")
	// ErrNoRevisionBody means the caller asked for the body of an error
	// revision, which never has one.
	ErrNoRevisionBody = errors.New("project: revision has no body")
	// ErrRevisionBodyMissing means the revision row exists but its body
	// file is gone from disk.
	ErrRevisionBodyMissing = errors.New("project: revision body is missing on disk")
	// ErrCrossProjectReference means an entity from one open project was
	// handed to another.
	ErrCrossProjectReference = errors.New("project: reference crosses project boundary")
	// ErrGroupSourceCycle means a group's source chain would reach itself.
	ErrGroupSourceCycle = errors.New("project: group source chain forms a cycle")
)

// TooManyRevisionsError means a revision id exceeds the on-disk path
// encoding. Projects must stay below ~10^18 revisions (15 hex digits).
type TooManyRevisionsError struct {
	ID int64
}

func (e *TooManyRevisionsError) Error() string {
	return fmt.Sprintf("project: revision id %d is too high to store on disk", e.ID)
}

// FreeSpaceTooLowError means the project volume is close to full and
// downloads are refused to prevent partial-file accumulation.
type FreeSpaceTooLowError struct {
	Free uint64
	Min  uint64
}

func (e *FreeSpaceTooLowError) Error() string {
	return fmt.Sprintf("project: free disk space too low: %s free, %s required",
		humanize.IBytes(e.Free), humanize.IBytes(e.Min))
}
