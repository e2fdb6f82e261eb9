// Package gitsync provides a local-first synchronization engine.
// This file contains object database maintenance.
package gitsync

import (
	"context"

	"github.com/go-git/go-git/v5"
)

// Repack consolidates loose objects and existing packfiles into a single
// pack. Safe to run on a quiescent repository only; the engine takes the
// sync lock before calling it.
//
// Context timeout/cancellation is honored during the operation.
func (r *Repo) Repack(ctx context.Context) error {
	if err := r.repo.RepackObjects(&git.RepackConfig{}); err != nil {
		return WrapError(err, "failed to repack objects")
	}
	return nil
}
