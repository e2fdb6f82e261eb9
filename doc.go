// Package gitsync implements local-first synchronization for a git
// repository shared by multiple processes on one machine.
//
// The engine works offline by default: local changes are always captured as
// commits first, and the network is only consulted afterwards. A sync pass
// runs commit, fetch, merge, large-object reconciliation, and push, guarded
// by a cross-process advisory lock with heartbeat liveness so a crashed
// process never wedges the repository.
//
// Basic usage:
//
//	engine, err := gitsync.New(ctx, &gitsync.Options{
//		FS:     billyfs.NewOSFS("/path/to/repo"),
//		Remote: "origin",
//	})
//	if err != nil {
//		return err
//	}
//
//	result, err := engine.Sync(ctx, gitsync.SyncRequest{
//		Author:  gitsync.Signature{Name: "Jo", Email: "jo@example.com"},
//		Message: "chore(sync): save work",
//	})
//	if err != nil {
//		return err
//	}
//	if result.HadConflicts {
//		// Resolve result.Conflicts, then engine.CompleteMerge(...).
//	}
//
// Merges are three-way at file granularity: paths changed on one side apply
// cleanly, paths both sides changed to the same bytes converge, and anything
// else is returned as a Conflict holding base, local, and remote content.
// The engine never guesses at a resolution; callers decide and finish with
// CompleteMerge.
//
// Large files are stored as pointer files in version control with payloads
// kept in a local store and exchanged through a batch transfer endpoint.
// The reconciler downloads missing payloads, uploads modified ones, and can
// regenerate a corrupt pointer file from an intact local payload without any
// network traffic.
//
// Shared JSON metadata is mutated through UpdateMetadata, which serializes
// writers with an exclusive-create lock file and publishes changes by atomic
// rename with a backup for rollback.
package gitsync
