// Package gitsync provides a local-first synchronization engine.
// This file contains commit message validation against the conventional
// commits specification.
package gitsync

import (
	"github.com/leodido/go-conventionalcommits"
	"github.com/leodido/go-conventionalcommits/parser"
)

// defaultSyncMessage is used when a sync request carries no message.
const defaultSyncMessage = "chore(sync): record local changes"

// defaultMergeMessage is used for merge commits the engine creates.
const defaultMergeMessage = "chore(sync): merge remote changes"

// ValidateCommitMessage checks msg against the conventional commits format
// (type(scope): description). Returns ErrCommitMessage when it does not
// parse.
func ValidateCommitMessage(msg string) error {
	if msg == "" {
		return WrapError(ErrCommitMessage, "message is empty")
	}

	machine := parser.NewMachine(conventionalcommits.WithTypes(conventionalcommits.TypesConventional))
	if _, err := machine.Parse([]byte(msg)); err != nil {
		return WrapErrorf(ErrCommitMessage, "not a conventional commit message: %v", err)
	}
	return nil
}
