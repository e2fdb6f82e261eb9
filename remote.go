// Package gitsync provides a local-first synchronization engine.
// This file contains remote operations: connectivity probing, fetch, and
// push, with error classification the orchestrator branches on.
package gitsync

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

// probeTimeout bounds the lightweight reachability check. A remote that
// cannot answer a ref listing this fast is treated as offline.
const probeTimeout = 5 * time.Second

// AddRemote registers a remote with the given URL. Re-adding an existing
// remote with the same URL is a no-op.
//
// Context timeout/cancellation is honored during the operation.
func (r *Repo) AddRemote(ctx context.Context, name, url string) error {
	if name == "" || url == "" {
		return WrapError(ErrInvalidRef, "remote name and URL are required")
	}

	existing, err := r.repo.Remote(name)
	if err == nil {
		urls := existing.Config().URLs
		if len(urls) > 0 && urls[0] == url {
			return nil
		}
		return WrapErrorf(ErrInvalidRef, "remote %q already exists with a different URL", name)
	}

	_, err = r.repo.CreateRemote(&config.RemoteConfig{Name: name, URLs: []string{url}})
	if err != nil {
		return WrapErrorf(err, "failed to add remote %q", name)
	}
	return nil
}

// RemoteURL returns the first URL configured for the named remote.
func (r *Repo) RemoteURL(name string) (string, error) {
	remote, err := r.repo.Remote(name)
	if err != nil {
		return "", WrapErrorf(ErrResolveFailed, "remote %q not found", name)
	}

	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", WrapErrorf(ErrResolveFailed, "remote %q has no URL", name)
	}
	return urls[0], nil
}

// authFor resolves the auth method for the named remote, if a provider is
// configured.
func (r *Repo) authFor(name string) (transport.AuthMethod, error) {
	if r.options.Auth == nil {
		return nil, nil
	}

	url, err := r.RemoteURL(name)
	if err != nil {
		return nil, err
	}

	method, err := r.options.Auth.Method(url)
	if err != nil {
		return nil, WrapError(ErrAuthRequired, "failed to resolve authentication method")
	}
	return method, nil
}

// Probe performs a lightweight reachability check against the named remote
// by listing its refs under a short timeout. A nil error means reachable.
// Authentication failures are reported as such, not as offline.
func (r *Repo) Probe(ctx context.Context, name string) error {
	remote, err := r.repo.Remote(name)
	if err != nil {
		return WrapErrorf(ErrResolveFailed, "remote %q not found", name)
	}

	auth, err := r.authFor(name)
	if err != nil {
		return err
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if _, err := remote.ListContext(probeCtx, &git.ListOptions{Auth: auth}); err != nil {
		return classifyTransportErr(err, "remote unreachable")
	}
	return nil
}

// Fetch fetches refs from the named remote. Transfer progress is streamed to
// progress (may be nil); the orchestrator uses it to drive stuck detection.
// Returns ErrAlreadyUpToDate when nothing new was fetched.
//
// Context timeout/cancellation is honored during the fetch operation.
func (r *Repo) Fetch(ctx context.Context, name string, progress io.Writer) error {
	auth, err := r.authFor(name)
	if err != nil {
		return err
	}

	err = r.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: name,
		Auth:       auth,
		Progress:   progress,
	})
	if err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return ErrAlreadyUpToDate
		}
		if errors.Is(err, git.ErrRemoteNotFound) {
			return WrapError(ErrResolveFailed, "remote not found")
		}
		return classifyTransportErr(err, "failed to fetch from remote")
	}
	return nil
}

// Push pushes the current branch to the named remote.
// Returns ErrAlreadyUpToDate when there is nothing to push and
// ErrNotFastForward when the remote has moved past the local branch.
//
// Context timeout/cancellation is honored during the push operation.
func (r *Repo) Push(ctx context.Context, name string, progress io.Writer) error {
	auth, err := r.authFor(name)
	if err != nil {
		return err
	}

	err = r.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: name,
		Auth:       auth,
		Progress:   progress,
	})
	if err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return ErrAlreadyUpToDate
		}
		if errors.Is(err, git.ErrNonFastForwardUpdate) {
			return ErrNotFastForward
		}
		if errors.Is(err, git.ErrRemoteNotFound) {
			return WrapError(ErrResolveFailed, "remote not found")
		}
		return classifyTransportErr(err, "failed to push to remote")
	}
	return nil
}

// classifyTransportErr separates authentication failures (fatal, never
// retried) from plain network failures.
func classifyTransportErr(err error, msg string) error {
	if errors.Is(err, transport.ErrAuthenticationRequired) {
		return WrapError(ErrAuthRequired, msg)
	}
	if errors.Is(err, transport.ErrAuthorizationFailed) {
		return WrapError(ErrAuthFailed, msg)
	}
	return WrapError(err, msg)
}
