// Package gitsync provides a local-first synchronization engine for a shared
// git repository. This file contains engine configuration.
package gitsync

import (
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/input-output-hk/catalyst-forge-libs/fs"

	"github.com/input-output-hk/catalyst-forge-libs/gitsync/internal/auth"
)

const (
	// DefaultStorerCacheSize is the default size for the LRU object cache.
	DefaultStorerCacheSize = 1000

	// DefaultWorkdir is the default worktree directory name.
	DefaultWorkdir = "."

	// DefaultRemoteName is the default remote name used for operations.
	DefaultRemoteName = "origin"

	// DefaultBranch is the branch synchronized when none is configured and
	// HEAD cannot be resolved.
	DefaultBranch = "main"

	// DefaultHeartbeatTimeout is how long a lock record may go without a
	// heartbeat before its owner is presumed crashed.
	DefaultHeartbeatTimeout = 10 * time.Second

	// DefaultProgressTimeout is how long a fetch or push phase may go without
	// transfer progress before the lock is reported stuck.
	DefaultProgressTimeout = 5 * time.Minute

	// DefaultHeartbeatInterval is how often the engine refreshes its own lock
	// record while a sync is running.
	DefaultHeartbeatInterval = 2 * time.Second

	// DefaultMetadataLockTimeout is how long a metadata lock record may exist
	// before it is considered stale and reclaimable.
	DefaultMetadataLockTimeout = 30 * time.Second

	// DefaultPointerDir is the worktree prefix holding pointer files.
	DefaultPointerDir = "lfs"

	// DefaultPayloadDir is the worktree prefix holding payload files, mirrored
	// from the pointer tree.
	DefaultPayloadDir = ".lfs-objects"
)

// AuthProvider resolves authentication methods for git operations.
// Implementations should handle different URL schemes and credential sources.
type AuthProvider interface {
	// Method returns the appropriate transport.AuthMethod for the given remote URL.
	// Returns nil if no authentication is needed/available for this URL.
	// Returns an error if authentication cannot be resolved for the URL.
	Method(remoteURL string) (transport.AuthMethod, error)
}

// NewBasicAuth returns an AuthProvider carrying username/password (or token)
// credentials for http(s) remotes. The same credentials are reused as a
// Basic Authorization header on large-object transfers. For token-based
// hosts, pass an empty username and the token as password.
//
//nolint:ireturn // callers consume the AuthProvider interface
func NewBasicAuth(username, password string) AuthProvider {
	return auth.NewProvider(auth.Credentials{Username: username, Password: password})
}

// Options configures an Engine. One Options value describes one repository;
// construct a separate Engine per repository path.
type Options struct {
	// FS is the REQUIRED native filesystem root (OS or in-memory).
	// All repository state lives within this filesystem.
	FS fs.Filesystem

	// Workdir is the path within FS for the worktree root.
	// Defaults to "." (current directory in FS).
	Workdir string

	// Remote is the remote name used for fetch and push.
	// Defaults to DefaultRemoteName.
	Remote string

	// Branch is the branch being synchronized. If empty, the branch checked
	// out at engine construction is used, falling back to DefaultBranch.
	Branch string

	// OwnerID identifies this process in lock records. Defaults to
	// "<hostname>#<pid>".
	OwnerID string

	// Auth is an optional provider that resolves per-URL AuthMethod.
	// If nil, no authentication will be available.
	Auth AuthProvider

	// HTTPClient is an optional custom transport for large-object transfers.
	// If nil, a default client with reasonable timeouts is used.
	HTTPClient *http.Client

	// LFSEndpoint is the base URL of the large-object batch API. If empty it
	// is derived from the remote URL as "<remote>/info/lfs" for http(s)
	// remotes.
	LFSEndpoint string

	// PointerDir is the worktree prefix under which pointer files live.
	// Defaults to DefaultPointerDir.
	PointerDir string

	// PayloadDir is the worktree prefix under which payload files live,
	// parallel to PointerDir. Defaults to DefaultPayloadDir.
	PayloadDir string

	// PayloadCacheDir is a path within FS used as a download cache keyed by
	// object id. If empty, a per-user cache directory under the XDG cache
	// home is used on the host filesystem.
	PayloadCacheDir string

	// HeartbeatTimeout, ProgressTimeout and HeartbeatInterval tune the lock
	// liveness state machine. Zero values select the defaults above.
	HeartbeatTimeout  time.Duration
	ProgressTimeout   time.Duration
	HeartbeatInterval time.Duration

	// MetadataLockTimeout is the staleness bound for metadata locks.
	// Defaults to DefaultMetadataLockTimeout.
	MetadataLockTimeout time.Duration

	// StorerCacheSize sets the LRU objects cache entries.
	// Defaults to DefaultStorerCacheSize.
	StorerCacheSize int

	// EnforceCommitConvention validates commit messages produced or accepted
	// by the engine as conventional commits before committing.
	EnforceCommitConvention bool

	// Logger receives engine diagnostics, including errors that are swallowed
	// by design (heartbeat write failures, stale-lock cleanup). If nil,
	// logging is disabled.
	Logger *slog.Logger
}

// Validate checks that the Options are properly configured.
// It returns an error if required fields are missing or invalid.
func (o *Options) Validate() error {
	if o.FS == nil {
		return WrapError(ErrInvalidRef, "FS is required")
	}

	if o.StorerCacheSize < 0 {
		return WrapError(ErrInvalidRef, "StorerCacheSize cannot be negative")
	}

	if o.HeartbeatTimeout < 0 || o.ProgressTimeout < 0 || o.HeartbeatInterval < 0 {
		return WrapError(ErrInvalidRef, "lock timeouts cannot be negative")
	}

	if o.MetadataLockTimeout < 0 {
		return WrapError(ErrInvalidRef, "MetadataLockTimeout cannot be negative")
	}

	return nil
}

// applyDefaults sets default values for any unset fields in Options.
func (o *Options) applyDefaults() {
	if o.Workdir == "" {
		o.Workdir = DefaultWorkdir
	}

	if o.Remote == "" {
		o.Remote = DefaultRemoteName
	}

	if o.OwnerID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		o.OwnerID = host + "#" + strconv.Itoa(os.Getpid())
	}

	if o.StorerCacheSize == 0 {
		o.StorerCacheSize = DefaultStorerCacheSize
	}

	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{
			Timeout: 30 * time.Second,
		}
	}

	if o.PointerDir == "" {
		o.PointerDir = DefaultPointerDir
	}

	if o.PayloadDir == "" {
		o.PayloadDir = DefaultPayloadDir
	}

	if o.HeartbeatTimeout == 0 {
		o.HeartbeatTimeout = DefaultHeartbeatTimeout
	}

	if o.ProgressTimeout == 0 {
		o.ProgressTimeout = DefaultProgressTimeout
	}

	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if o.MetadataLockTimeout == 0 {
		o.MetadataLockTimeout = DefaultMetadataLockTimeout
	}
}

// logger returns the configured logger or a disabled one.
func (o *Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.DiscardHandler)
}
