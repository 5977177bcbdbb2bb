// Package publish moves finished artifacts from the workspace to their
// stable destination. The copy lands under a hidden temporary name and is
// renamed into place, so readers never observe a partially-written artifact.
package publish

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/geofold/compositor/internal/fsutil"
)

// Error reports a failed publish; the destination is not guaranteed
// consistent and the failure must surface to the caller.
type Error struct {
	Dest string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("publish to %s: %v", e.Dest, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Publisher writes artifacts under a destination prefix directory.
type Publisher struct {
	fs     fsutil.FileSystem
	prefix string
}

// New returns a Publisher rooted at prefix on the given filesystem.
func New(fs fsutil.FileSystem, prefix string) *Publisher {
	return &Publisher{fs: fs, prefix: prefix}
}

// Publish copies src into the prefix directory as name and returns the
// final path. Publishing the same content twice is idempotent: both calls
// succeed and leave the destination in the same state.
func (p *Publisher) Publish(src, name string) (string, error) {
	dest := filepath.Join(p.prefix, name)

	if err := p.fs.MkdirAll(p.prefix, 0o755); err != nil {
		return "", &Error{Dest: dest, Err: fmt.Errorf("create destination: %w", err)}
	}

	tmp := filepath.Join(p.prefix, "."+name+".partial")
	if err := fsutil.Copy(p.fs, src, tmp); err != nil {
		return "", &Error{Dest: dest, Err: fmt.Errorf("stage copy: %w", err)}
	}
	if err := p.fs.Rename(tmp, dest); err != nil {
		p.fs.Remove(tmp)
		return "", &Error{Dest: dest, Err: fmt.Errorf("replace: %w", err)}
	}

	log.Printf("published %s", dest)
	return dest, nil
}
