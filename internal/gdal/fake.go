package gdal

import (
	"context"
	"os"
	"path/filepath"
	"sync"
)

// Fake is an in-memory Engine for tests. Apply records every request and
// fabricates the output file so downstream path handling stays honest.
type Fake struct {
	mu       sync.Mutex
	requests []Request

	// Extent is returned by LayerExtent.
	Extent Bounds

	// FeatureSets maps a catalog source name to its canned features.
	FeatureSets map[string][]FeatureRecord

	// FailOn, when set, is consulted before every Apply; a non-nil return
	// fails that request as a TransformError.
	FailOn func(Request) error
}

func (f *Fake) Apply(_ context.Context, req Request) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.FailOn != nil {
		if err := f.FailOn(req); err != nil {
			return "", &TransformError{Op: req.Op, ExitDetail: err.Error(), Err: err}
		}
	}

	out := filepath.Join(req.Dir, req.Output)
	if err := os.WriteFile(out, []byte(string(req.Op)+"\n"), 0o644); err != nil {
		return "", &TransformError{Op: req.Op, Err: err}
	}
	return out, nil
}

func (f *Fake) LayerExtent(context.Context, string) (Bounds, error) {
	return f.Extent, nil
}

func (f *Fake) Features(_ context.Context, source string, _ Bounds, _ string) ([]FeatureRecord, error) {
	return f.FeatureSets[source], nil
}

// Requests returns a copy of the recorded requests in invocation order.
func (f *Fake) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// RequestsFor filters the recorded requests by operation.
func (f *Fake) RequestsFor(op Op) []Request {
	var out []Request
	for _, req := range f.Requests() {
		if req.Op == op {
			out = append(out, req)
		}
	}
	return out
}
