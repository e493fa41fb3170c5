package contextstore

import (
	"context"
	"maps"
	"slices"
)

// PackOptions selects what Pack copies out of a namespace.
type PackOptions struct {
	Namespace string
	// Keys lists the entries to include, in order. Empty means every key,
	// sorted. Keys absent from the store are skipped.
	Keys        []string
	SessionID   string
	Attachments []Attachment
}

// Entry is one key/value pair of a Package.
type Entry struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Attachment is a named blob of text sent alongside the entries.
type Attachment struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Package is the context handed to an agent as a single argument.
type Package struct {
	SessionID   string       `json:"session_id,omitempty"`
	Entries     []Entry      `json:"entries"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Pack builds a Package from the namespace in opts.
func Pack(ctx context.Context, s Store, opts PackOptions) (*Package, error) {
	pkg := &Package{
		SessionID:   opts.SessionID,
		Entries:     []Entry{},
		Attachments: slices.Clone(opts.Attachments),
	}

	if len(opts.Keys) == 0 {
		snap, err := s.Snapshot(ctx, opts.Namespace)
		if err != nil {
			return nil, err
		}
		for _, k := range slices.Sorted(maps.Keys(snap.Data)) {
			pkg.Entries = append(pkg.Entries, Entry{Key: k, Value: snap.Data[k]})
		}
		return pkg, nil
	}

	for _, k := range opts.Keys {
		v, ok, err := s.Get(ctx, opts.Namespace, k)
		if err != nil {
			return nil, err
		}
		if ok {
			pkg.Entries = append(pkg.Entries, Entry{Key: k, Value: v})
		}
	}
	return pkg, nil
}
