package snapshot

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/LeastAuthority/magic-folder/author"
	"github.com/LeastAuthority/magic-folder/capability"
	"github.com/LeastAuthority/magic-folder/grid"
	"github.com/LeastAuthority/magic-folder/internal/errkind"
)

// Well-known entry names inside a remote snapshot's immutable directory
// (spec.md §3 Remote snapshot).
const (
	entryContent  = "content"
	entryMetadata = "metadata"
)

func parentEntryName(i int) string { return fmt.Sprintf("parent%d", i) }

// Remote identifies the immutable grid directory that is a remote
// snapshot's identity (spec.md §3: "The capability of this directory is
// the snapshot's identity").
type Remote struct {
	Cap capability.Capability
}

// IsZero reports whether r references no snapshot.
func (r Remote) IsZero() bool { return r.Cap.IsZero() }

// Create uploads content as an immutable blob, builds and signs the
// metadata blob, and assembles the snapshot directory, implementing
// spec.md §4.5 steps 2-4. Steps 2-4 are idempotent by construction: the
// same (content, metadata, parents) tuple always yields the same
// snapshot-cap (spec.md §3 content-addressing invariant), because the
// underlying grid addresses blobs and directories by content hash.
// content may be nil to record a deletion (spec.md §3: "a content handle...
// or null to indicate deletion"); in that case no content entry is added
// to the snapshot directory.
func Create(ctx context.Context, g grid.Client, a author.Author, path string, content io.Reader, size int64, modTime time.Time, parentCaps []capability.Capability) (Remote, error) {
	var contentCap capability.Capability

	if content != nil {
		data, err := io.ReadAll(content)
		if err != nil {
			return Remote{}, errkind.Wrap(errkind.TransientIO, err, "read stashed content")
		}

		contentCap, err = g.PutImmutable(ctx, data)
		if err != nil {
			return Remote{}, err
		}
	}

	parentStrs := make([]string, len(parentCaps))
	for i, p := range parentCaps {
		parentStrs[i] = p.String()
	}

	meta := Metadata{
		Schema:           MetadataSchema,
		Name:             path,
		ModificationTime: modTime.UTC(),
		Size:             size,
		Parents:          parentStrs,
	}

	if err := meta.Sign(a); err != nil {
		return Remote{}, err
	}

	metaBlob, err := meta.MarshalBlob()
	if err != nil {
		return Remote{}, err
	}

	metaCap, err := g.PutImmutable(ctx, metaBlob)
	if err != nil {
		return Remote{}, err
	}

	entries := map[string]capability.Capability{
		entryMetadata: metaCap,
	}

	if content != nil {
		entries[entryContent] = contentCap
	}

	for i, p := range parentCaps {
		entries[parentEntryName(i)] = p
	}

	snapshotCap, err := g.CreateImmutableDirectory(ctx, entries)
	if err != nil {
		return Remote{}, err
	}

	return Remote{Cap: snapshotCap}, nil
}

// ReadMetadata fetches and verifies a remote snapshot's signed metadata.
func ReadMetadata(ctx context.Context, g grid.Client, r Remote) (Metadata, error) {
	entries, err := g.ListDirectory(ctx, r.Cap)
	if err != nil {
		return Metadata{}, err
	}

	metaCap, ok := entries[entryMetadata]
	if !ok {
		return Metadata{}, errkind.New(errkind.Fatal, "remote snapshot missing metadata entry: "+r.Cap.String())
	}

	blob, err := g.GetImmutable(ctx, metaCap)
	if err != nil {
		return Metadata{}, err
	}

	meta, err := UnmarshalMetadata(blob)
	if err != nil {
		return Metadata{}, err
	}

	if err := meta.Verify(); err != nil {
		return Metadata{}, err
	}

	return meta, nil
}

// ReadContent fetches a remote snapshot's content blob bytes. A snapshot
// recorded as a deletion has no content entry and ReadContent reports
// not-found; callers should check Metadata (or track deletions
// separately) before calling this.
func ReadContent(ctx context.Context, g grid.Client, r Remote) ([]byte, error) {
	entries, err := g.ListDirectory(ctx, r.Cap)
	if err != nil {
		return nil, err
	}

	contentCap, ok := entries[entryContent]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "remote snapshot has no content (deletion): "+r.Cap.String())
	}

	return g.GetImmutable(ctx, contentCap)
}

// Parents fetches and orders a remote snapshot's parentN entries
// (spec.md §3: "named entries parent0, parent1, ... pointing at parent
// snapshot directories").
func Parents(ctx context.Context, g grid.Client, r Remote) ([]capability.Capability, error) {
	entries, err := g.ListDirectory(ctx, r.Cap)
	if err != nil {
		return nil, err
	}

	type indexed struct {
		idx int
		cap capability.Capability
	}

	var parents []indexed

	for name, cp := range entries {
		if !strings.HasPrefix(name, "parent") {
			continue
		}

		n, convErr := strconv.Atoi(strings.TrimPrefix(name, "parent"))
		if convErr != nil {
			continue
		}

		parents = append(parents, indexed{idx: n, cap: cp})
	}

	sort.Slice(parents, func(i, j int) bool { return parents[i].idx < parents[j].idx })

	out := make([]capability.Capability, len(parents))
	for i, p := range parents {
		out[i] = p.cap
	}

	return out, nil
}
