// Package memory implements an in-memory grid.Client, the test double used
// throughout the engine's test suite in place of a real Tahoe-LAFS grid.
// It follows the "capability interfaces... test doubles substitute
// in-memory implementations" principle of spec.md §9 Design Notes.
package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/LeastAuthority/magic-folder/capability"
	"github.com/LeastAuthority/magic-folder/grid"
)

type dirEntry map[string]capability.Capability

// Client is an in-memory grid.Client. Construct it with New; the zero
// value has no backing maps and is not usable. It is safe for concurrent
// use, matching the "grid client: thread-safe by
// contract" requirement of spec.md §5.
type Client struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	dirs    map[string]dirEntry // keyed by write-cap string; read-cap is derived
	writeOf map[string]string   // read-cap string -> write-cap string

	// FailNextN, if > 0, makes the next N grid operations fail
	// transiently, letting tests exercise the uploader's backoff and
	// the crash-safety property (spec.md §8 property 3).
	FailNextN int
}

// New returns a ready-to-use in-memory grid client.
func New() *Client {
	return &Client{
		blobs:   map[string][]byte{},
		dirs:    map[string]dirEntry{},
		writeOf: map[string]string{},
	}
}

func (c *Client) maybeFail() error {
	if c.FailNextN > 0 {
		c.FailNextN--
		return grid.TransientNew("injected transient failure")
	}

	return nil
}

func contentHash(data []byte) string {
	h := blake3.Sum256(data)
	return "URI:CHK:" + uuidlikeHex(h[:])
}

func uuidlikeHex(b []byte) string {
	const hextable = "0123456789abcdef"

	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0xf]
	}

	return string(out)
}

// PutImmutable implements grid.Client. Content addressing means calling it
// twice with the same bytes yields the same capability, satisfying the
// content-addressing invariant of spec.md §3.
func (c *Client) PutImmutable(_ context.Context, data []byte) (capability.Capability, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.maybeFail(); err != nil {
		return capability.Capability{}, err
	}

	s := contentHash(data)
	c.blobs[s] = append([]byte(nil), data...)

	return capability.NewImmutableFile(s), nil
}

// CreateImmutableDirectory implements grid.Client.
func (c *Client) CreateImmutableDirectory(_ context.Context, entries map[string]capability.Capability) (capability.Capability, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.maybeFail(); err != nil {
		return capability.Capability{}, err
	}

	canon := map[string]string{}
	for k, v := range entries {
		canon[k] = v.String()
	}

	blob, err := json.Marshal(canon)
	if err != nil {
		return capability.Capability{}, grid.Permanent(err, "marshal immutable directory")
	}

	s := "URI:DIR2-CHK:" + uuidlikeHex(blake3.Sum256(blob)[:])
	c.blobs[s] = blob

	return capability.NewImmutableDirectory(s), nil
}

// CreateMutableDirectory implements grid.Client.
func (c *Client) CreateMutableDirectory(_ context.Context) (write, read capability.Capability, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.maybeFail(); err != nil {
		return capability.Capability{}, capability.Capability{}, err
	}

	id := uuid.NewString()
	writeS := "URI:DIR2:" + id
	readS := "URI:DIR2-RO:" + id

	c.dirs[writeS] = dirEntry{}
	c.writeOf[readS] = writeS

	write, read = capability.NewMutableDirectory(writeS, readS)

	return write, read, nil
}

// idSuffix returns the key-material portion of a capability string, after
// its "URI:<kind>:" tag, so read/write/verify capabilities derived from the
// same mutable directory can be matched up regardless of flavor.
func idSuffix(s string) string {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return s[i+1:]
		}
	}

	return s
}

func (c *Client) resolveDir(dir capability.Capability) (string, dirEntry, bool) {
	s := dir.String()
	if d, ok := c.dirs[s]; ok {
		return s, d, true
	}

	if w, ok := c.writeOf[s]; ok {
		return w, c.dirs[w], true
	}

	// Downgraded (read or verify) capability: match by shared key-material
	// suffix against a known write capability.
	suffix := idSuffix(s)
	for write := range c.dirs {
		if idSuffix(write) == suffix {
			return write, c.dirs[write], true
		}
	}

	return "", nil, false
}

// ListDirectory implements grid.Client.
func (c *Client) ListDirectory(_ context.Context, dir capability.Capability) (map[string]capability.Capability, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.maybeFail(); err != nil {
		return nil, err
	}

	_, entries, ok := c.resolveDir(dir)
	if !ok {
		blob, isBlob := c.blobs[dir.String()]
		if !isBlob || !capability.IsImmutableDirectory(dir) {
			return nil, grid.NotFound("directory not found: " + dir.String())
		}

		var canon map[string]string
		if err := json.Unmarshal(blob, &canon); err != nil {
			return nil, grid.Permanent(err, "unmarshal immutable directory")
		}

		entries = dirEntry{}
		for k, v := range canon {
			parsed, err := capability.Parse(v)
			if err != nil {
				return nil, err
			}

			entries[k] = parsed
		}
	}

	out := make(map[string]capability.Capability, len(entries))
	for k, v := range entries {
		out[k] = v
	}

	return out, nil
}

// Link implements grid.Client, including the optional compare-and-swap.
func (c *Client) Link(_ context.Context, dirWrite capability.Capability, name string, value capability.Capability, expectedOld capability.Capability) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.maybeFail(); err != nil {
		return err
	}

	s := dirWrite.String()

	entries, ok := c.dirs[s]
	if !ok {
		return grid.NotFound("directory not found: " + s)
	}

	if !expectedOld.IsZero() {
		current, has := entries[name]
		if (has && !capability.Equal(current, expectedOld)) || (!has && !expectedOld.IsZero()) {
			return grid.CASMismatchNew("link: compare-and-swap mismatch")
		}
	}

	entries[name] = value
	c.dirs[s] = entries

	return nil
}

// Unlink implements grid.Client.
func (c *Client) Unlink(_ context.Context, dirWrite capability.Capability, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.maybeFail(); err != nil {
		return err
	}

	s := dirWrite.String()

	entries, ok := c.dirs[s]
	if !ok {
		return grid.NotFound("directory not found: " + s)
	}

	delete(entries, name)
	c.dirs[s] = entries

	return nil
}

// GetImmutable implements grid.Client.
func (c *Client) GetImmutable(_ context.Context, objCap capability.Capability) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.maybeFail(); err != nil {
		return nil, err
	}

	b, ok := c.blobs[objCap.String()]
	if !ok {
		return nil, grid.NotFound("blob not found: " + objCap.String())
	}

	return append([]byte(nil), b...), nil
}

// ObjectSizes implements grid.Client.
func (c *Client) ObjectSizes(_ context.Context, objCap capability.Capability) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.maybeFail(); err != nil {
		return 0, err
	}

	b, ok := c.blobs[objCap.String()]
	if !ok {
		return 0, grid.NotFound("object not found: " + objCap.String())
	}

	return int64(len(b)), nil
}
