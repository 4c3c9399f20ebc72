package boltstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	swcache "github.com/furanomi/furanomi-sw"
	"github.com/furanomi/furanomi-sw/backend"
)

// bodyStore keeps response bodies content-addressed by BLAKE3 hash in a
// backend. Each body is framed with a header naming its hash, size and
// encoding. Reference counting lives in the bolt database; bodyStore only
// moves bytes.
type bodyStore struct {
	backend backend.Backend
	codec   *bodyCodec
	now     func() time.Time
}

// put stores data under h unless it is already present. Reports whether
// a new blob was written.
func (bs *bodyStore) put(ctx context.Context, h swcache.Hash, data []byte) (bool, error) {
	key := swcache.BodyStorageKey(h)

	exists, err := bs.backend.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("checking existence: %w", err)
	}
	if exists {
		return false, nil
	}

	payload, encoding := bs.codec.encode(data)
	header := &backend.BodyHeader{
		ContentHash: h.String(),
		Size:        int64(len(data)),
		Encoding:    encoding,
		StoredAt:    bs.now().UTC().Format(time.RFC3339),
	}

	var buf bytes.Buffer
	if err := backend.WriteFramed(&buf, header, bytes.NewReader(payload)); err != nil {
		return false, err
	}
	if err := bs.backend.Write(ctx, key, &buf); err != nil {
		return false, fmt.Errorf("writing body: %w", err)
	}
	return true, nil
}

// get returns the decoded body for h, verifying its digest.
func (bs *bodyStore) get(ctx context.Context, h swcache.Hash) ([]byte, error) {
	rc, err := bs.backend.Read(ctx, swcache.BodyStorageKey(h))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("reading body: %w", err)
	}
	defer func() { _ = rc.Close() }()

	header, body, err := backend.ReadFramed(rc)
	if err != nil {
		return nil, err
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	data, err := bs.codec.decode(payload, header.Encoding, header.Size)
	if err != nil {
		return nil, err
	}
	if swcache.HashBytes(data) != h {
		return nil, ErrCorrupted
	}
	return data, nil
}

func (bs *bodyStore) delete(ctx context.Context, h swcache.Hash) error {
	return bs.backend.Delete(ctx, swcache.BodyStorageKey(h))
}

// list returns the hashes of all stored bodies.
func (bs *bodyStore) list(ctx context.Context) ([]swcache.Hash, error) {
	keys, err := bs.backend.List(ctx, "bodies")
	if err != nil {
		return nil, fmt.Errorf("listing bodies: %w", err)
	}

	hashes := make([]swcache.Hash, 0, len(keys))
	for _, key := range keys {
		h, err := swcache.ParseBodyStorageKey(key)
		if err != nil {
			continue
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}
