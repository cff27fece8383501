package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/audit"
)

// BundleVersion is the current bundle format. Version 2 keeps evidence
// payloads as stored instead of canonicalizing them.
const BundleVersion = "2"

// ErrTampered is returned when a bundle no longer matches its digests.
var ErrTampered = errors.New("archive: bundle does not match its digest")

// Finder is the audit read the exporter needs. audit.Repository implements it.
type Finder interface {
	Find(ctx context.Context, q audit.Query) (audit.Page, error)
}

// Bundle is a sealed export of audit logs over a window.
type Bundle struct {
	Version       string        `json:"version"`
	GeneratedAt   time.Time     `json:"generatedAt"`
	From          time.Time     `json:"from"`
	To            time.Time     `json:"to"`
	ApplicationID string        `json:"applicationId,omitempty"`
	Count         int           `json:"count"`
	EntriesDigest string        `json:"entriesDigest"`
	Entries       []audit.Entry `json:"entries"`
}

// ExportOptions select what goes into a bundle. To is exclusive.
type ExportOptions struct {
	From          time.Time
	To            time.Time
	ApplicationID string
	Now           func() time.Time
}

// Receipt identifies a stored bundle.
type Receipt struct {
	Digest        string    `json:"digest"`
	EntriesDigest string    `json:"entriesDigest"`
	Count         int       `json:"count"`
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
}

// Export reads every matching audit log, seals them into a bundle and stores
// the encoded bundle bytes in dst.
func Export(ctx context.Context, src Finder, dst Store, opts ExportOptions) (*Receipt, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	if opts.To.IsZero() {
		opts.To = now().UTC()
	}
	if !opts.From.IsZero() && !opts.From.Before(opts.To) {
		return nil, fmt.Errorf("archive: export window start %s is not before end %s",
			opts.From.Format(time.RFC3339), opts.To.Format(time.RFC3339))
	}

	entries := []audit.Entry{}
	q := audit.Query{ApplicationID: opts.ApplicationID, Since: opts.From, Until: opts.To, Limit: audit.MaxLimit}
	for {
		page, err := src.Find(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("archive: read audit logs: %w", err)
		}
		entries = append(entries, page.Entries()...)
		if q.Before = page.Next(); q.Before == nil {
			break
		}
	}

	digest, err := entriesDigest(entries)
	if err != nil {
		return nil, err
	}
	b := Bundle{
		Version:       BundleVersion,
		GeneratedAt:   now().UTC(),
		From:          opts.From.UTC(),
		To:            opts.To.UTC(),
		ApplicationID: opts.ApplicationID,
		Count:         len(entries),
		EntriesDigest: digest,
		Entries:       entries,
	}
	data, err := encode(b)
	if err != nil {
		return nil, err
	}
	ref, err := dst.Put(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("archive: store bundle: %w", err)
	}
	return &Receipt{Digest: ref, EntriesDigest: digest, Count: len(entries), From: b.From, To: b.To}, nil
}

// Verify loads a bundle by digest and checks it.
func Verify(ctx context.Context, src Store, digest string) (*Bundle, error) {
	data, err := src.Get(ctx, digest)
	if err != nil {
		return nil, err
	}
	return VerifyBundle(data, digest)
}

// VerifyBundle recomputes the digests of data. wantDigest may be empty to
// skip the whole-bundle check, e.g. for a file handed over out of band.
func VerifyBundle(data []byte, wantDigest string) (*Bundle, error) {
	if wantDigest != "" && Digest(data) != wantDigest {
		return nil, fmt.Errorf("%w: content address %s", ErrTampered, wantDigest)
	}
	var b Bundle
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("archive: bundle is not valid JSON: %w", err)
	}
	if b.Version != BundleVersion {
		return nil, fmt.Errorf("archive: unsupported bundle version %q", b.Version)
	}
	if b.Count != len(b.Entries) {
		return nil, fmt.Errorf("%w: count %d but %d entries", ErrTampered, b.Count, len(b.Entries))
	}
	got, err := entriesDigest(b.Entries)
	if err != nil {
		return nil, err
	}
	if got != b.EntriesDigest {
		return nil, fmt.Errorf("%w: entries digest %s, recomputed %s", ErrTampered, b.EntriesDigest, got)
	}
	for _, e := range b.Entries {
		if !e.Evidence.Complete() {
			return nil, fmt.Errorf("%w: audit log %s has incomplete evidence", ErrTampered, e.ID)
		}
		if e.EvidenceDigest != e.Evidence.Digest() {
			return nil, fmt.Errorf("%w: evidence of audit log %s", ErrTampered, e.ID)
		}
	}
	return &b, nil
}

func entriesDigest(entries []audit.Entry) (string, error) {
	if entries == nil {
		entries = []audit.Entry{}
	}
	data, err := encode(entries)
	if err != nil {
		return "", err
	}
	return Digest(data), nil
}

// encode is deterministic: struct fields keep declaration order, map keys
// are sorted and evidence payloads are only compacted.
func encode(v any) ([]byte, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("archive: encode: %w", err)
	}
	return out, nil
}
