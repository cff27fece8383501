package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/audit"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/pdp"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/registry"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/scan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

func seedAudit(t *testing.T, n int) *audit.MemoryStore {
	t.Helper()
	store := audit.NewMemoryStore()
	for i := 0; i < n; i++ {
		ev, err := audit.NewEvidence(
			[]byte(`[]`),
			[]byte(fmt.Sprintf(`{"input":{"n":%d}}`, i)),
			[]byte(`{"result":{"allow":false,"violations":[{"rule":"r","message":"m","severity":"high"}],"ticket":12345678901234567891,"ratio":1.10}}`),
			now,
		)
		require.NoError(t, err)
		l, err := audit.New(audit.Params{
			ID:              fmt.Sprintf("log-%02d", i),
			EvaluationID:    fmt.Sprintf("ev-%02d", i),
			ApplicationID:   "app-1",
			ApplicationName: "payments-api",
			Environment:     "production",
			RiskTier:        registry.RiskHigh,
			Allowed:         false,
			Violations:      []pdp.Violation{{Rule: "r", Message: "m", Severity: "high", Details: map[string]any{"score": 7.5}}},
			PolicyPackage:   "compliance.high",
			DecisionHash:    "sha256:abc",
			Evidence:        ev,
			Counts:          scan.Counts{High: 1},
			EvaluatedAt:     now.Add(-time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
		require.NoError(t, store.Create(context.Background(), l))
	}
	return store
}

func TestFileStore_ContentAddressed(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	d1, err := fs.Put(ctx, []byte(`{"a":1}`))
	require.NoError(t, err)
	d2, err := fs.Put(ctx, []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Equal(t, Digest([]byte(`{"a":1}`)), d1)

	ok, err := fs.Exists(ctx, d1)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := fs.Get(ctx, d1)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	_, err = fs.Get(ctx, Digest([]byte("other")))
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = fs.Get(ctx, "md5:1234")
	assert.Error(t, err)
	_, err = fs.Exists(ctx, "sha256:../../etc/passwd")
	assert.Error(t, err)
}

func TestExportAndVerify(t *testing.T) {
	src := seedAudit(t, 7)
	dst, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	rcpt, err := Export(ctx, src, dst, ExportOptions{
		From: now.Add(-5 * time.Hour),
		To:   now.Add(time.Minute),
		Now:  func() time.Time { return now },
	})
	require.NoError(t, err)
	assert.Equal(t, 6, rcpt.Count, "logs at -6h fall outside the window")

	b, err := Verify(ctx, dst, rcpt.Digest)
	require.NoError(t, err)
	assert.Equal(t, 6, b.Count)
	assert.Equal(t, rcpt.EntriesDigest, b.EntriesDigest)
	assert.Equal(t, "log-00", b.Entries[0].ID)

	stored, err := src.Get(ctx, "log-00")
	require.NoError(t, err)
	assert.Equal(t, string(stored.Evidence().EngineOutput), string(b.Entries[0].Evidence.EngineOutput),
		"evidence leaves the archive with the digits it was received with")
	assert.Equal(t, stored.Evidence().Digest(), b.Entries[0].EvidenceDigest)
}

func TestExport_PagesThroughLargeWindows(t *testing.T) {
	src := seedAudit(t, audit.MaxLimit+3)
	dst, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	rcpt, err := Export(context.Background(), src, dst, ExportOptions{To: now.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, audit.MaxLimit+3, rcpt.Count)
}

func TestExport_RejectsInvertedWindow(t *testing.T) {
	dst, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	_, err = Export(context.Background(), audit.NewMemoryStore(), dst, ExportOptions{From: now, To: now.Add(-time.Hour)})
	assert.Error(t, err)
}

func TestVerifyBundle_DetectsTampering(t *testing.T) {
	dir := t.TempDir()
	dst, err := NewFileStore(dir)
	require.NoError(t, err)
	rcpt, err := Export(context.Background(), seedAudit(t, 2), dst, ExportOptions{To: now.Add(time.Minute)})
	require.NoError(t, err)

	data, err := dst.Get(context.Background(), rcpt.Digest)
	require.NoError(t, err)

	t.Run("content address", func(t *testing.T) {
		forged := bytes.Replace(data, []byte(`"allowed":false`), []byte(`"allowed":true`), 1)
		_, err := VerifyBundle(forged, rcpt.Digest)
		assert.True(t, errors.Is(err, ErrTampered))
	})
	t.Run("entries digest", func(t *testing.T) {
		forged := bytes.Replace(data, []byte(`"allowed":false`), []byte(`"allowed":true`), 1)
		_, err := VerifyBundle(forged, "")
		assert.True(t, errors.Is(err, ErrTampered))
	})
	t.Run("evidence with resealed entries", func(t *testing.T) {
		var b Bundle
		require.NoError(t, json.Unmarshal(data, &b))
		b.Entries[0].Evidence.EngineOutput = json.RawMessage(`{"result":{"allow":true,"violations":[]}}`)
		b.EntriesDigest, err = entriesDigest(b.Entries)
		require.NoError(t, err)
		forged, err := encode(b)
		require.NoError(t, err)

		_, err = VerifyBundle(forged, "")
		assert.True(t, errors.Is(err, ErrTampered))
		assert.Contains(t, err.Error(), b.Entries[0].ID)
	})
	t.Run("untouched", func(t *testing.T) {
		_, err := VerifyBundle(data, "")
		assert.NoError(t, err)
	})
	t.Run("file on disk", func(t *testing.T) {
		name, err := objectName(rcpt.Digest)
		require.NoError(t, err)
		raw, err := os.ReadFile(filepath.Join(dir, name+".bundle.json"))
		require.NoError(t, err)
		assert.Equal(t, data, raw)
	})
}

func TestNew_Factory(t *testing.T) {
	s, err := New(context.Background(), Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = New(context.Background(), Config{Type: "tape"})
	assert.Error(t, err)

	_, err = New(context.Background(), Config{Type: StoreTypeS3})
	assert.Error(t, err, "bucket is required")
}
