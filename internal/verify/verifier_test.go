package verify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"lukechampine.com/blake3"

	"swarmstream/internal/domain"
)

type fakeStore struct {
	records  map[domain.ContentID]domain.VerificationRecord
	saves    int
	loads    int
	saveErr  error
	loadErr  error
	deletes  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[domain.ContentID]domain.VerificationRecord)}
}

func (f *fakeStore) SaveVerification(_ context.Context, rec domain.VerificationRecord) error {
	f.saves++
	if f.saveErr != nil {
		return f.saveErr
	}
	f.records[rec.ContentID] = rec
	return nil
}

func (f *fakeStore) LoadVerification(_ context.Context, id domain.ContentID) (domain.VerificationRecord, bool, error) {
	f.loads++
	if f.loadErr != nil {
		return domain.VerificationRecord{}, false, f.loadErr
	}
	rec, ok := f.records[id]
	return rec, ok, nil
}

func (f *fakeStore) DeleteVerification(_ context.Context, id domain.ContentID) error {
	f.deletes++
	delete(f.records, id)
	return nil
}

func (f *fakeStore) SaveTotals(context.Context, domain.TransferTotals) error { return nil }
func (f *fakeStore) LoadTotals(context.Context) (domain.TransferTotals, bool, error) {
	return domain.TransferTotals{}, false, nil
}
func (f *fakeStore) SaveContentTotals(context.Context, domain.ContentTotals) error { return nil }
func (f *fakeStore) ListContentTotals(context.Context) ([]domain.ContentTotals, error) {
	return nil, nil
}
func (f *fakeStore) SaveBlacklist(context.Context, []domain.PeerAddr) error   { return nil }
func (f *fakeStore) LoadBlacklist(context.Context) ([]domain.PeerAddr, error) { return nil, nil }
func (f *fakeStore) SaveReputation(context.Context, []domain.PeerReputationEntry) error {
	return nil
}
func (f *fakeStore) LoadReputation(context.Context) ([]domain.PeerReputationEntry, error) {
	return nil, nil
}
func (f *fakeStore) SavePolicy(context.Context, domain.UserPolicy) error { return nil }
func (f *fakeStore) LoadPolicy(context.Context) (domain.UserPolicy, bool, error) {
	return domain.UserPolicy{}, false, nil
}
func (f *fakeStore) SaveIdentity(context.Context, domain.Identity) error { return nil }
func (f *fakeStore) LoadIdentity(context.Context) (domain.Identity, bool, error) {
	return domain.Identity{}, false, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func completeSession(t *testing.T, id domain.ContentID, pieces int) *domain.ContentSession {
	t.Helper()
	sess, err := domain.NewContentSession("s1", id, int64(pieces)*1024, 1024, pieces,
		domain.SessionMetadata{}, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("NewContentSession: %v", err)
	}
	for i := 0; i < pieces; i++ {
		sess.MarkPiece(i)
	}
	return sess
}

func TestVerifyCompleteSession(t *testing.T) {
	store := newFakeStore()
	v, err := New(store, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sess := completeSession(t, "c1", 4)
	res, err := v.Verify(context.Background(), sess)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Verified || res.Cached {
		t.Errorf("result = %+v, want fresh verified", res)
	}
	if store.saves != 1 {
		t.Errorf("persisted %d times, want 1", store.saves)
	}
}

func TestVerifyIncompleteBitset(t *testing.T) {
	store := newFakeStore()
	v, _ := New(store, testLogger())

	sess := completeSession(t, "c1", 4)
	sess.Completed[2] = false

	res, err := v.Verify(context.Background(), sess)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Verified {
		t.Error("incomplete session verified")
	}
	if store.saves != 0 {
		t.Error("failed verdict persisted")
	}
}

func TestVerifyCachedVerdictShortCircuits(t *testing.T) {
	store := newFakeStore()
	v, _ := New(store, testLogger())
	ctx := context.Background()

	sess := completeSession(t, "c1", 4)
	if _, err := v.Verify(ctx, sess); err != nil {
		t.Fatalf("first Verify: %v", err)
	}

	// Break the bitset: the cached verdict must still win.
	sess.Completed[0] = false
	res, err := v.Verify(ctx, sess)
	if err != nil {
		t.Fatalf("second Verify: %v", err)
	}
	if !res.Verified || !res.Cached {
		t.Errorf("result = %+v, want cached verified", res)
	}
	if store.saves != 1 {
		t.Errorf("persisted %d times, want 1 (no re-save)", store.saves)
	}
}

func TestVerifyLoadsPersistedVerdict(t *testing.T) {
	store := newFakeStore()
	store.records["c1"] = domain.VerificationRecord{ContentID: "c1", Verified: true, At: time.Now()}
	v, _ := New(store, testLogger())

	sess := completeSession(t, "c1", 4)
	sess.Completed[0] = false // would fail without the stored verdict

	res, err := v.Verify(context.Background(), sess)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Verified || !res.Cached {
		t.Errorf("result = %+v, want cached verified from store", res)
	}
}

func TestVerifyDigest(t *testing.T) {
	content := []byte("the actual file bytes")
	digest := blake3.Sum256(content)

	store := newFakeStore()
	v, _ := New(store, testLogger())
	v.openFile = func(string) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(content)), nil
	}

	sess := completeSession(t, "c1", 2)
	sess.Files = []string{"payload.bin"}
	sess.ExpectedDigest = digest[:]

	res, err := v.Verify(context.Background(), sess)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Verified {
		t.Errorf("result = %+v, want digest match", res)
	}
}

func TestVerifyDigestMismatch(t *testing.T) {
	store := newFakeStore()
	v, _ := New(store, testLogger())
	v.openFile = func(string) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader([]byte("corrupted bytes"))), nil
	}

	digest := blake3.Sum256([]byte("expected bytes"))
	sess := completeSession(t, "c1", 2)
	sess.Files = []string{"payload.bin"}
	sess.ExpectedDigest = digest[:]

	res, err := v.Verify(context.Background(), sess)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Verified {
		t.Error("mismatched digest verified")
	}
	if res.Reason == "" {
		t.Error("mismatch carries no reason")
	}
}

func TestVerifyDigestReadError(t *testing.T) {
	store := newFakeStore()
	v, _ := New(store, testLogger())
	readErr := errors.New("disk gone")
	v.openFile = func(string) (io.ReadCloser, error) { return nil, readErr }

	sess := completeSession(t, "c1", 2)
	sess.Files = []string{"payload.bin"}
	sess.ExpectedDigest = make([]byte, 32)

	if _, err := v.Verify(context.Background(), sess); !errors.Is(err, readErr) {
		t.Errorf("Verify: got %v, want the read error", err)
	}
}

func TestInvalidate(t *testing.T) {
	store := newFakeStore()
	v, _ := New(store, testLogger())
	ctx := context.Background()

	sess := completeSession(t, "c1", 2)
	if _, err := v.Verify(ctx, sess); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := v.Invalidate(ctx, "c1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	sess.Completed[0] = false
	res, err := v.Verify(ctx, sess)
	if err != nil {
		t.Fatalf("Verify after invalidate: %v", err)
	}
	if res.Verified {
		t.Error("invalidated content still verified")
	}
}

func TestVerifyPersistFailureStillVerifies(t *testing.T) {
	store := newFakeStore()
	store.saveErr = errors.New("mongo down")
	v, _ := New(store, testLogger())

	sess := completeSession(t, "c1", 2)
	res, err := v.Verify(context.Background(), sess)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Verified {
		t.Error("persist failure flipped the verdict")
	}
}
