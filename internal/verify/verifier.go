// Package verify validates completed content sessions and caches verdicts
// durably so a verified content item is never re-verified.
package verify

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"lukechampine.com/blake3"

	"swarmstream/internal/domain"
	"swarmstream/internal/domain/ports"
)

const cacheSize = 512

// Result carries the verdict plus whether it was served from cache.
type Result struct {
	Verified bool
	Cached   bool
	Reason   string
}

type Verifier struct {
	store  ports.StateStore
	cache  *lru.Cache[domain.ContentID, domain.VerificationRecord]
	logger *slog.Logger
	now    func() time.Time

	// openFile is swapped in tests.
	openFile func(path string) (io.ReadCloser, error)
}

func New(store ports.StateStore, logger *slog.Logger) (*Verifier, error) {
	cache, err := lru.New[domain.ContentID, domain.VerificationRecord](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Verifier{
		store:  store,
		cache:  cache,
		logger: logger,
		now:    time.Now,
		openFile: func(path string) (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// Verify checks a session reported complete by the transport engine. A
// cached verified=true verdict short-circuits re-verification entirely.
// The completeness bitset must be fully set; when the session carries an
// expected digest the content is additionally hash-verified.
func (v *Verifier) Verify(ctx context.Context, sess *domain.ContentSession) (Result, error) {
	if rec, ok := v.lookup(ctx, sess.ContentID); ok && rec.Verified {
		return Result{Verified: true, Cached: true}, nil
	}

	if !sess.AllPiecesComplete() {
		return Result{Reason: "incomplete piece bitset"}, nil
	}

	if len(sess.ExpectedDigest) > 0 {
		match, err := v.digestMatches(ctx, sess)
		if err != nil {
			return Result{}, err
		}
		if !match {
			return Result{Reason: "content digest mismatch"}, nil
		}
	}

	rec := domain.VerificationRecord{
		ContentID: sess.ContentID,
		Verified:  true,
		At:        v.now(),
	}
	v.cache.Add(sess.ContentID, rec)
	if err := v.store.SaveVerification(ctx, rec); err != nil {
		// The verdict stands; only durability suffered.
		v.logger.Warn("verification persist failed",
			slog.String("contentId", string(sess.ContentID)),
			slog.String("error", err.Error()),
		)
	}
	return Result{Verified: true}, nil
}

// Invalidate clears a verdict. Only called on explicit redownload; verified
// records are never silently overwritten otherwise.
func (v *Verifier) Invalidate(ctx context.Context, id domain.ContentID) error {
	v.cache.Remove(id)
	return v.store.DeleteVerification(ctx, id)
}

func (v *Verifier) lookup(ctx context.Context, id domain.ContentID) (domain.VerificationRecord, bool) {
	if rec, ok := v.cache.Get(id); ok {
		return rec, true
	}
	rec, ok, err := v.store.LoadVerification(ctx, id)
	if err != nil {
		v.logger.Warn("verification cache load failed",
			slog.String("contentId", string(id)),
			slog.String("error", err.Error()),
		)
		return domain.VerificationRecord{}, false
	}
	if ok {
		v.cache.Add(id, rec)
	}
	return rec, ok
}

// digestMatches streams the session's files through blake3 and compares
// against the expected content digest.
func (v *Verifier) digestMatches(ctx context.Context, sess *domain.ContentSession) (bool, error) {
	hasher := blake3.New(32, nil)
	for _, path := range sess.Files {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		f, err := v.openFile(path)
		if err != nil {
			return false, err
		}
		_, err = io.Copy(hasher, f)
		f.Close()
		if err != nil {
			return false, err
		}
	}
	sum := hasher.Sum(nil)
	if len(sum) != len(sess.ExpectedDigest) {
		return false, nil
	}
	for i := range sum {
		if sum[i] != sess.ExpectedDigest[i] {
			return false, nil
		}
	}
	return true, nil
}
