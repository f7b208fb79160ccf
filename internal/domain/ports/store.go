package ports

import (
	"context"

	"swarmstream/internal/domain"
)

// StateStore is the durable key-value contract. Every record is
// independently keyed so partial corruption of one does not invalidate the
// others.
type StateStore interface {
	SaveTotals(ctx context.Context, t domain.TransferTotals) error
	LoadTotals(ctx context.Context) (domain.TransferTotals, bool, error)

	SaveContentTotals(ctx context.Context, t domain.ContentTotals) error
	ListContentTotals(ctx context.Context) ([]domain.ContentTotals, error)

	SaveVerification(ctx context.Context, rec domain.VerificationRecord) error
	LoadVerification(ctx context.Context, id domain.ContentID) (domain.VerificationRecord, bool, error)
	DeleteVerification(ctx context.Context, id domain.ContentID) error

	SaveBlacklist(ctx context.Context, addrs []domain.PeerAddr) error
	LoadBlacklist(ctx context.Context) ([]domain.PeerAddr, error)

	SaveReputation(ctx context.Context, entries []domain.PeerReputationEntry) error
	LoadReputation(ctx context.Context) ([]domain.PeerReputationEntry, error)

	SavePolicy(ctx context.Context, p domain.UserPolicy) error
	LoadPolicy(ctx context.Context) (domain.UserPolicy, bool, error)

	SaveIdentity(ctx context.Context, id domain.Identity) error
	LoadIdentity(ctx context.Context) (domain.Identity, bool, error)
}
