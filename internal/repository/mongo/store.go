// Package mongo persists subsystem state. Every record lives under its own
// key so partial corruption of one never invalidates the others.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"swarmstream/internal/domain"
)

const (
	stateCollection   = "state"
	contentCollection = "content_totals"

	totalsID     = "transfer_totals"
	blacklistID  = "peer_blacklist"
	reputationID = "peer_reputation"
	policyID     = "user_policy"
	identityID   = "identity"
)

// verificationKeyPrefix namespaces verification verdicts in the state
// collection, keyed per content item.
const verificationKeyPrefix = "verification:"

type StateStore struct {
	state   *mongo.Collection
	content *mongo.Collection
}

func NewStateStore(client *mongo.Client, dbName string) *StateStore {
	db := client.Database(dbName)
	return &StateStore{
		state:   db.Collection(stateCollection),
		content: db.Collection(contentCollection),
	}
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// --- transfer totals ---

type totalsDoc struct {
	ID                string `bson:"_id"`
	DownloadedBytes   int64  `bson:"downloadedBytes"`
	UploadedBytes     int64  `bson:"uploadedBytes"`
	PeakDownloadSpeed int64  `bson:"peakDownloadSpeed"`
	PeakUploadSpeed   int64  `bson:"peakUploadSpeed"`
	UpdatedAt         int64  `bson:"updatedAt"`
}

func (s *StateStore) SaveTotals(ctx context.Context, t domain.TransferTotals) error {
	update := bson.M{
		"$set": bson.M{
			"downloadedBytes":   t.DownloadedBytes,
			"uploadedBytes":     t.UploadedBytes,
			"peakDownloadSpeed": t.PeakDownloadSpeed,
			"peakUploadSpeed":   t.PeakUploadSpeed,
			"updatedAt":         t.UpdatedAt.Unix(),
		},
	}
	_, err := s.state.UpdateOne(ctx, bson.M{"_id": totalsID}, update, options.Update().SetUpsert(true))
	return err
}

func (s *StateStore) LoadTotals(ctx context.Context) (domain.TransferTotals, bool, error) {
	var doc totalsDoc
	err := s.state.FindOne(ctx, bson.M{"_id": totalsID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.TransferTotals{}, false, nil
		}
		return domain.TransferTotals{}, false, err
	}
	return domain.TransferTotals{
		DownloadedBytes:   doc.DownloadedBytes,
		UploadedBytes:     doc.UploadedBytes,
		PeakDownloadSpeed: doc.PeakDownloadSpeed,
		PeakUploadSpeed:   doc.PeakUploadSpeed,
		UpdatedAt:         timeFromUnix(doc.UpdatedAt),
	}, true, nil
}

// --- per-content totals ---

type contentTotalsDoc struct {
	ID              string `bson:"_id"` // content id
	DownloadedBytes int64  `bson:"downloadedBytes"`
	UploadedBytes   int64  `bson:"uploadedBytes"`
	UpdatedAt       int64  `bson:"updatedAt"`
}

func (s *StateStore) SaveContentTotals(ctx context.Context, t domain.ContentTotals) error {
	update := bson.M{
		"$set": bson.M{
			"downloadedBytes": t.DownloadedBytes,
			"uploadedBytes":   t.UploadedBytes,
			"updatedAt":       t.UpdatedAt.Unix(),
		},
	}
	_, err := s.content.UpdateOne(ctx, bson.M{"_id": string(t.ContentID)}, update, options.Update().SetUpsert(true))
	return err
}

func (s *StateStore) ListContentTotals(ctx context.Context) ([]domain.ContentTotals, error) {
	cursor, err := s.content.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []contentTotalsDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]domain.ContentTotals, 0, len(docs))
	for _, doc := range docs {
		out = append(out, domain.ContentTotals{
			ContentID:       domain.ContentID(doc.ID),
			DownloadedBytes: doc.DownloadedBytes,
			UploadedBytes:   doc.UploadedBytes,
			UpdatedAt:       timeFromUnix(doc.UpdatedAt),
		})
	}
	return out, nil
}

// --- verification verdicts ---

type verificationDoc struct {
	ID        string `bson:"_id"`
	ContentID string `bson:"contentId"`
	Verified  bool   `bson:"verified"`
	At        int64  `bson:"at"`
}

func (s *StateStore) SaveVerification(ctx context.Context, rec domain.VerificationRecord) error {
	update := bson.M{
		"$set": bson.M{
			"contentId": string(rec.ContentID),
			"verified":  rec.Verified,
			"at":        rec.At.Unix(),
		},
	}
	_, err := s.state.UpdateOne(ctx,
		bson.M{"_id": verificationKeyPrefix + string(rec.ContentID)},
		update,
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *StateStore) LoadVerification(ctx context.Context, id domain.ContentID) (domain.VerificationRecord, bool, error) {
	var doc verificationDoc
	err := s.state.FindOne(ctx, bson.M{"_id": verificationKeyPrefix + string(id)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.VerificationRecord{}, false, nil
		}
		return domain.VerificationRecord{}, false, err
	}
	return domain.VerificationRecord{
		ContentID: domain.ContentID(doc.ContentID),
		Verified:  doc.Verified,
		At:        timeFromUnix(doc.At),
	}, true, nil
}

func (s *StateStore) DeleteVerification(ctx context.Context, id domain.ContentID) error {
	_, err := s.state.DeleteOne(ctx, bson.M{"_id": verificationKeyPrefix + string(id)})
	return err
}

// --- blacklist ---

type blacklistDoc struct {
	ID        string   `bson:"_id"`
	Addrs     []string `bson:"addrs"`
	UpdatedAt int64    `bson:"updatedAt"`
}

func (s *StateStore) SaveBlacklist(ctx context.Context, addrs []domain.PeerAddr) error {
	values := make([]string, 0, len(addrs))
	for _, a := range addrs {
		values = append(values, string(a))
	}
	update := bson.M{
		"$set": bson.M{
			"addrs":     values,
			"updatedAt": time.Now().UTC().Unix(),
		},
	}
	_, err := s.state.UpdateOne(ctx, bson.M{"_id": blacklistID}, update, options.Update().SetUpsert(true))
	return err
}

func (s *StateStore) LoadBlacklist(ctx context.Context) ([]domain.PeerAddr, error) {
	var doc blacklistDoc
	err := s.state.FindOne(ctx, bson.M{"_id": blacklistID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]domain.PeerAddr, 0, len(doc.Addrs))
	for _, a := range doc.Addrs {
		out = append(out, domain.PeerAddr(a))
	}
	return out, nil
}

// --- peer reputation ---

type reputationEntryDoc struct {
	Addr       string `bson:"addr"`
	TotalBytes int64  `bson:"totalBytes"`
	Successes  int64  `bson:"successes"`
	Failures   int64  `bson:"failures"`
	LastSeen   int64  `bson:"lastSeen"`
}

type reputationDoc struct {
	ID        string               `bson:"_id"`
	Entries   []reputationEntryDoc `bson:"entries"`
	UpdatedAt int64                `bson:"updatedAt"`
}

func (s *StateStore) SaveReputation(ctx context.Context, entries []domain.PeerReputationEntry) error {
	docs := make([]reputationEntryDoc, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, reputationEntryDoc{
			Addr:       string(e.Addr),
			TotalBytes: e.TotalBytes,
			Successes:  e.Successes,
			Failures:   e.Failures,
			LastSeen:   e.LastSeen.Unix(),
		})
	}
	update := bson.M{
		"$set": bson.M{
			"entries":   docs,
			"updatedAt": time.Now().UTC().Unix(),
		},
	}
	_, err := s.state.UpdateOne(ctx, bson.M{"_id": reputationID}, update, options.Update().SetUpsert(true))
	return err
}

func (s *StateStore) LoadReputation(ctx context.Context) ([]domain.PeerReputationEntry, error) {
	var doc reputationDoc
	err := s.state.FindOne(ctx, bson.M{"_id": reputationID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]domain.PeerReputationEntry, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		out = append(out, domain.PeerReputationEntry{
			Addr:       domain.PeerAddr(e.Addr),
			TotalBytes: e.TotalBytes,
			Successes:  e.Successes,
			Failures:   e.Failures,
			LastSeen:   timeFromUnix(e.LastSeen),
		})
	}
	return out, nil
}

// --- user policy ---

type policyDoc struct {
	ID                     string  `bson:"_id"`
	OnlyOnWiFi             bool    `bson:"onlyOnWifi"`
	SaveBattery            bool    `bson:"saveBattery"`
	LowBatteryThreshold    float64 `bson:"lowBatteryThreshold"`
	MaxConcurrentPeers     int     `bson:"maxConcurrentPeers"`
	UploadLimitBytesPerSec int64   `bson:"uploadLimitBytesPerSec"`
	UpdatedAt              int64   `bson:"updatedAt"`
}

func (s *StateStore) SavePolicy(ctx context.Context, p domain.UserPolicy) error {
	update := bson.M{
		"$set": bson.M{
			"onlyOnWifi":             p.OnlyOnWiFi,
			"saveBattery":            p.SaveBattery,
			"lowBatteryThreshold":    p.LowBatteryThreshold,
			"maxConcurrentPeers":     p.MaxConcurrentPeers,
			"uploadLimitBytesPerSec": p.UploadLimitBytesPerSec,
			"updatedAt":              time.Now().UTC().Unix(),
		},
	}
	_, err := s.state.UpdateOne(ctx, bson.M{"_id": policyID}, update, options.Update().SetUpsert(true))
	return err
}

func (s *StateStore) LoadPolicy(ctx context.Context) (domain.UserPolicy, bool, error) {
	var doc policyDoc
	err := s.state.FindOne(ctx, bson.M{"_id": policyID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.UserPolicy{}, false, nil
		}
		return domain.UserPolicy{}, false, err
	}
	return domain.UserPolicy{
		OnlyOnWiFi:             doc.OnlyOnWiFi,
		SaveBattery:            doc.SaveBattery,
		LowBatteryThreshold:    doc.LowBatteryThreshold,
		MaxConcurrentPeers:     doc.MaxConcurrentPeers,
		UploadLimitBytesPerSec: doc.UploadLimitBytesPerSec,
	}, true, nil
}

// --- identity ---

type identityDoc struct {
	ID         string `bson:"_id"`
	IdentityID string `bson:"identityId"`
	CreatedAt  int64  `bson:"createdAt"`
	Key        []byte `bson:"key"`
}

func (s *StateStore) SaveIdentity(ctx context.Context, id domain.Identity) error {
	update := bson.M{
		"$set": bson.M{
			"identityId": id.ID,
			"createdAt":  id.CreatedAt.Unix(),
			"key":        id.Key,
		},
	}
	_, err := s.state.UpdateOne(ctx, bson.M{"_id": identityID}, update, options.Update().SetUpsert(true))
	return err
}

func (s *StateStore) LoadIdentity(ctx context.Context) (domain.Identity, bool, error) {
	var doc identityDoc
	err := s.state.FindOne(ctx, bson.M{"_id": identityID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Identity{}, false, nil
		}
		return domain.Identity{}, false, err
	}
	return domain.Identity{
		ID:        doc.IdentityID,
		CreatedAt: timeFromUnix(doc.CreatedAt),
		Key:       doc.Key,
	}, true, nil
}

func timeFromUnix(value int64) time.Time {
	return time.Unix(value, 0).UTC()
}
