package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"fathomlicense/internal/certificate"
	apperrors "fathomlicense/internal/errors"
	"fathomlicense/internal/license"
	"fathomlicense/internal/revocation"
)

// MongoOption configures a MongoStore.
type MongoOption func(*MongoStore)

// WithCollectionPrefix sets the collection name prefix. Default: "fathom".
func WithCollectionPrefix(prefix string) MongoOption {
	return func(s *MongoStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// MongoStore implements Store on MongoDB.
type MongoStore struct {
	db           *mongo.Database
	client       *mongo.Client
	prefix       string
	licenses     *mongo.Collection
	revocations  *mongo.Collection
	certificates *mongo.Collection
	now          func() time.Time
}

type licenseDoc struct {
	LicenseID     string     `bson:"license_id"`
	LicenseKey    string     `bson:"license_key"`
	CustomerName  string     `bson:"customer_name"`
	CustomerEmail string     `bson:"customer_email"`
	Tier          string     `bson:"tier"`
	LicenseType   string     `bson:"license_type"`
	IssuedAt      time.Time  `bson:"issued_at"`
	ExpiresAt     *time.Time `bson:"expires_at,omitempty"`
	File          []byte     `bson:"license_file"`
}

type revocationDoc struct {
	LicenseID  string    `bson:"license_id"`
	RevokedAt  time.Time `bson:"revoked_at"`
	Reason     string    `bson:"reason"`
	Reinstated bool      `bson:"reinstated"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

type certificateDoc struct {
	CertificateID string    `bson:"certificate_id"`
	ModuleID      string    `bson:"module_id"`
	LicenseID     string    `bson:"license_id"`
	IssuedAt      time.Time `bson:"issued_at"`
	Document      string    `bson:"document"`
	ReceivedAt    time.Time `bson:"received_at"`
}

// NewMongoStore creates the ledger indexes on db.
func NewMongoStore(ctx context.Context, db *mongo.Database, opts ...MongoOption) (*MongoStore, error) {
	s := &MongoStore{db: db, prefix: defaultPrefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := checkPrefix(s.prefix); err != nil {
		return nil, err
	}
	s.licenses = db.Collection(s.prefix + "_licenses")
	s.revocations = db.Collection(s.prefix + "_revocations")
	s.certificates = db.Collection(s.prefix + "_certificates")

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("create ledger indexes: %w", err)
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	unique := func(key string) mongo.IndexModel {
		return mongo.IndexModel{Keys: bson.D{{Key: key, Value: 1}}, Options: options.Index().SetUnique(true)}
	}
	plain := func(key string) mongo.IndexModel {
		return mongo.IndexModel{Keys: bson.D{{Key: key, Value: 1}}}
	}

	if _, err := s.licenses.Indexes().CreateMany(ctx, []mongo.IndexModel{
		unique("license_id"), unique("license_key"), plain("issued_at"),
	}); err != nil {
		return err
	}
	if _, err := s.revocations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		unique("license_id"), plain("updated_at"),
	}); err != nil {
		return err
	}
	_, err := s.certificates.Indexes().CreateMany(ctx, []mongo.IndexModel{
		unique("certificate_id"), plain("license_id"),
	})
	return err
}

func (s *MongoStore) RecordIssued(ctx context.Context, rec *license.Record) error {
	if err := checkIssued(rec); err != nil {
		return err
	}
	file, err := license.Serialize(rec)
	if err != nil {
		return err
	}
	_, err = s.licenses.InsertOne(ctx, licenseDoc{
		LicenseID:     rec.LicenseID,
		LicenseKey:    rec.LicenseKey,
		CustomerName:  rec.CustomerName,
		CustomerEmail: rec.CustomerEmail,
		Tier:          rec.Tier.String(),
		LicenseType:   rec.LicenseType.String(),
		IssuedAt:      rec.IssuedAt,
		ExpiresAt:     rec.ExpiresAt,
		File:          file,
	})
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: license %s", apperrors.ErrAlreadyExists, rec.LicenseID)
	}
	if err != nil {
		return fmt.Errorf("record issued license: %w", err)
	}
	return nil
}

func (s *MongoStore) GetIssued(ctx context.Context, id string) (*license.Record, error) {
	var doc licenseDoc
	err := s.licenses.FindOne(ctx, bson.M{"license_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrLicenseNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get issued license: %w", err)
	}
	return license.Deserialize(doc.File)
}

func (s *MongoStore) ListIssued(ctx context.Context) ([]*license.Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "issued_at", Value: 1}, {Key: "license_id", Value: 1}})
	cursor, err := s.licenses.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list issued licenses: %w", err)
	}
	var docs []licenseDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode issued licenses: %w", err)
	}
	out := make([]*license.Record, 0, len(docs))
	for _, d := range docs {
		rec, err := license.Deserialize(d.File)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *MongoStore) Revoke(ctx context.Context, e revocation.Entry) error {
	if err := checkEntry(e); err != nil {
		return err
	}
	now := s.now().UTC()
	if e.RevokedAt.IsZero() {
		e.RevokedAt = now
	}
	update := bson.M{"$set": bson.M{
		"revoked_at": e.RevokedAt,
		"reason":     e.Reason,
		"reinstated": false,
		"updated_at": now,
	}}
	_, err := s.revocations.UpdateOne(ctx, bson.M{"license_id": e.LicenseID}, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("revoke license: %w", err)
	}
	return nil
}

func (s *MongoStore) Reinstate(ctx context.Context, id string) error {
	res, err := s.revocations.UpdateOne(ctx,
		bson.M{"license_id": id, "reinstated": false},
		bson.M{"$set": bson.M{"reinstated": true, "updated_at": s.now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("reinstate license: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s is not revoked", apperrors.ErrLicenseNotFound, id)
	}
	return nil
}

func (s *MongoStore) ListRevocations(ctx context.Context, since time.Time) ([]Change, error) {
	filter := bson.M{}
	if !since.IsZero() {
		filter["updated_at"] = bson.M{"$gt": since}
	}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}, {Key: "license_id", Value: 1}})
	cursor, err := s.revocations.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list revocations: %w", err)
	}
	var docs []revocationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode revocations: %w", err)
	}
	out := make([]Change, 0, len(docs))
	for _, d := range docs {
		out = append(out, Change{
			Entry:      revocation.Entry{LicenseID: d.LicenseID, RevokedAt: d.RevokedAt.UTC(), Reason: d.Reason},
			Reinstated: d.Reinstated,
			UpdatedAt:  d.UpdatedAt.UTC(),
		})
	}
	return out, nil
}

func (s *MongoStore) RecordCertificate(ctx context.Context, rec *certificate.Record) error {
	if rec == nil || rec.CertificateID == "" {
		return fmt.Errorf("%w: certificate id is empty", apperrors.ErrInvalidRequestData)
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode certificate: %w", err)
	}
	_, err = s.certificates.InsertOne(ctx, certificateDoc{
		CertificateID: rec.CertificateID,
		ModuleID:      rec.ModuleID,
		LicenseID:     rec.LicenseID,
		IssuedAt:      rec.IssuedAt,
		Document:      string(doc),
		ReceivedAt:    s.now().UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: certificate %s", apperrors.ErrAlreadyExists, rec.CertificateID)
	}
	if err != nil {
		return fmt.Errorf("record certificate: %w", err)
	}
	return nil
}

func (s *MongoStore) ListCertificates(ctx context.Context) ([]*certificate.Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "issued_at", Value: 1}, {Key: "certificate_id", Value: 1}})
	cursor, err := s.certificates.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	var docs []certificateDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode certificates: %w", err)
	}
	out := make([]*certificate.Record, 0, len(docs))
	for _, d := range docs {
		var rec certificate.Record
		if err := json.Unmarshal([]byte(d.Document), &rec); err != nil {
			return nil, fmt.Errorf("decode certificate %s: %w", d.CertificateID, err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

// Close disconnects the client when Open created it.
func (s *MongoStore) Close(ctx context.Context) error {
	if s.client != nil {
		return s.client.Disconnect(ctx)
	}
	return nil
}
