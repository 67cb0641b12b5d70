// Package mongo implements the record store on a MongoDB collection. Keys
// are protected by a unique index and insertion order comes from a per
// collection sequence kept in a counters collection.
package mongo

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ajitpratap0/driftsync/pkg/config"
	"github.com/ajitpratap0/driftsync/pkg/models"
	"github.com/ajitpratap0/driftsync/pkg/store"
	"github.com/ajitpratap0/driftsync/pkg/syncerrors"
)

// Driver is the registry name of this backend.
const Driver = "mongodb"

// Defaults applied when the store config leaves them empty.
const (
	DefaultDatabase   = "driftsync"
	DefaultCollection = "records"
	countersName      = "driftsync_counters"
)

func init() {
	store.MustRegister(Driver, func(ctx context.Context, cfg config.StoreConfig, clock store.Clock) (store.Store, error) {
		if cfg.DSN == "" {
			return nil, syncerrors.New(syncerrors.ErrorTypeConfig, "dsn is required").
				WithDetail("driver", Driver)
		}
		return Open(ctx, cfg.DSN, cfg.Database, cfg.Collection, clock)
	})
}

// document is the stored shape of a record.
type document struct {
	ID        primitive.ObjectID     `bson:"_id,omitempty"`
	Key       string                 `bson:"key"`
	Fields    map[string]interface{} `bson:"fields"`
	CreatedAt time.Time              `bson:"created_at"`
	UpdatedAt time.Time              `bson:"updated_at"`
	Seq       int64                  `bson:"seq"`

	SourceUpdatedAt *time.Time `bson:"source_updated_at,omitempty"`
}

func (d *document) record() *models.Record {
	fields := d.Fields
	if fields == nil {
		fields = make(map[string]interface{})
	}
	rec := &models.Record{
		Key:       d.Key,
		Fields:    fields,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
	if d.SourceUpdatedAt != nil {
		rec.SourceUpdatedAt = d.SourceUpdatedAt.UTC()
	}
	return rec
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Store is a MongoDB backed record store.
type Store struct {
	client   *mongo.Client
	coll     *mongo.Collection
	counters *mongo.Collection
	clock    store.Clock
	owned    bool

	// writeMu serializes stamping with the write so stamps commit in order
	writeMu sync.Mutex
}

// Open connects to uri and prepares the collection.
func Open(ctx context.Context, uri, database, collection string, clock store.Clock) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeConfig, "failed to connect to MongoDB")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, store.Unavailable(err, "ping")
	}

	s, err := New(ctx, client, database, collection, clock)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New uses an existing client. Close leaves a client it did not open
// connected.
func New(ctx context.Context, client *mongo.Client, database, collection string, clock store.Clock) (*Store, error) {
	if database == "" {
		database = DefaultDatabase
	}
	if collection == "" {
		collection = DefaultCollection
	}
	if clock == nil {
		clock = store.NewClock(store.DefaultClockResolution)
	}

	db := client.Database(database)
	s := &Store{
		client:   client,
		coll:     db.Collection(collection),
		counters: db.Collection(countersName),
		clock:    clock,
	}

	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "key", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "seq", Value: 1}}},
	})
	if err != nil {
		return nil, store.Unavailable(err, "create indexes")
	}
	return s, nil
}

// Collection returns the backing collection.
func (s *Store) Collection() *mongo.Collection { return s.coll }

// nextSeq reserves the next insertion sequence number.
func (s *Store) nextSeq(ctx context.Context) (int64, error) {
	var out struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": s.coll.Name()},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&out)
	if err != nil {
		return 0, err
	}
	return out.Seq, nil
}

// Insert implements store.Store.
func (s *Store) Insert(ctx context.Context, record *models.Record) (*models.Record, error) {
	if record == nil || record.Key == "" {
		return nil, syncerrors.New(syncerrors.ErrorTypeValidation, "record key is required")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	seq, err := s.nextSeq(ctx)
	if err != nil {
		return nil, s.fail(ctx, err, "insert")
	}

	rec := record.Clone()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.clock.Now()
	} else {
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		s.clock.Observe(rec.UpdatedAt)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}

	_, err = s.coll.InsertOne(ctx, document{
		Key:       rec.Key,
		Fields:    rec.Fields,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		Seq:       seq,

		SourceUpdatedAt: optionalTime(rec.SourceUpdatedAt),
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, store.ErrDuplicateKey(rec.Key)
		}
		return nil, s.fail(ctx, err, "insert")
	}
	return rec, nil
}

// Upsert implements store.Store.
func (s *Store) Upsert(ctx context.Context, key string, record *models.Record) (*models.Record, error) {
	if key == "" || record == nil {
		return nil, syncerrors.New(syncerrors.ErrorTypeValidation, "upsert requires a key and a record")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	seq, err := s.nextSeq(ctx)
	if err != nil {
		return nil, s.fail(ctx, err, "upsert")
	}

	now := s.clock.Now()
	created := record.CreatedAt
	if created.IsZero() {
		created = now
	}
	fields := record.Fields
	if fields == nil {
		fields = map[string]interface{}{}
	}

	set := bson.M{"fields": fields, "updated_at": now}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"created_at": created, "seq": seq},
	}
	if record.SourceUpdatedAt.IsZero() {
		update["$unset"] = bson.M{"source_updated_at": ""}
	} else {
		set["source_updated_at"] = record.SourceUpdatedAt
	}

	var doc document
	err = s.coll.FindOneAndUpdate(ctx,
		bson.M{"key": key},
		update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return nil, s.fail(ctx, err, "upsert")
	}

	rec := record.Clone()
	rec.Key = key
	rec.CreatedAt = doc.CreatedAt.UTC()
	rec.UpdatedAt = now
	return rec, nil
}

// Find implements store.Store.
func (s *Store) Find(ctx context.Context, filter models.Filter, opts models.FindOptions) ([]*models.Record, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Skip > 0 {
		findOpts.SetSkip(int64(opts.Skip))
	}

	cursor, err := s.coll.Find(ctx, toBSON(filter), findOpts)
	if err != nil {
		return nil, s.fail(ctx, err, "find")
	}
	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, s.fail(ctx, err, "find")
	}

	out := make([]*models.Record, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].record())
	}
	return out, nil
}

// Update implements store.Store. Each matching document is patched in
// process and written back only when its payload changed.
func (s *Store) Update(ctx context.Context, filter models.Filter, patch models.Patch) (models.UpdateResult, error) {
	var res models.UpdateResult

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cursor, err := s.coll.Find(ctx, toBSON(filter), options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return res, s.fail(ctx, err, "update")
	}
	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return res, s.fail(ctx, err, "update")
	}

	for i := range docs {
		res.Matched++
		rec := docs[i].record()
		if !patch.Apply(rec) {
			continue
		}
		_, err := s.coll.UpdateByID(ctx, docs[i].ID, bson.M{
			"$set": bson.M{"fields": rec.Fields, "updated_at": s.clock.Now()},
		})
		if err != nil {
			return res, s.fail(ctx, err, "update")
		}
		res.Modified++
	}
	return res, nil
}

// Count implements store.Store.
func (s *Store) Count(ctx context.Context, filter models.Filter) (int64, error) {
	n, err := s.coll.CountDocuments(ctx, toBSON(filter))
	if err != nil {
		return 0, s.fail(ctx, err, "count")
	}
	return n, nil
}

// Close implements store.Store.
func (s *Store) Close(ctx context.Context) error {
	if !s.owned {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func (s *Store) fail(ctx context.Context, err error, op string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return store.Unavailable(err, op)
}

// toBSON maps a filter onto the stored document: the key entry matches the
// key field and payload entries match inside fields.
func toBSON(filter models.Filter) bson.M {
	out := bson.M{}
	for field, value := range filter {
		if field == models.KeyField {
			out["key"] = value
			continue
		}
		out["fields."+field] = value
	}
	return out
}
