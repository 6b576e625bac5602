// Package mongodb provides a connector backed by a MongoDB collection.
// Every write stamps the document with a change sequence allocated from
// a counters document, so ListChanges serves incremental reads from an
// indexed range scan. Deletes are soft, which keeps them visible as
// changes. Checkpoints are the decimal change sequence of the last
// delivered document.
package mongodb

import (
	"context"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/driftsync/driftsync/pkg/checkpoint"
	"github.com/driftsync/driftsync/pkg/config"
	"github.com/driftsync/driftsync/pkg/connector/base"
	"github.com/driftsync/driftsync/pkg/connector/core"
	"github.com/driftsync/driftsync/pkg/errors"
	"github.com/driftsync/driftsync/pkg/record"
)

// Type is the registry name of this connector.
const Type = "mongodb"

const (
	defaultCollection  = "driftsync_records"
	countersCollection = "driftsync_counters"
)

// document is the stored shape of one record.
type document struct {
	Key       string                 `bson:"_id"`
	Payload   map[string]interface{} `bson:"payload,omitempty"`
	Metadata  map[string]interface{} `bson:"metadata,omitempty"`
	Operation string                 `bson:"operation"`
	UpdatedAt time.Time              `bson:"updated_at"`
	Version   int64                  `bson:"version"`
	Deleted   bool                   `bson:"deleted"`
	ChangeSeq int64                  `bson:"change_seq"`
}

func (d *document) toRecord() *record.Record {
	rec := &record.Record{
		Key:       d.Key,
		Payload:   d.Payload,
		Metadata:  d.Metadata,
		Operation: record.Operation(d.Operation),
		Timestamp: d.UpdatedAt,
		Version:   strconv.FormatInt(d.Version, 10),
	}
	if d.Deleted {
		rec.Operation = record.OpDelete
		rec.Payload = nil
	}
	return rec
}

// Connector reads and writes one MongoDB collection.
type Connector struct {
	*base.BaseConnector

	client     *mongo.Client
	collection *mongo.Collection
	counters   *mongo.Collection
	counterID  string
}

// New creates an uninitialized mongodb connector.
func New(name string) *Connector {
	return &Connector{
		BaseConnector: base.NewBaseConnector(name, Type),
	}
}

// Initialize connects the client and ensures the change index exists.
//
// Settings:
//
//	uri        mongodb connection string (required; also read from
//	           security.credentials)
//	database   database name (required)
//	collection collection name (default driftsync_records)
func (c *Connector) Initialize(ctx context.Context, cfg *config.ConnectorConfig) error {
	if err := c.BaseConnector.Initialize(ctx, cfg); err != nil {
		return err
	}

	uri := cfg.Settings["uri"]
	if uri == "" {
		uri = cfg.Security.Credentials["uri"]
	}
	if uri == "" {
		return errors.New(errors.ErrorTypeConfig, "mongodb connector requires a uri setting")
	}

	dbName := cfg.Settings["database"]
	if dbName == "" {
		return errors.New(errors.ErrorTypeConfig, "mongodb connector requires a database setting")
	}

	collName := cfg.Settings["collection"]
	if collName == "" {
		collName = defaultCollection
	}

	clientOpts := options.Client().ApplyURI(uri)
	if cfg.Timeouts.Connection > 0 {
		clientOpts.SetConnectTimeout(cfg.Timeouts.Connection)
	}
	if cfg.Timeouts.Request > 0 {
		clientOpts.SetTimeout(cfg.Timeouts.Request)
	}
	if cfg.Performance.MaxConcurrency > 0 {
		clientOpts.SetMaxPoolSize(uint64(cfg.Performance.MaxConcurrency))
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to connect to mongodb")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to ping mongodb")
	}

	c.client = client
	db := client.Database(dbName)
	c.collection = db.Collection(collName)
	c.counters = db.Collection(countersCollection)
	c.counterID = collName + "_change_seq"

	_, err = c.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "change_seq", Value: 1}},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to create change index")
	}

	c.SetHealthCheck(func(ctx context.Context) error {
		return c.client.Ping(ctx, nil)
	})

	c.Logger().Info("mongodb connector initialized",
		zap.String("database", dbName),
		zap.String("collection", collName))

	return nil
}

// allocateSeqs reserves n change sequence numbers and returns the first.
func (c *Connector) allocateSeqs(ctx context.Context, n int) (int64, error) {
	var counter struct {
		Value int64 `bson:"value"`
	}
	err := c.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": c.counterID},
		bson.M{"$inc": bson.M{"value": int64(n)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to allocate change sequences")
	}
	return counter.Value - int64(n) + 1, nil
}

// ListChanges returns documents whose change sequence is past the
// checkpoint, oldest first.
func (c *Connector) ListChanges(ctx context.Context, since *checkpoint.Checkpoint, limit int) (*core.ChangeBatch, error) {
	var from int64
	if since != nil && since.Position != "" {
		parsed, err := strconv.ParseInt(since.Position, 10, 64)
		if err != nil {
			return nil, errors.Newf(errors.ErrorTypeValidation, "invalid checkpoint position %q", since.Position)
		}
		from = parsed
	}

	if limit <= 0 {
		limit = c.Config().Performance.BatchSize
	}

	// Fetch one extra document to learn whether more changes remain.
	findOpts := options.Find().
		SetSort(bson.D{{Key: "change_seq", Value: 1}}).
		SetLimit(int64(limit + 1))

	cursor, err := c.collection.Find(ctx, bson.M{"change_seq": bson.M{"$gt": from}}, findOpts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to query changes")
	}
	defer cursor.Close(ctx)

	records := make([]*record.Record, 0, limit)
	next := from
	hasMore := false

	for cursor.Next(ctx) {
		if len(records) == limit {
			hasMore = true
			break
		}
		var doc document
		if err := cursor.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeSchemaMismatch, "failed to decode change document")
		}
		records = append(records, doc.toRecord())
		next = doc.ChangeSeq
	}
	if err := cursor.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to read change cursor")
	}

	c.ObserveRead(len(records))

	return &core.ChangeBatch{
		Records:        records,
		NextCheckpoint: checkpoint.New(strconv.FormatInt(next, 10)),
		HasMore:        hasMore,
	}, nil
}

// Fetch returns the live version of each key that exists.
func (c *Connector) Fetch(ctx context.Context, keys []string) (map[string]*record.Record, error) {
	if len(keys) == 0 {
		return map[string]*record.Record{}, nil
	}

	cursor, err := c.collection.Find(ctx, bson.M{
		"_id":     bson.M{"$in": keys},
		"deleted": false,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to fetch records")
	}
	defer cursor.Close(ctx)

	out := make(map[string]*record.Record, len(keys))
	for cursor.Next(ctx) {
		var doc document
		if err := cursor.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeSchemaMismatch, "failed to decode record document")
		}
		out[doc.Key] = doc.toRecord()
	}
	if err := cursor.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to read fetch cursor")
	}

	return out, nil
}

// ApplyChanges upserts documents one by one, isolating failures.
// Version counting rides on the upsert's $inc so no read precedes the
// write.
func (c *Connector) ApplyChanges(ctx context.Context, records []*record.Record) ([]core.ApplyResult, error) {
	results := make([]core.ApplyResult, len(records))
	valid := make([]int, 0, len(records))
	applied, failed := 0, 0

	for i, rec := range records {
		if err := c.Validate(rec); err != nil {
			results[i] = core.ApplyResult{Record: rec, Status: core.ApplyStatusFailed, Error: err}
			failed++
			continue
		}
		valid = append(valid, i)
	}

	if len(valid) > 0 {
		seq, err := c.allocateSeqs(ctx, len(valid))
		if err != nil {
			return nil, err
		}

		for _, i := range valid {
			rec := records[i]

			ts := rec.Timestamp
			if ts.IsZero() {
				ts = time.Now().UTC()
			}

			update := bson.M{
				"$set": bson.M{
					"payload":    rec.Payload,
					"metadata":   rec.Metadata,
					"operation":  string(rec.Operation),
					"updated_at": ts,
					"deleted":    rec.IsDelete(),
					"change_seq": seq,
				},
				"$inc": bson.M{"version": int64(1)},
			}
			seq++

			_, err := c.collection.UpdateOne(ctx,
				bson.M{"_id": rec.Key}, update, options.Update().SetUpsert(true))
			if err != nil {
				results[i] = core.ApplyResult{Record: rec, Status: core.ApplyStatusFailed,
					Error: errors.Wrapf(err, errors.ErrorTypeConnectorUnavailable, "failed to apply key %s", rec.Key)}
				failed++
				continue
			}
			results[i] = core.ApplyResult{Record: rec, Status: core.ApplyStatusApplied}
			applied++
		}
	}

	c.ObserveApply(applied, failed)
	return results, nil
}

// GetLatestCheckpoint returns the highest allocated change sequence.
func (c *Connector) GetLatestCheckpoint(ctx context.Context) (*checkpoint.Checkpoint, error) {
	var counter struct {
		Value int64 `bson:"value"`
	}
	err := c.counters.FindOne(ctx, bson.M{"_id": c.counterID}).Decode(&counter)
	if err != nil && err != mongo.ErrNoDocuments {
		return nil, errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to read change counter")
	}

	return checkpoint.New(strconv.FormatInt(counter.Value, 10)), nil
}

// Close disconnects the client.
func (c *Connector) Close(ctx context.Context) error {
	if c.client != nil {
		if err := c.client.Disconnect(ctx); err != nil {
			c.Logger().Error("failed to disconnect mongodb client", zap.Error(err))
		}
		c.client = nil
	}
	return c.BaseConnector.Close(ctx)
}
