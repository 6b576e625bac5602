// Package s3 provides a connector backed by an S3 bucket. Applied
// batches land as immutable JSONL changelog objects whose names sort
// chronologically, so ListChanges is a lexicographic listing from the
// checkpoint onward. Alongside the changelog the connector keeps one
// latest-value object per key, which is what Fetch reads.
//
// Checkpoint positions are "<object key>#<records consumed>", letting
// a resume land in the middle of a changelog object.
package s3

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/driftsync/driftsync/pkg/checkpoint"
	"github.com/driftsync/driftsync/pkg/compression"
	"github.com/driftsync/driftsync/pkg/config"
	"github.com/driftsync/driftsync/pkg/connector/base"
	"github.com/driftsync/driftsync/pkg/connector/core"
	"github.com/driftsync/driftsync/pkg/errors"
	jsonpool "github.com/driftsync/driftsync/pkg/json"
	"github.com/driftsync/driftsync/pkg/record"
)

// Type is the registry name of this connector.
const Type = "s3"

const (
	defaultUploadPartSize = 5 * 1024 * 1024
	maxLineBytes          = 4 << 20
)

// Connector stores records in an S3 bucket.
type Connector struct {
	*base.BaseConnector

	bucket string
	prefix string
	region string
	comp   compression.Compressor

	client   *s3.Client
	uploader *manager.Uploader

	uploadSeq      int64
	objectsWritten int64
}

// New creates an uninitialized s3 connector.
func New(name string) *Connector {
	return &Connector{
		BaseConnector: base.NewBaseConnector(name, Type),
	}
}

// Initialize builds the AWS clients and verifies bucket access.
//
// Settings:
//
//	bucket           bucket name (required)
//	prefix           key prefix (default driftsync/)
//	region           AWS region (default us-east-1)
//	endpoint         custom endpoint, path-style (MinIO, localstack)
//	compression      changelog codec: zstd (default), gzip, snappy, lz4, s2, none
//	upload_part_size multipart upload part size in bytes
//
// Static credentials may be given in security.credentials as
// access_key_id and secret_access_key; otherwise the default AWS
// chain applies.
func (c *Connector) Initialize(ctx context.Context, cfg *config.ConnectorConfig) error {
	if err := c.BaseConnector.Initialize(ctx, cfg); err != nil {
		return err
	}

	c.bucket = cfg.Settings["bucket"]
	if c.bucket == "" {
		return errors.New(errors.ErrorTypeConfig, "s3 connector requires a bucket setting")
	}

	c.prefix = cfg.Settings["prefix"]
	if c.prefix == "" {
		c.prefix = "driftsync/"
	}
	if !strings.HasSuffix(c.prefix, "/") {
		c.prefix += "/"
	}

	c.region = cfg.Settings["region"]
	if c.region == "" {
		c.region = "us-east-1"
	}

	algoName := cfg.Settings["compression"]
	if algoName == "" {
		algoName = string(compression.Zstd)
	}
	comp, err := compression.NewCompressorFor(algoName)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid compression setting")
	}
	c.comp = comp

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(c.region),
	}
	if id := cfg.Security.Credentials["access_key_id"]; id != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(id, cfg.Security.Credentials["secret_access_key"], "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to load AWS configuration")
	}

	c.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := cfg.Settings["endpoint"]; endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	partSize := int64(defaultUploadPartSize)
	if raw := cfg.Settings["upload_part_size"]; raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			return errors.Newf(errors.ErrorTypeConfig, "invalid upload_part_size %q", raw)
		}
		partSize = parsed
	}
	concurrency := cfg.Performance.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	c.uploader = manager.NewUploader(c.client, func(u *manager.Uploader) {
		u.PartSize = partSize
		u.Concurrency = concurrency
	})

	if _, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConnectorUnavailable, "failed to access bucket %s", c.bucket)
	}

	c.SetHealthCheck(func(ctx context.Context) error {
		_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
		return err
	})

	c.Logger().Info("s3 connector initialized",
		zap.String("bucket", c.bucket),
		zap.String("prefix", c.prefix),
		zap.String("compression", string(c.comp.Algorithm())))

	return nil
}

func (c *Connector) changesPrefix() string { return c.prefix + "changes/" }
func (c *Connector) recordsPrefix() string { return c.prefix + "records/" }

// changeObjectKey builds a changelog object name that sorts after every
// previously generated one.
func (c *Connector) changeObjectKey() string {
	seq := atomic.AddInt64(&c.uploadSeq, 1)
	return fmt.Sprintf("%s%020d-%06d.jsonl%s",
		c.changesPrefix(), time.Now().UnixNano(), seq, c.comp.Algorithm().Extension())
}

func (c *Connector) recordObjectKey(key string) string {
	return c.recordsPrefix() + url.PathEscape(key) + ".json"
}

// algorithmForKey picks the decompressor from the object suffix, so a
// prefix written under one compression setting stays readable after the
// setting changes.
func algorithmForKey(key string) (compression.Algorithm, error) {
	if strings.HasSuffix(key, ".jsonl") {
		return compression.None, nil
	}
	ext := path.Ext(key)
	for _, algo := range []compression.Algorithm{
		compression.Gzip, compression.Snappy, compression.LZ4, compression.Zstd, compression.S2,
	} {
		if ext == algo.Extension() {
			return algo, nil
		}
	}
	return compression.None, errors.Newf(errors.ErrorTypeSchemaMismatch, "unrecognized changelog object %s", key)
}

// position addresses one record inside the changelog: the object key
// and how many of its records have been consumed.
type position struct {
	key      string
	consumed int
}

func (p position) encode() string {
	if p.key == "" {
		return ""
	}
	return p.key + "#" + strconv.Itoa(p.consumed)
}

func (c *Connector) parsePosition(cp *checkpoint.Checkpoint) (position, error) {
	if cp == nil || cp.Position == "" {
		return position{}, nil
	}
	idx := strings.LastIndex(cp.Position, "#")
	if idx < 0 {
		return position{}, errors.Newf(errors.ErrorTypeValidation, "invalid checkpoint position %q", cp.Position)
	}
	key := cp.Position[:idx]
	consumed, err := strconv.Atoi(cp.Position[idx+1:])
	if err != nil || consumed < 0 || !strings.HasPrefix(key, c.changesPrefix()) {
		return position{}, errors.Newf(errors.ErrorTypeValidation, "invalid checkpoint position %q", cp.Position)
	}
	return position{key: key, consumed: consumed}, nil
}

// ListChanges walks changelog objects from the checkpoint onward. A
// checkpoint can point into the middle of an object; the remainder of
// that object is delivered first.
func (c *Connector) ListChanges(ctx context.Context, since *checkpoint.Checkpoint, limit int) (*core.ChangeBatch, error) {
	pos, err := c.parsePosition(since)
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = c.Config().Performance.BatchSize
	}

	records := make([]*record.Record, 0, limit)
	hasMore := false

	if pos.key != "" {
		recs, err := c.readChangeObject(ctx, pos.key)
		switch {
		case isNoSuchKey(err):
			// the object was pruned; resume with the listing
			c.Logger().Warn("checkpointed changelog object is gone", zap.String("key", pos.key))
		case err != nil:
			return nil, err
		case pos.consumed < len(recs):
			take := len(recs) - pos.consumed
			if take > limit {
				take = limit
			}
			records = append(records, recs[pos.consumed:pos.consumed+take]...)
			pos.consumed += take
			if pos.consumed < len(recs) {
				hasMore = true
			}
		}
	}

	if !hasMore {
		listInput := &s3.ListObjectsV2Input{
			Bucket: aws.String(c.bucket),
			Prefix: aws.String(c.changesPrefix()),
		}
		if pos.key != "" {
			listInput.StartAfter = aws.String(pos.key)
		}

		paginator := s3.NewListObjectsV2Paginator(c.client, listInput)
	listing:
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to list changelog objects")
			}
			for _, obj := range page.Contents {
				key := aws.ToString(obj.Key)
				if len(records) >= limit {
					hasMore = true
					break listing
				}

				recs, err := c.readChangeObject(ctx, key)
				if err != nil {
					return nil, err
				}
				take := limit - len(records)
				if take > len(recs) {
					take = len(recs)
				}
				records = append(records, recs[:take]...)
				pos = position{key: key, consumed: take}
				if take < len(recs) {
					hasMore = true
					break listing
				}
			}
		}
	}

	c.ObserveRead(len(records))

	return &core.ChangeBatch{
		Records:        records,
		NextCheckpoint: checkpoint.New(pos.encode()),
		HasMore:        hasMore,
	}, nil
}

// readChangeObject downloads and decodes one changelog object.
func (c *Connector) readChangeObject(ctx context.Context, key string) ([]*record.Record, error) {
	algo, err := algorithmForKey(key)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, err
		}
		return nil, errors.Wrapf(err, errors.ErrorTypeConnectorUnavailable, "failed to read changelog object %s", key)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConnectorUnavailable, "failed to read changelog object %s", key)
	}

	if algo != compression.None {
		decomp, err := compression.NewCompressorFor(string(algo))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to create decompressor")
		}
		if raw, err = decomp.Decompress(raw); err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeSchemaMismatch, "failed to decompress changelog object %s", key)
		}
	}

	return decodeChangeLines(raw, key, c.Logger())
}

func decodeChangeLines(raw []byte, key string, log *zap.Logger) ([]*record.Record, error) {
	var records []*record.Record
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		rec := record.GetRecord()
		if err := jsonpool.Unmarshal(line, rec); err != nil {
			rec.Release()
			log.Warn("skipping unreadable changelog line",
				zap.String("object", key), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeSchemaMismatch, "failed to scan changelog object %s", key)
	}
	return records, nil
}

// Fetch reads the latest-value object for each key. Missing objects
// mean the key does not exist.
func (c *Connector) Fetch(ctx context.Context, keys []string) (map[string]*record.Record, error) {
	out := make(map[string]*record.Record, len(keys))

	for _, key := range keys {
		resp, err := c.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(c.recordObjectKey(key)),
		})
		if err != nil {
			if isNoSuchKey(err) {
				continue
			}
			return nil, errors.Wrapf(err, errors.ErrorTypeConnectorUnavailable, "failed to fetch key %s", key)
		}

		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeConnectorUnavailable, "failed to fetch key %s", key)
		}

		rec := record.GetRecord()
		if err := jsonpool.Unmarshal(raw, rec); err != nil {
			rec.Release()
			return nil, errors.Wrapf(err, errors.ErrorTypeSchemaMismatch, "corrupt record object for key %s", key)
		}
		out[key] = rec
	}

	return out, nil
}

// ApplyChanges uploads one changelog object for the batch, then
// refreshes the latest-value object per record.
func (c *Connector) ApplyChanges(ctx context.Context, records []*record.Record) ([]core.ApplyResult, error) {
	results := make([]core.ApplyResult, len(records))
	valid := make([]int, 0, len(records))
	applied, failed := 0, 0

	var buf bytes.Buffer
	for i, rec := range records {
		if err := c.Validate(rec); err != nil {
			results[i] = core.ApplyResult{Record: rec, Status: core.ApplyStatusFailed, Error: err}
			failed++
			continue
		}
		line, err := jsonpool.Marshal(rec)
		if err != nil {
			results[i] = core.ApplyResult{Record: rec, Status: core.ApplyStatusFailed,
				Error: errors.Wrap(err, errors.ErrorTypeValidation, "failed to encode record")}
			failed++
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
		valid = append(valid, i)
	}

	if len(valid) > 0 {
		content, err := c.comp.Compress(buf.Bytes())
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to compress changelog batch")
		}

		key := c.changeObjectKey()
		_, err = c.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(c.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(content),
			ContentType: aws.String("application/x-ndjson"),
			Metadata: map[string]string{
				"records":     strconv.Itoa(len(valid)),
				"compression": string(c.comp.Algorithm()),
			},
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to upload changelog batch")
		}
		atomic.AddInt64(&c.objectsWritten, 1)

		for _, i := range valid {
			if err := c.applyView(ctx, records[i]); err != nil {
				results[i] = core.ApplyResult{Record: records[i], Status: core.ApplyStatusFailed, Error: err}
				failed++
				continue
			}
			results[i] = core.ApplyResult{Record: records[i], Status: core.ApplyStatusApplied}
			applied++
		}
	}

	c.ObserveApply(applied, failed)
	return results, nil
}

// applyView refreshes the latest-value object for one record.
func (c *Connector) applyView(ctx context.Context, rec *record.Record) error {
	key := c.recordObjectKey(rec.Key)

	if rec.IsDelete() {
		_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return errors.Wrapf(err, errors.ErrorTypeConnectorUnavailable, "failed to delete key %s", rec.Key)
		}
		return nil
	}

	value, err := jsonpool.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "failed to encode record")
	}
	_, err = c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(value),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConnectorUnavailable, "failed to write key %s", rec.Key)
	}
	return nil
}

// GetLatestCheckpoint returns a position covering every changelog
// object currently in the bucket.
func (c *Connector) GetLatestCheckpoint(ctx context.Context) (*checkpoint.Checkpoint, error) {
	var last string

	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(c.changesPrefix()),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to list changelog objects")
		}
		for _, obj := range page.Contents {
			last = aws.ToString(obj.Key)
		}
	}

	if last == "" {
		return checkpoint.New(""), nil
	}

	recs, err := c.readChangeObject(ctx, last)
	if err != nil {
		return nil, err
	}
	return checkpoint.New(position{key: last, consumed: len(recs)}.encode()), nil
}

// Metrics adds bucket state to the base connector metrics.
func (c *Connector) Metrics() map[string]interface{} {
	m := c.BaseConnector.Metrics()
	m["bucket"] = c.bucket
	m["prefix"] = c.prefix
	m["objects_written"] = atomic.LoadInt64(&c.objectsWritten)
	return m
}

func isNoSuchKey(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	if stderrors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	return stderrors.As(err, &nf)
}
