// Package kafka provides a connector that treats a Kafka topic as a
// sync endpoint. Applying records produces keyed messages (deletes
// become tombstones), and reading consumes through a consumer group
// into an inbox that ListChanges drains. Because the group's committed
// offsets govern resumption, checkpoint positions here only count
// delivered records; handing a stale one back is harmless.
//
// The connector also keeps a latest-value view of every key it has
// produced or consumed, which is what Fetch answers from. That is the
// compacted-topic reading of "current state" and it is what conflict
// detection compares incoming records against.
package kafka

import (
	"context"
	"crypto/tls"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/driftsync/driftsync/pkg/checkpoint"
	"github.com/driftsync/driftsync/pkg/config"
	"github.com/driftsync/driftsync/pkg/connector/base"
	"github.com/driftsync/driftsync/pkg/connector/core"
	"github.com/driftsync/driftsync/pkg/errors"
	jsonpool "github.com/driftsync/driftsync/pkg/json"
	"github.com/driftsync/driftsync/pkg/observability"
	"github.com/driftsync/driftsync/pkg/record"
)

// Type is the registry name of this connector.
const Type = "kafka"

const (
	headerOperation   = "operation"
	headerContentType = "content-type"
	contentTypeJSON   = "application/json"

	// inboxLimit bounds consumed-but-undelivered records; the consumer
	// blocks once the inbox is full so Kafka holds the backlog.
	inboxLimit = 8192
)

// Connector produces to and consumes from one Kafka topic.
type Connector struct {
	*base.BaseConnector

	brokers []string
	topic   string
	group   string

	client   sarama.Client
	producer sarama.SyncProducer

	consumerGroup sarama.ConsumerGroup
	consuming     bool
	consumerWG    sync.WaitGroup

	mu        sync.RWMutex
	view      map[string]*record.Record
	inbox     []*record.Record
	delivered int64
	inboxFree *sync.Cond

	subMu       sync.Mutex
	subscribers map[chan core.ChangeNotification]chan error
}

// New creates an uninitialized kafka connector.
func New(name string) *Connector {
	c := &Connector{
		BaseConnector: base.NewBaseConnector(name, Type),
		view:          make(map[string]*record.Record),
		subscribers:   make(map[chan core.ChangeNotification]chan error),
	}
	c.inboxFree = sync.NewCond(&c.mu)
	return c
}

// Initialize connects the client and sync producer.
//
// Settings:
//
//	brokers      comma-separated broker list (required)
//	topic        topic carrying the records (required)
//	group        consumer group id (default driftsync-<name>)
//	acks         all | 1 | 0 (default all)
//	compression  none | gzip | snappy | lz4 | zstd (default none)
//	offset_reset earliest | latest (default earliest)
//
// SASL credentials come from security.credentials as sasl_mechanism,
// sasl_username and sasl_password.
func (c *Connector) Initialize(ctx context.Context, cfg *config.ConnectorConfig) error {
	if err := c.BaseConnector.Initialize(ctx, cfg); err != nil {
		return err
	}

	if cfg.Settings["brokers"] == "" {
		return errors.New(errors.ErrorTypeConfig, "kafka connector requires a brokers setting")
	}
	c.brokers = strings.Split(cfg.Settings["brokers"], ",")
	for i := range c.brokers {
		c.brokers[i] = strings.TrimSpace(c.brokers[i])
	}

	c.topic = cfg.Settings["topic"]
	if c.topic == "" {
		return errors.New(errors.ErrorTypeConfig, "kafka connector requires a topic setting")
	}

	c.group = cfg.Settings["group"]
	if c.group == "" {
		c.group = "driftsync-" + c.Name()
	}

	saramaCfg, err := c.buildSaramaConfig(cfg)
	if err != nil {
		return err
	}

	c.client, err = sarama.NewClient(c.brokers, saramaCfg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to create kafka client")
	}

	c.producer, err = sarama.NewSyncProducerFromClient(c.client)
	if err != nil {
		c.client.Close()
		return errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to create sync producer")
	}

	c.SetHealthCheck(func(ctx context.Context) error {
		return c.client.RefreshMetadata(c.topic)
	})

	c.Logger().Info("kafka connector initialized",
		zap.Strings("brokers", c.brokers),
		zap.String("topic", c.topic),
		zap.String("group", c.group))

	return nil
}

func (c *Connector) buildSaramaConfig(cfg *config.ConnectorConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.ClientID = "driftsync-" + c.Name()

	if cfg.Performance.BufferSize > 0 {
		sc.ChannelBufferSize = cfg.Performance.BufferSize
	}
	if cfg.Timeouts.Connection > 0 {
		sc.Net.DialTimeout = cfg.Timeouts.Connection
	}
	if cfg.Timeouts.Request > 0 {
		sc.Net.ReadTimeout = cfg.Timeouts.Request
		sc.Net.WriteTimeout = cfg.Timeouts.Request
	}

	switch cfg.Settings["acks"] {
	case "", "all", "-1":
		sc.Producer.RequiredAcks = sarama.WaitForAll
	case "1":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	case "0":
		sc.Producer.RequiredAcks = sarama.NoResponse
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "invalid acks setting %q", cfg.Settings["acks"])
	}
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true

	switch cfg.Settings["compression"] {
	case "", "none":
		sc.Producer.Compression = sarama.CompressionNone
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "invalid compression setting %q", cfg.Settings["compression"])
	}

	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	// Group offsets are a coarse restart hint; sync progress is tracked
	// by checkpoints, so commits can be paced leisurely.
	if cfg.Performance.FlushInterval > 0 {
		sc.Consumer.Offsets.AutoCommit.Interval = cfg.Performance.FlushInterval
	}
	switch cfg.Settings["offset_reset"] {
	case "", "earliest":
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	case "latest":
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "invalid offset_reset setting %q", cfg.Settings["offset_reset"])
	}

	if cfg.Security.EnableTLS {
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = &tls.Config{InsecureSkipVerify: cfg.Security.TLSSkipVerify}
	}

	if mech := cfg.Security.Credentials["sasl_mechanism"]; mech != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = cfg.Security.Credentials["sasl_username"]
		sc.Net.SASL.Password = cfg.Security.Credentials["sasl_password"]
		switch mech {
		case "PLAIN":
			sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		case "SCRAM-SHA-256":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "SCRAM-SHA-512":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		default:
			return nil, errors.Newf(errors.ErrorTypeConfig, "invalid sasl_mechanism %q", mech)
		}
	}

	return sc, nil
}

// ListChanges drains consumed records from the inbox, oldest first.
// The checkpoint argument is validated but resumption is governed by
// the consumer group's committed offsets.
func (c *Connector) ListChanges(ctx context.Context, since *checkpoint.Checkpoint, limit int) (*core.ChangeBatch, error) {
	if since != nil && since.Position != "" {
		if _, err := strconv.ParseInt(since.Position, 10, 64); err != nil {
			return nil, errors.Newf(errors.ErrorTypeValidation, "invalid checkpoint position %q", since.Position)
		}
	}

	if limit <= 0 {
		limit = c.Config().Performance.BatchSize
	}

	c.mu.Lock()
	n := limit
	if n > len(c.inbox) {
		n = len(c.inbox)
	}
	records := make([]*record.Record, n)
	copy(records, c.inbox[:n])
	c.inbox = c.inbox[n:]
	c.delivered += int64(n)
	next := c.delivered
	hasMore := len(c.inbox) > 0
	c.inboxFree.Broadcast()
	c.mu.Unlock()

	c.ObserveRead(n)

	return &core.ChangeBatch{
		Records:        records,
		NextCheckpoint: checkpoint.New(strconv.FormatInt(next, 10)),
		HasMore:        hasMore,
	}, nil
}

// Fetch answers from the latest-value view of the topic.
func (c *Connector) Fetch(ctx context.Context, keys []string) (map[string]*record.Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]*record.Record, len(keys))
	for _, key := range keys {
		if rec, ok := c.view[key]; ok {
			out[key] = rec.Clone()
		}
	}
	return out, nil
}

// ApplyChanges produces one keyed message per record. Deletes become
// tombstones so a compacted topic drops the key.
func (c *Connector) ApplyChanges(ctx context.Context, records []*record.Record) ([]core.ApplyResult, error) {
	results := make([]core.ApplyResult, len(records))
	applied, failed := 0, 0

	traceHeaders := map[string]string{}
	observability.InjectTraceContext(ctx, traceHeaders)

	for i, rec := range records {
		if err := c.Validate(rec); err != nil {
			results[i] = core.ApplyResult{Record: rec, Status: core.ApplyStatusFailed, Error: err}
			failed++
			continue
		}

		msg, err := c.buildMessage(rec, traceHeaders)
		if err != nil {
			results[i] = core.ApplyResult{Record: rec, Status: core.ApplyStatusFailed, Error: err}
			failed++
			continue
		}

		if _, _, err := c.producer.SendMessage(msg); err != nil {
			results[i] = core.ApplyResult{Record: rec, Status: core.ApplyStatusFailed,
				Error: errors.Wrapf(err, errors.ErrorTypeConnectorUnavailable, "failed to produce key %s", rec.Key)}
			failed++
			continue
		}

		c.updateView(rec)
		results[i] = core.ApplyResult{Record: rec, Status: core.ApplyStatusApplied}
		applied++
	}

	c.ObserveApply(applied, failed)
	return results, nil
}

func (c *Connector) buildMessage(rec *record.Record, traceHeaders map[string]string) (*sarama.ProducerMessage, error) {
	headers := []sarama.RecordHeader{
		{Key: []byte(headerOperation), Value: []byte(rec.Operation)},
		{Key: []byte(headerContentType), Value: []byte(contentTypeJSON)},
	}
	for k, v := range traceHeaders {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	msg := &sarama.ProducerMessage{
		Topic:     c.topic,
		Key:       sarama.StringEncoder(rec.Key),
		Headers:   headers,
		Timestamp: rec.Timestamp,
	}

	if !rec.IsDelete() {
		value, err := jsonpool.Marshal(rec)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "failed to encode record")
		}
		msg.Value = sarama.ByteEncoder(value)
	}

	return msg, nil
}

func (c *Connector) updateView(rec *record.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec.IsDelete() {
		delete(c.view, rec.Key)
		return
	}
	c.view[rec.Key] = rec.Clone()
}

// GetLatestCheckpoint reports how many records have been delivered.
func (c *Connector) GetLatestCheckpoint(ctx context.Context) (*checkpoint.Checkpoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return checkpoint.New(strconv.FormatInt(c.delivered, 10)), nil
}

// Subscribe starts the consumer group on first use and returns a
// stream of change notifications. The stream ends when ctx is
// cancelled or the connector closes.
func (c *Connector) Subscribe(ctx context.Context) (*core.ChangeStream, error) {
	if err := c.startConsumer(); err != nil {
		return nil, err
	}

	buf := c.Config().Performance.BufferSize
	if buf <= 0 {
		buf = 16
	}
	notifications := make(chan core.ChangeNotification, buf)
	errs := make(chan error, 1)

	c.subMu.Lock()
	c.subscribers[notifications] = errs
	c.subMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.Context().Done():
		}
		c.subMu.Lock()
		if e, ok := c.subscribers[notifications]; ok {
			delete(c.subscribers, notifications)
			close(notifications)
			close(e)
		}
		c.subMu.Unlock()
	}()

	return &core.ChangeStream{Notifications: notifications, Errors: errs}, nil
}

func (c *Connector) startConsumer() error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.consuming {
		return nil
	}

	cg, err := sarama.NewConsumerGroupFromClient(c.group, c.client)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to create consumer group")
	}
	c.consumerGroup = cg
	c.consuming = true

	ctx := c.Context()
	c.consumerWG.Add(1)
	go func() {
		defer c.consumerWG.Done()
		handler := &groupHandler{c: c}
		for {
			if err := cg.Consume(ctx, []string{c.topic}, handler); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.Logger().Error("consumer group error", zap.Error(err))
				c.notifyError(errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "consumer group failed"))
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	return nil
}

// enqueue parks a consumed record in the inbox, blocking while the
// inbox is full so consumption backpressures into Kafka.
func (c *Connector) enqueue(ctx context.Context, rec *record.Record) bool {
	c.mu.Lock()
	for len(c.inbox) >= inboxLimit {
		if ctx.Err() != nil || c.Context().Err() != nil {
			c.mu.Unlock()
			return false
		}
		c.inboxFree.Wait()
	}
	c.inbox = append(c.inbox, rec)
	if rec.IsDelete() {
		delete(c.view, rec.Key)
	} else {
		c.view[rec.Key] = rec.Clone()
	}
	c.mu.Unlock()
	return true
}

func (c *Connector) notify(count int) {
	if count == 0 {
		return
	}
	note := core.ChangeNotification{Count: count, Timestamp: time.Now().UTC()}
	c.subMu.Lock()
	for ch := range c.subscribers {
		select {
		case ch <- note:
		default:
			// subscriber is behind; a pending notification already covers it
		}
	}
	c.subMu.Unlock()
}

func (c *Connector) notifyError(err error) {
	c.subMu.Lock()
	for _, errs := range c.subscribers {
		select {
		case errs <- err:
		default:
		}
	}
	c.subMu.Unlock()
}

// decodeMessage turns a consumed Kafka message back into a record. A
// nil value is a tombstone and becomes a delete for the message key.
func decodeMessage(msg *sarama.ConsumerMessage) (*record.Record, error) {
	if len(msg.Value) == 0 {
		rec := record.NewAt(string(msg.Key), record.OpDelete, nil, msg.Timestamp)
		return rec, nil
	}

	rec := record.GetRecord()
	if err := jsonpool.Unmarshal(msg.Value, rec); err != nil {
		rec.Release()
		return nil, errors.Wrap(err, errors.ErrorTypeSchemaMismatch, "failed to decode message")
	}
	if rec.Key == "" {
		rec.Key = string(msg.Key)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = msg.Timestamp
	}
	return rec, nil
}

// Close shuts the consumer, producer and client down in that order.
func (c *Connector) Close(ctx context.Context) error {
	if err := c.BaseConnector.Close(ctx); err != nil {
		return err
	}

	// Wake any consumer blocked on a full inbox so the group can drain.
	c.mu.Lock()
	c.inboxFree.Broadcast()
	c.mu.Unlock()

	if c.consumerGroup != nil {
		if err := c.consumerGroup.Close(); err != nil {
			c.Logger().Error("failed to close consumer group", zap.Error(err))
		}
	}
	c.consumerWG.Wait()

	c.subMu.Lock()
	for ch, errs := range c.subscribers {
		delete(c.subscribers, ch)
		close(ch)
		close(errs)
	}
	c.subMu.Unlock()

	if c.producer != nil {
		if err := c.producer.Close(); err != nil {
			c.Logger().Error("failed to close producer", zap.Error(err))
		}
	}
	if c.client != nil {
		if err := c.client.Close(); err != nil {
			c.Logger().Error("failed to close kafka client", zap.Error(err))
		}
	}

	return nil
}

// Metrics adds topic state to the base connector metrics.
func (c *Connector) Metrics() map[string]interface{} {
	m := c.BaseConnector.Metrics()
	c.mu.RLock()
	m["inbox_depth"] = len(c.inbox)
	m["view_size"] = len(c.view)
	m["records_delivered"] = c.delivered
	c.mu.RUnlock()
	m["topic"] = c.topic
	m["group"] = c.group
	return m
}

// groupHandler adapts the connector to sarama's consumer group
// callbacks.
type groupHandler struct {
	c *Connector
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			rec, err := decodeMessage(msg)
			if err != nil {
				h.c.Logger().Warn("skipping undecodable message",
					zap.String("topic", msg.Topic),
					zap.Int32("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err))
				session.MarkMessage(msg, "")
				continue
			}

			if !h.c.enqueue(session.Context(), rec) {
				return nil
			}
			session.MarkMessage(msg, "")
			h.c.notify(1)

		case <-session.Context().Done():
			return nil
		}
	}
}
