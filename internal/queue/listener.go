// Package queue feeds Key Vault notifications from an Azure Storage queue into
// a handler, moving messages that keep failing to a poison queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	dserrors "github.com/systmms/kvrotate/internal/errors"
	"github.com/systmms/kvrotate/internal/logging"
	"github.com/systmms/kvrotate/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultQueueName is the queue the Event Grid subscription writes to.
	DefaultQueueName = "kv-secrets-near-expiry"
	// PoisonSuffix is appended to the queue name for failed messages.
	PoisonSuffix = "-poison"
)

// MessageAPI is the part of *azqueue.QueueClient the listener reads from.
type MessageAPI interface {
	DequeueMessages(ctx context.Context, o *azqueue.DequeueMessagesOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// PoisonAPI is the part of *azqueue.QueueClient used for the poison queue.
type PoisonAPI interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

var (
	_ MessageAPI = (*azqueue.QueueClient)(nil)
	_ PoisonAPI  = (*azqueue.QueueClient)(nil)
)

// Handler processes one notification body. A nil error deletes the message.
type Handler func(ctx context.Context, body []byte) error

// Options tunes a Listener.
type Options struct {
	BatchSize         int32
	VisibilityTimeout time.Duration
	Concurrency       int
	MaxDequeueCount   int64
	PollInterval      time.Duration
	MaxPollInterval   time.Duration
	Encoding          Encoding
}

// DefaultOptions mirrors the Azure Functions queue trigger defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize:         16,
		VisibilityTimeout: 10 * time.Minute,
		Concurrency:       8,
		MaxDequeueCount:   5,
		PollInterval:      time.Second,
		MaxPollInterval:   time.Minute,
		Encoding:          EncodingAuto,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.BatchSize > 32 {
		o.BatchSize = 32
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = d.VisibilityTimeout
	}
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.MaxDequeueCount <= 0 {
		o.MaxDequeueCount = d.MaxDequeueCount
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.MaxPollInterval < o.PollInterval {
		o.MaxPollInterval = o.PollInterval
	}
	if o.Encoding == "" {
		o.Encoding = d.Encoding
	}
	return o
}

// Listener polls a queue and hands each message to a Handler.
type Listener struct {
	messages MessageAPI
	poison   PoisonAPI
	handler  Handler
	opts     Options
	logger   *logging.Logger
	metrics  *metrics.RotationMetrics
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewListener creates a Listener. poison may be nil, in which case messages
// that exhaust their dequeue count are deleted after being logged.
func NewListener(messages MessageAPI, poison PoisonAPI, handler Handler, opts Options, logger *logging.Logger) *Listener {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Listener{
		messages: messages,
		poison:   poison,
		handler:  handler,
		opts:     opts.withDefaults(),
		logger:   logger,
		metrics:  metrics.NewRotationMetrics(),
		sleep:    sleepCtx,
	}
}

// Run polls until ctx is cancelled. An empty or failing poll backs off from
// PollInterval, doubling up to MaxPollInterval.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info("queue listener started",
		zap.Int32("batch_size", l.opts.BatchSize),
		zap.Int("concurrency", l.opts.Concurrency),
		zap.Int64("max_dequeue_count", l.opts.MaxDequeueCount))

	delay := l.opts.PollInterval
	for {
		if ctx.Err() != nil {
			l.logger.Info("queue listener stopped")
			return nil
		}

		n, err := l.Poll(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			l.logger.Warn("dequeue failed",
				zap.String("error_kind", dserrors.Kind(err)),
				zap.Duration("retry_in", delay),
				zap.Error(err))
		case err == nil && n > 0:
			delay = l.opts.PollInterval
			continue
		}

		if err := l.sleep(ctx, delay); err != nil {
			l.logger.Info("queue listener stopped")
			return nil
		}
		delay = min(delay*2, l.opts.MaxPollInterval)
	}
}

// Poll dequeues one batch and processes it, returning how many messages were
// received.
func (l *Listener) Poll(ctx context.Context) (int, error) {
	resp, err := l.messages.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{
		NumberOfMessages:  to.Ptr(l.opts.BatchSize),
		VisibilityTimeout: to.Ptr(int32(l.opts.VisibilityTimeout / time.Second)),
	})
	if err != nil {
		return 0, dserrors.Classify("queue", "dequeue", "queue", "", err)
	}

	// Handlers outlive ctx, bounded by the visibility timeout. Messages not
	// yet started when ctx ends are left to reappear.
	work := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(l.opts.Concurrency)
	for _, msg := range resp.Messages {
		if msg == nil {
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				l.logger.Info("stopping, message left for redelivery", zap.String("message_id", deref(msg.MessageID)))
				return nil
			}
			hctx, cancel := context.WithTimeout(work, l.opts.VisibilityTimeout)
			defer cancel()
			l.process(hctx, msg)
			return nil
		})
	}
	_ = g.Wait()
	return len(resp.Messages), nil
}

func (l *Listener) process(ctx context.Context, msg *azqueue.DequeuedMessage) {
	id := deref(msg.MessageID)
	count := int64(0)
	if msg.DequeueCount != nil {
		count = *msg.DequeueCount
	}
	log := l.logger.With(zap.String("message_id", id), zap.Int64("dequeue_count", count))

	text := deref(msg.MessageText)
	body, err := DecodeText(text, l.opts.Encoding)
	if err != nil {
		log.Error("undecodable message", zap.Error(err))
		l.moveToPoison(ctx, log, msg, text)
		l.metrics.RecordQueueMessage(metrics.QueueInvalid)
		return
	}

	if err := l.handler(ctx, body); err != nil {
		if count >= l.opts.MaxDequeueCount {
			log.Error("message exhausted its dequeue count", zap.Error(err))
			l.moveToPoison(ctx, log, msg, text)
			l.metrics.RecordQueueMessage(metrics.QueuePoisoned)
			return
		}
		log.Warn("message left for redelivery",
			zap.Bool("retryable", dserrors.IsRetryable(err)),
			zap.Error(err))
		l.metrics.RecordQueueMessage(metrics.QueueRetried)
		return
	}

	if err := l.delete(ctx, msg); err != nil {
		log.Warn("delete after success failed, message will be redelivered", zap.Error(err))
	}
	l.metrics.RecordQueueMessage(metrics.QueueProcessed)
}

func (l *Listener) moveToPoison(ctx context.Context, log *logging.Logger, msg *azqueue.DequeuedMessage, text string) {
	ctx = context.WithoutCancel(ctx)
	if l.poison != nil {
		if _, err := l.poison.EnqueueMessage(ctx, text, nil); err != nil {
			log.Error("poison enqueue failed, message left for redelivery", zap.Error(err))
			return
		}
	}
	if err := l.delete(ctx, msg); err != nil {
		log.Warn("delete after poisoning failed", zap.Error(err))
	}
}

func (l *Listener) delete(ctx context.Context, msg *azqueue.DequeuedMessage) error {
	_, err := l.messages.DeleteMessage(ctx, deref(msg.MessageID), deref(msg.PopReceipt), nil)
	return err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Clients holds the trigger queue and its poison queue.
type Clients struct {
	Messages *azqueue.QueueClient
	Poison   *azqueue.QueueClient
}

// NewClients connects to queueName and queueName-poison using a storage
// connection string.
func NewClients(connectionString, queueName string, opts *azqueue.ClientOptions) (*Clients, error) {
	if queueName == "" {
		queueName = DefaultQueueName
	}
	messages, err := azqueue.NewQueueClientFromConnectionString(connectionString, queueName, opts)
	if err != nil {
		return nil, dserrors.ConfigError{
			Field:      "queue.connection_string",
			Message:    fmt.Sprintf("cannot create queue client: %v", err),
			Suggestion: "Set AzureWebJobsStorage or KVROTATE_QUEUE_CONNECTION__STRING to a storage connection string",
		}
	}
	poison, err := azqueue.NewQueueClientFromConnectionString(connectionString, queueName+PoisonSuffix, opts)
	if err != nil {
		return nil, dserrors.ConfigError{Field: "queue.connection_string", Message: err.Error()}
	}
	return &Clients{Messages: messages, Poison: poison}, nil
}

// NewClientsWithCredential connects to queueName and queueName-poison under a
// queue service URL using an Entra ID credential.
func NewClientsWithCredential(serviceURL, queueName string, cred azcore.TokenCredential, opts *azqueue.ClientOptions) (*Clients, error) {
	if queueName == "" {
		queueName = DefaultQueueName
	}
	base := strings.TrimSuffix(serviceURL, "/")
	messages, err := azqueue.NewQueueClient(base+"/"+queueName, cred, opts)
	if err != nil {
		return nil, dserrors.ConfigError{Field: "queue.service_url", Value: serviceURL, Message: err.Error()}
	}
	poison, err := azqueue.NewQueueClient(base+"/"+queueName+PoisonSuffix, cred, opts)
	if err != nil {
		return nil, dserrors.ConfigError{Field: "queue.service_url", Value: serviceURL, Message: err.Error()}
	}
	return &Clients{Messages: messages, Poison: poison}, nil
}

// EnsurePoisonQueue creates the poison queue if it does not exist yet.
func (c *Clients) EnsurePoisonQueue(ctx context.Context) error {
	_, err := c.Poison.Create(ctx, nil)
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusConflict {
		return nil
	}
	if err != nil {
		return dserrors.Classify("queue", "create", "queue", "poison", err)
	}
	return nil
}
