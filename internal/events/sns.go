package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/shiftdb/shift/internal/state"
)

// TopicPublisher abstracts the AWS SNS client so tests can substitute a fake.
type TopicPublisher interface {
	Publish(ctx context.Context, topicARN, message string) (messageID string, err error)
}

// SNSSink publishes events to an SNS topic, one message per event.
type SNSSink struct {
	pub      TopicPublisher
	topicARN string
	logger   *slog.Logger
	queue    chan state.Event
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewSNSSink creates an SNSSink and starts its background worker.
func NewSNSSink(pub TopicPublisher, topicARN string, logger *slog.Logger) *SNSSink {
	s := &SNSSink{
		pub:      pub,
		topicARN: topicARN,
		logger:   logger,
		queue:    make(chan state.Event, queueSize),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Publish adds an event to the delivery queue.
// Non-blocking: drops events if the queue is full.
func (s *SNSSink) Publish(e state.Event) {
	select {
	case s.queue <- e:
	default:
		s.logger.Warn("sns queue full, dropping event",
			"runID", e.RunID, "kind", e.Kind, "seq", e.Seq)
	}
}

// Close signals the worker to stop and waits for it to finish.
func (s *SNSSink) Close() {
	close(s.done)
	s.wg.Wait()
}

func (s *SNSSink) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case e, ok := <-s.queue:
			if !ok {
				return
			}
			s.deliver(e)
		}
	}
}

func (s *SNSSink) deliver(e state.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("failed to marshal event payload", "error", err)
		return
	}
	id, err := s.pub.Publish(context.Background(), s.topicARN, string(payload))
	if err != nil {
		s.logger.Warn("sns publish failed",
			"topic", s.topicARN, "runID", e.RunID, "seq", e.Seq, "error", err)
		return
	}
	s.logger.Debug("sns event published", "messageID", id, "seq", e.Seq)
}

// snsClientAdapter wraps the AWS SNS client to implement TopicPublisher.
type snsClientAdapter struct {
	client *sns.Client
}

// NewTopicPublisher builds a TopicPublisher backed by the AWS SDK using the
// default credential chain.
func NewTopicPublisher(region string) (TopicPublisher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &snsClientAdapter{client: sns.NewFromConfig(cfg)}, nil
}

func (a *snsClientAdapter) Publish(ctx context.Context, topicARN, message string) (string, error) {
	out, err := a.client.Publish(ctx, &sns.PublishInput{
		TopicArn: &topicARN,
		Message:  &message,
	})
	if err != nil {
		return "", err
	}
	if out.MessageId == nil {
		return "", nil
	}
	return *out.MessageId, nil
}
