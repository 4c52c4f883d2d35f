//go:build integration

package publisher

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"

	"booru_mirror/internal/domain"
)

type RabbitMQIntegrationSuite struct {
	suite.Suite
	ctx       context.Context
	container *rabbitmq.RabbitMQContainer
	amqpURL   string
	logger    *slog.Logger
}

func (s *RabbitMQIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()
	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	container, err := rabbitmq.Run(s.ctx,
		"rabbitmq:3.13-management-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete").
				WithStartupTimeout(60*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	amqpURL, err := container.AmqpURL(s.ctx)
	s.Require().NoError(err)
	s.amqpURL = amqpURL
}

func (s *RabbitMQIntegrationSuite) TearDownSuite() {
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func TestRabbitMQIntegrationSuite(t *testing.T) {
	suite.Run(t, new(RabbitMQIntegrationSuite))
}

func (s *RabbitMQIntegrationSuite) TestPublisher_Connection() {
	cfg := Config{
		URL:        s.amqpURL,
		Exchange:   "test-exchange",
		RoutingKey: "test-routing-key",
		QueueName:  "test-queue",
	}

	pub, err := NewRabbitMQ(cfg, s.logger)
	s.NoError(err)
	s.NotNil(pub)

	err = pub.Close()
	s.NoError(err)
}

func (s *RabbitMQIntegrationSuite) TestEmit_PublishesEvent() {
	cfg := Config{
		URL:        s.amqpURL,
		Exchange:   "test-exchange-progress",
		RoutingKey: "test-routing-key-progress",
		QueueName:  "test-queue-progress",
	}

	pub, err := NewRabbitMQ(cfg, s.logger)
	s.Require().NoError(err)
	defer pub.Close()

	event := domain.NewEvent(domain.EventProgress, "cats: 2 new posts")
	event.SourceID = 3
	event.SourceName = "cats"
	pub.Emit(s.ctx, event)

	msg := s.consumeMessage(cfg)
	s.Require().NotNil(msg)

	s.Equal("application/json", msg.ContentType)
	s.Equal("progress", msg.Type)

	var received domain.Event
	err = json.Unmarshal(msg.Body, &received)
	s.NoError(err)
	s.Equal(domain.EventProgress, received.Type)
	s.Equal("cats: 2 new posts", received.Message)
	s.Equal(int64(3), received.SourceID)
	s.Equal("cats", received.SourceName)
	s.False(received.Timestamp.IsZero())
}

func (s *RabbitMQIntegrationSuite) TestEmit_RunSequenceKeepsOrder() {
	cfg := Config{
		URL:        s.amqpURL,
		Exchange:   "test-exchange-order",
		RoutingKey: "test-routing-key-order",
		QueueName:  "test-queue-order",
	}

	pub, err := NewRabbitMQ(cfg, s.logger)
	s.Require().NoError(err)
	defer pub.Close()

	pub.Emit(s.ctx, domain.NewEvent(domain.EventStart, ""))
	pub.Emit(s.ctx, domain.NewEvent(domain.EventError, "No API credentials"))
	pub.Emit(s.ctx, domain.NewEvent(domain.EventEnd, ""))

	var types []domain.EventType
	for _, msg := range s.consumeMessages(cfg, 3) {
		var received domain.Event
		s.Require().NoError(json.Unmarshal(msg.Body, &received))
		types = append(types, received.Type)
	}
	s.Equal([]domain.EventType{domain.EventStart, domain.EventError, domain.EventEnd}, types)
}

func (s *RabbitMQIntegrationSuite) TestPublisher_MessagePersistence() {
	cfg := Config{
		URL:        s.amqpURL,
		Exchange:   "test-exchange-persist",
		RoutingKey: "test-routing-key-persist",
		QueueName:  "test-queue-persist",
	}

	pub, err := NewRabbitMQ(cfg, s.logger)
	s.Require().NoError(err)
	defer pub.Close()

	err = pub.Publish(s.ctx, domain.NewEvent(domain.EventEnd, ""))
	s.NoError(err)

	msg := s.consumeMessage(cfg)
	s.Require().NotNil(msg)

	s.Equal(uint8(amqp.Persistent), msg.DeliveryMode)
}

func (s *RabbitMQIntegrationSuite) TestEmit_AfterCloseDoesNotPanic() {
	cfg := Config{
		URL:        s.amqpURL,
		Exchange:   "test-exchange-closed",
		RoutingKey: "test-routing-key-closed",
		QueueName:  "test-queue-closed",
	}

	pub, err := NewRabbitMQ(cfg, s.logger)
	s.Require().NoError(err)
	s.Require().NoError(pub.Close())

	s.NotPanics(func() {
		pub.Emit(s.ctx, domain.NewEvent(domain.EventStart, ""))
	})
	s.Error(pub.Publish(s.ctx, domain.NewEvent(domain.EventStart, "")))
}

func (s *RabbitMQIntegrationSuite) consumeMessage(cfg Config) *amqp.Delivery {
	msgs := s.consumeMessages(cfg, 1)
	if len(msgs) == 0 {
		return nil
	}
	return &msgs[0]
}

func (s *RabbitMQIntegrationSuite) consumeMessages(cfg Config, n int) []amqp.Delivery {
	conn, err := amqp.Dial(s.amqpURL)
	s.Require().NoError(err)
	defer conn.Close()

	ch, err := conn.Channel()
	s.Require().NoError(err)
	defer ch.Close()

	msgs, err := ch.Consume(cfg.QueueName, "", true, false, false, false, nil)
	s.Require().NoError(err)

	var out []amqp.Delivery
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case msg := <-msgs:
			out = append(out, msg)
		case <-timeout:
			s.Fail("Timeout waiting for message")
			return out
		}
	}
	return out
}
