package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/bcnelson/instance-rental/internal/logging"
)

// DefaultSubjectPrefix prefixes workflow subjects.
const DefaultSubjectPrefix = "rental.workflow"

// QueueGroup spreads executions across every subscribed server.
const QueueGroup = "rental-workers"

// Connect dials a NATS server with reconnects enabled.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	logger = logging.Ensure(logger).With("component", "nats")
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return nc, nil
}

// Publisher is the part of a NATS connection the trigger uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSTrigger publishes workflow envelopes for a Subscriber to run.
type NATSTrigger struct {
	pub    Publisher
	prefix string
}

// NewNATSTrigger creates a trigger publishing on "{prefix}.{workflow}".
func NewNATSTrigger(pub Publisher, prefix string) *NATSTrigger {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSTrigger{pub: pub, prefix: prefix}
}

// Start publishes the envelope and returns its execution id.
func (t *NATSTrigger) Start(ctx context.Context, name string, in Input) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	env := Envelope{ExecutionID: uuid.NewString(), Workflow: name, Input: in}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to encode workflow envelope: %w", err)
	}
	if err := t.pub.Publish(t.prefix+"."+name, payload); err != nil {
		return "", fmt.Errorf("failed to publish %s workflow for %s: %w", name, in.RentalID, err)
	}
	return env.ExecutionID, nil
}

// Subscriber runs workflow envelopes received from NATS.
type Subscriber struct {
	ctx    context.Context
	runner *Runner
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewSubscriber creates a Subscriber whose executions are bound to ctx.
func NewSubscriber(ctx context.Context, runner *Runner, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		ctx:    ctx,
		runner: runner,
		logger: logging.Ensure(logger).With("component", "nats-subscriber"),
	}
}

// Subscribe joins the worker queue group for every workflow subject.
func (s *Subscriber) Subscribe(nc *nats.Conn, prefix string) (*nats.Subscription, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	sub, err := nc.QueueSubscribe(prefix+".*", QueueGroup, s.Handle)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s.*: %w", prefix, err)
	}
	return sub, nil
}

// Handle decodes one envelope and runs it in the background.
func (s *Subscriber) Handle(msg *nats.Msg) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		s.logger.Error("dropping malformed workflow envelope", "subject", msg.Subject, "error", err)
		return
	}
	if err := validName(env.Workflow); err != nil {
		s.logger.Error("dropping workflow envelope", "subject", msg.Subject, "error", err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.runner.Run(s.ctx, env.Workflow, env.Input); err != nil {
			s.logger.Error("workflow failed", "workflow", env.Workflow, "execution_id", env.ExecutionID,
				"rental_id", env.Input.RentalID, "error", err)
			return
		}
		s.logger.Info("workflow finished", "workflow", env.Workflow, "execution_id", env.ExecutionID)
	}()
}

// Wait blocks until every received execution has returned.
func (s *Subscriber) Wait() {
	s.wg.Wait()
}
