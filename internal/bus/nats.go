// Package bus wraps the NATS connection used to dispatch word count jobs.
// Jobs travel over a JetStream work-queue stream; events use core NATS.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tendant/simple-wordcounter/pkg/schema"
)

// Config names the stream, subject and durable consumer for jobs.
type Config struct {
	URL      string
	Stream   string
	Subject  string
	Consumer string
	AckWait  time.Duration
}

// Delivery is one message handed to a Handler. It must be acked exactly once.
// InProgress resets the redelivery timer while the message is being handled.
type Delivery interface {
	Data() []byte
	Ack() error
	InProgress() error
}

// Handler processes one delivery.
type Handler func(ctx context.Context, d Delivery)

type Client struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	cfg Config
}

// Connect dials NATS and ensures the job stream exists.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}
	return &Client{nc: nc, js: js, cfg: cfg}, nil
}

func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

// Healthy reports whether the connection is currently established.
func (c *Client) Healthy() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// PublishJob enqueues a job. The job id doubles as the message id so a
// repeated publish inside the stream's duplicate window is dropped.
func (c *Client) PublishJob(ctx context.Context, jobID string) error {
	b, err := json.Marshal(schema.JobMessage{JobID: jobID})
	if err != nil {
		return err
	}
	if _, err := c.js.Publish(ctx, c.cfg.Subject, b, jetstream.WithMsgID(jobID)); err != nil {
		return fmt.Errorf("publish job %s: %w", jobID, err)
	}
	return nil
}

func (c *Client) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}

// Consume pulls one message at a time from the durable consumer and passes
// it to h. It returns nil when ctx is cancelled and an error when the
// message stream fails.
func (c *Client) Consume(ctx context.Context, h Handler) error {
	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       c.cfg.Consumer,
		FilterSubject: c.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.cfg.AckWait,
		MaxAckPending: 1,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer %s: %w", c.cfg.Consumer, err)
	}

	it, err := cons.Messages(jetstream.PullMaxMessages(1))
	if err != nil {
		return fmt.Errorf("open message iterator: %w", err)
	}
	defer it.Stop()

	stop := context.AfterFunc(ctx, it.Stop)
	defer stop()

	for {
		msg, err := it.Next()
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) && ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("next message: %w", err)
		}
		h(ctx, msg)
	}
}
