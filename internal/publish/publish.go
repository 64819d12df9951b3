// Package publish fans the mount's live state out over MQTT.
package publish

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/w1xm/mount_interface/rotator"
)

// publishTimeout bounds how long one publish may wait for the broker.
const publishTimeout = 5 * time.Second

// Publisher sends the most recent mount state to a retained MQTT topic.
// Updates arriving faster than the broker accepts them are coalesced.
type Publisher struct {
	client mqtt.Client
	topic  string
	log    *zap.Logger

	mu      sync.Mutex
	pending chan rotator.State
}

// Connect dials broker and returns a Publisher for topic.
func Connect(broker, clientID, topic string, log *zap.Logger) (*Publisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, errors.Wrapf(token.Error(), "connecting to %s", broker)
	}
	log.Info("connected to MQTT", zap.String("broker", broker), zap.String("topic", topic))
	return New(client, topic, log), nil
}

// New wraps an already connected client.
func New(client mqtt.Client, topic string, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{
		client:  client,
		topic:   topic,
		log:     log,
		pending: make(chan rotator.State, 1),
	}
}

// Update queues state for Run to publish, replacing anything not yet sent.
// It never blocks, so it is safe to use as a mount status callback.
func (p *Publisher) Update(state rotator.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.pending:
	default:
	}
	p.pending <- state
}

// Publish sends state immediately.
func (p *Publisher) Publish(state rotator.State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "encoding state")
	}
	token := p.client.Publish(p.topic, 0, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.Errorf("publishing to %s: timed out after %v", p.topic, publishTimeout)
	}
	return errors.Wrapf(token.Error(), "publishing to %s", p.topic)
}

// Run publishes queued updates until ctx is done, then disconnects.
func (p *Publisher) Run(ctx context.Context) error {
	defer p.client.Disconnect(250)
	for {
		select {
		case <-ctx.Done():
			return nil
		case state := <-p.pending:
			if err := p.Publish(state); err != nil {
				p.log.Warn("dropping state update", zap.Error(err))
			}
		}
	}
}
