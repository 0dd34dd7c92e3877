// Package bus is the topic-based publish/subscribe transport participants use
// to talk to each other. Delivery is reliable and FIFO per publisher and topic
// only as far as the backend guarantees it; callers must not assume any
// ordering across publishers.
package bus

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// ErrClosed is returned by Publish and Subscribe once the bus is closed.
var ErrClosed = errors.New("bus closed")

// subscriptionCapacity bounds the per-subscriber backlog.
const subscriptionCapacity = 1024

// Message is one delivery on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Bus is implemented by every backend.
type Bus interface {
	// Publish sends payload to every current subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe delivers messages of all given topics on one channel. The
	// channel is closed when ctx is cancelled or the bus is closed.
	Subscribe(ctx context.Context, topics ...string) (<-chan Message, error)
	Close() error
}

// Topics names the five protocol topics under a common prefix.
type Topics struct {
	Presence  string
	Voting    string
	Challenge string
	Solution  string
	Result    string
}

func NewTopics(prefix string) Topics {
	return Topics{
		Presence:  prefix + "init",
		Voting:    prefix + "voting",
		Challenge: prefix + "challenge",
		Solution:  prefix + "solution",
		Result:    prefix + "result",
	}
}

func (t Topics) All() []string {
	return []string{t.Presence, t.Voting, t.Challenge, t.Solution, t.Result}
}

// PublishJSON encodes v as JSON and publishes it.
func PublishJSON(ctx context.Context, b Bus, topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s payload", topic)
	}
	return b.Publish(ctx, topic, payload)
}

// Decode unmarshals a JSON payload.
func Decode(payload []byte, v interface{}) error {
	return errors.Wrap(json.Unmarshal(payload, v), "decode payload")
}
