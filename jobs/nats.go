package jobs

import (
	"context"
	"fmt"

	"github.com/meow-io/go-mirror/codec"
	"github.com/meow-io/go-mirror/config"
	"github.com/meow-io/go-mirror/ids"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

type natsEnvelope struct {
	ID        string `cbor:"1,keyasint"`
	AccountID ids.ID `cbor:"2,keyasint"`
	Kind      Kind   `cbor:"3,keyasint"`
	Payload   []byte `cbor:"4,keyasint"`
	CreatedAt int64  `cbor:"5,keyasint"`
}

// NATSQueue publishes jobs to a JetStream subject. The job id is sent as the message id so the stream's
// duplicate window drops redelivered dispatches.
type NATSQueue struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	subject string
	log     *zap.SugaredLogger
}

func NewNATSQueue(c *config.Config) (*NATSQueue, error) {
	log := c.Logger("jobs/nats")
	log.Infof("connecting to nats at %s", c.NatsURL)
	nc, err := nats.Connect(c.NatsURL)
	if err != nil {
		return nil, fmt.Errorf("jobs: could not connect to nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jobs: could not create jetstream context: %w", err)
	}
	return &NATSQueue{nc: nc, js: js, subject: c.NatsSubject, log: log}, nil
}

func (q *NATSQueue) subjectFor(j *Job) string {
	return fmt.Sprintf("%s.%s", q.subject, j.Kind)
}

func (q *NATSQueue) Enqueue(ctx context.Context, jobs ...*Job) error {
	for _, j := range jobs {
		b, err := codec.Marshal(&natsEnvelope{
			ID:        j.ID.String(),
			AccountID: j.AccountID,
			Kind:      j.Kind,
			Payload:   j.Payload,
			CreatedAt: j.CreatedAt.UnixMicro(),
		})
		if err != nil {
			return fmt.Errorf("jobs: error encoding job: %w", err)
		}
		if _, err := q.js.Publish(ctx, q.subjectFor(j), b, jetstream.WithMsgID(j.ID.String())); err != nil {
			return fmt.Errorf("jobs: error publishing %s job: %w", j.Kind, err)
		}
		q.log.Debugf("published %s job %s", j.Kind, j.ID)
	}
	return nil
}

// Purge is a no-op; published jobs belong to the stream and its consumers.
func (q *NATSQueue) Purge(_ context.Context, accountID ids.ID) error {
	q.log.Debugf("not purging published jobs for %s", accountID)
	return nil
}

func (q *NATSQueue) Close() {
	q.nc.Close()
}
