package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/meow-io/go-mirror/codec"
	"github.com/meow-io/go-mirror/config"
	"github.com/meow-io/go-mirror/ids"
	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"
)

func newNATSQueue(t *testing.T) (*NATSQueue, jetstream.Stream) {
	require := require.New(t)
	opts := natsserver.DefaultTestOptions
	opts.Port = server.RANDOM_PORT
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	s := natsserver.RunServer(&opts)
	t.Cleanup(s.Shutdown)

	q, err := NewNATSQueue(config.NewConfig(config.WithNATS(s.ClientURL(), "test.jobs")))
	require.Nil(err)
	t.Cleanup(q.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := q.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:       "JOBS",
		Subjects:   []string{"test.jobs.>"},
		Duplicates: time.Minute,
	})
	require.Nil(err)
	return q, stream
}

func TestNATSPublishesToKindSubject(t *testing.T) {
	require := require.New(t)
	q, stream := newNATSQueue(t)
	ctx := context.Background()
	account, other := ids.NewID(), ids.NewID()

	j, err := New(account, KindRefreshProfile, &RefreshProfile{Identity: other})
	require.Nil(err)
	require.Nil(q.Enqueue(ctx, j))

	msg, err := stream.GetLastMsgForSubject(ctx, "test.jobs."+string(KindRefreshProfile))
	require.Nil(err)
	env := &natsEnvelope{}
	require.Nil(codec.Unmarshal(msg.Data, env))
	require.Equal(j.ID.String(), env.ID)
	require.Equal(account, env.AccountID)
	require.Equal(KindRefreshProfile, env.Kind)

	decoded := &Job{Payload: env.Payload}
	payload := &RefreshProfile{}
	require.Nil(decoded.Decode(payload))
	require.Equal(other, payload.Identity)
}

func TestNATSDropsRedeliveredJobs(t *testing.T) {
	require := require.New(t)
	q, stream := newNATSQueue(t)
	ctx := context.Background()
	account := ids.NewID()

	first, err := NewKeyed(account, KindDeliveryReceipt, "guid-1", &DeliveryReceipt{Timestamps: []uint64{1}})
	require.Nil(err)
	again, err := NewKeyed(account, KindDeliveryReceipt, "guid-1", &DeliveryReceipt{Timestamps: []uint64{1}})
	require.Nil(err)
	other, err := NewKeyed(account, KindDeliveryReceipt, "guid-2", &DeliveryReceipt{Timestamps: []uint64{2}})
	require.Nil(err)
	require.Equal(first.ID, again.ID)

	require.Nil(q.Enqueue(ctx, first))
	require.Nil(q.Enqueue(ctx, again, other))

	info, err := stream.Info(ctx)
	require.Nil(err)
	require.Equal(uint64(2), info.State.Msgs)
	require.Nil(q.Purge(ctx, account))
}
