//go:build integration

package submission

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/redpanda"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/pitabwire/portal/model"
)

func TestPgService_idempotentPerOwner(t *testing.T) {
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("portal"),
		postgres.WithUsername("portal"),
		postgres.WithPassword("portal"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	svc := NewPgService(pool)
	require.NoError(t, svc.EnsureSchema(ctx))

	_, err = svc.Find(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	first, err := svc.Submit(ctx, "u1", model.Document{model.StepPersonal: {"fullName": "Ali"}})
	require.NoError(t, err)
	assert.Regexp(t, referencePattern, first.ReferenceID)

	second, err := svc.Submit(ctx, "u1", model.Document{})
	require.NoError(t, err)
	assert.Equal(t, first.ReferenceID, second.ReferenceID)
	assert.NoError(t, svc.HealthCheck(ctx))
}

func TestKafkaPublisher_againstRedpanda(t *testing.T) {
	ctx := context.Background()

	container, err := redpanda.Run(ctx, "docker.redpanda.com/redpandadata/redpanda:v24.2.4")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	broker, err := container.KafkaSeedBroker(ctx)
	require.NoError(t, err)

	cl, err := NewKafkaClient([]string{broker}, "portal-test")
	require.NoError(t, err)
	t.Cleanup(cl.Close)

	const topic = "registration.submitted"
	require.NoError(t, EnsureTopic(ctx, cl, topic, 1, 1))
	require.NoError(t, EnsureTopic(ctx, cl, topic, 1, 1), "second create must tolerate existing topic")

	pub := NewKafkaPublisher(cl, topic)
	evt := NewSubmittedEvent("u1", model.SubmissionResult{ReferenceID: "REG-1", Status: model.SubmissionStatusPendingReview})
	require.NoError(t, pub.Publish(ctx, evt))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	t.Cleanup(consumer.Close)

	pollCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	fetches := consumer.PollFetches(pollCtx)
	require.Empty(t, fetches.Errors())

	records := fetches.Records()
	require.NotEmpty(t, records)
	assert.Equal(t, []byte("u1"), records[0].Key)
}
