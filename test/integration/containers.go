package integration

import (
	"context"
	"strings"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/redis"
)

// Env is the containerized backing stack for end-to-end saga tests.
type Env struct {
	PG    *postgres.PostgresContainer
	Kafka *kafka.KafkaContainer
	Redis *redis.RedisContainer

	PGURL     string
	KafkaAddr []string
	RedisAddr string
}

func Setup(ctx context.Context) (*Env, error) {
	env := &Env{}

	pgC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("orderflow"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
	)
	if err != nil {
		return nil, err
	}
	env.PG = pgC
	env.PGURL, err = pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		env.Teardown(ctx)
		return nil, err
	}

	kafkaC, err := kafka.Run(ctx,
		"confluentinc/confluent-local:7.5.0",
		kafka.WithClusterID("orderflow-test"),
	)
	if err != nil {
		env.Teardown(ctx)
		return nil, err
	}
	env.Kafka = kafkaC
	env.KafkaAddr, err = kafkaC.Brokers(ctx)
	if err != nil {
		env.Teardown(ctx)
		return nil, err
	}

	redisC, err := redis.Run(ctx, "redis:7-alpine")
	if err != nil {
		env.Teardown(ctx)
		return nil, err
	}
	env.Redis = redisC
	uri, err := redisC.ConnectionString(ctx)
	if err != nil {
		env.Teardown(ctx)
		return nil, err
	}
	env.RedisAddr = strings.TrimPrefix(uri, "redis://")

	return env, nil
}

func (e *Env) Teardown(ctx context.Context) {
	_ = testcontainers.TerminateContainer(e.Redis)
	_ = testcontainers.TerminateContainer(e.Kafka)
	_ = testcontainers.TerminateContainer(e.PG)
}
