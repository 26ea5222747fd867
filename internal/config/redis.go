package config

import (
	"github.com/hibiken/asynq"
	"github.com/urfave/cli/v3"
)

type Redis struct {
	Addr string
}

func (c *Redis) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "redis-addr",
			Usage:       "Redis address of the diff job queue",
			Value:       "localhost:6379",
			Destination: &c.Addr,
			Sources:     cli.NewValueSourceChain(cli.EnvVar(envPrefix+"REDIS_ADDR"), cli.EnvVar("REDIS_ADDR")),
		},
	}
}

func (c *Redis) ClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.Addr}
}
