package config

import (
	"os"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient builds a client from the redis section. The password is read
// from the environment variable named by PasswordEnv.
func (r RedisConfig) NewRedisClient() *redis.Client {
	var password string
	if r.PasswordEnv != "" {
		password = os.Getenv(r.PasswordEnv)
	}
	return redis.NewClient(&redis.Options{
		Addr:     r.Addr,
		Password: password,
		DB:       r.DB,
		PoolSize: r.PoolSize,
	})
}
