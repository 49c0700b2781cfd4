// Command mailverify-worker consumes verification jobs from a Redis
// list (BRPOP) and upserts a types.PersistedResult back into Redis,
// demonstrating the out-of-scope queue-consumer's call contract
// against the Verifier API. It does not implement a durable job
// table; that is the out-of-scope owning service's responsibility.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/optimode/mailverify"
	"github.com/optimode/mailverify/types"
)

const (
	jobQueueKey     = "mailverify:jobs"
	resultKeyPrefix = "mailverify:result:"
	brpopTimeout    = 5 * time.Second
	resultKeepTTL   = 7 * 24 * time.Hour
	defaultWorkers  = 10
)

// job is the wire shape of one queued verification request.
type job struct {
	JobID string `json:"jobId"`
	Email string `json:"email"`
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment/defaults")
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	v, err := mailverify.New(mailverify.Config{
		SmtpHeloDomain:      getEnv("SMTP_HELO_DOMAIN", "mailverify.local"),
		ProbeEmail:          getEnv("PROBE_EMAIL", "verify@mailverify.local"),
		MaxConcurrencyPerMX: getEnvInt("MAX_CONCURRENCY_PER_MX", mailverify.DefaultMaxConcurrencyPerMX),
		SmtpTimeoutMs:       getEnvInt("SMTP_TIMEOUT_MS", mailverify.DefaultSmtpTimeoutMs),
		RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
	}, mailverify.WithLogger(log.Logger))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build verifier")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}

	workers := getEnvInt("WORKER_COUNT", defaultWorkers)
	jobs := make(chan job, workers*2)

	for i := 0; i < workers; i++ {
		go runWorker(ctx, i+1, v, rdb, jobs)
	}
	log.Info().Int("workers", workers).Str("queue", jobQueueKey).Msg("mailverify-worker started")

	go pollQueue(ctx, rdb, jobs)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()
}

// pollQueue BRPOPs one job at a time and hands it to the worker pool,
// the same polling shape as DevyanshuNegi-email-validator's worker
// loop, minus the dev-mode/proxy/rate-limiter concerns out of scope here.
func pollQueue(ctx context.Context, rdb *redis.Client, jobs chan<- job) {
	for {
		select {
		case <-ctx.Done():
			close(jobs)
			return
		default:
		}

		result, err := rdb.BRPop(ctx, brpopTimeout, jobQueueKey).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			log.Error().Err(err).Msg("brpop failed")
			time.Sleep(time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var j job
		if err := json.Unmarshal([]byte(result[1]), &j); err != nil {
			log.Error().Err(err).Str("raw", result[1]).Msg("failed to parse job")
			continue
		}
		jobs <- j
	}
}

func runWorker(ctx context.Context, id int, v *mailverify.Verifier, rdb *redis.Client, jobs <-chan job) {
	for j := range jobs {
		processJob(ctx, id, v, rdb, j)
	}
}

func processJob(ctx context.Context, workerID int, v *mailverify.Verifier, rdb *redis.Client, j job) {
	result, err := v.Verify(ctx, j.Email)
	if err != nil {
		log.Error().Err(err).Int("worker", workerID).Str("email", j.Email).Msg("verify failed")
		return
	}

	persisted := toPersisted(result, j.JobID)
	data, err := json.Marshal(persisted)
	if err != nil {
		log.Error().Err(err).Str("email", j.Email).Msg("failed to marshal result")
		return
	}

	key := resultKey(j.Email)
	if err := rdb.Set(ctx, key, data, resultKeepTTL).Err(); err != nil {
		log.Error().Err(err).Str("email", j.Email).Msg("failed to upsert result")
		return
	}

	log.Info().
		Int("worker", workerID).
		Str("email", j.Email).
		Str("status", string(result.Status)).
		Int("score", result.Score).
		Msg("verified")
}

func toPersisted(r types.VerificationResult, jobID string) types.PersistedResult {
	domain := ""
	if idx := strings.LastIndexByte(r.Email, '@'); idx >= 0 {
		domain = r.Email[idx+1:]
	}
	return types.PersistedResult{
		Email:     r.Email,
		Status:    r.Status,
		Score:     r.Score,
		Reason:    r.Reason,
		CheckedAt: r.CheckedAt,
		TTL:       r.TTL,
		JobID:     jobID,
		Domain:    domain,
	}
}

func resultKey(email string) string {
	return fmt.Sprintf("%s%s", resultKeyPrefix, email)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
