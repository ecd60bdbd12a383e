package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/galenhealth/mortar/pkg/session"
)

// Config holds the ops CLI configuration
type Config struct {
	RedisURL string
	Timeout  time.Duration
	LogLevel string
}

// cachedEntry mirrors the wire shape of a backup-tier cache entry,
// just enough of it to describe the session to an operator.
type cachedEntry struct {
	Session *struct {
		User struct {
			ID          string `json:"id"`
			ExternalID  string `json:"external_id"`
			Email       string `json:"email"`
			DisplayName string `json:"display_name"`
		} `json:"user"`
		Degraded bool `json:"degraded"`
	} `json:"session"`
	WrittenAt int64 `json:"written_at"`
	Valid     bool  `json:"valid"`
}

func main() {
	config := parseFlags()
	logger := setupLogger(config.LogLevel)

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	client, err := connectRedis(config)
	if err != nil {
		logger.Fatalf("Failed to connect to redis: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()

	switch args[0] {
	case "list":
		err = listSessions(ctx, client, logger)
	case "failures":
		err = listFailures(ctx, client, logger)
	case "flush":
		if len(args) < 2 {
			logger.Fatal("flush requires a principal id or --all")
		}
		err = flushSessions(ctx, client, logger, args[1])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		logger.Fatalf("Command %s failed: %v", args[0], err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: mortar-sessions [flags] <command>

Commands:
  list               List cached session entries in the backup tier
  failures           List consecutive-failure counters
  flush <id|--all>   Remove cached entries for a principal, or all of them

Flags:`)
	flag.PrintDefaults()
}

func parseFlags() *Config {
	config := &Config{}

	flag.StringVar(&config.RedisURL, "redis-url", getEnv("MORTAR_REDIS_URL", "redis://localhost:6379/0"), "Redis connection URL")
	flag.DurationVar(&config.Timeout, "timeout", 30*time.Second, "Command timeout")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	flag.Parse()

	return config
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

func connectRedis(config *Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// sessionKeys scans the backup tier for session entries, skipping the
// failure counters that share the prefix.
func sessionKeys(ctx context.Context, client *redis.Client) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	pattern := session.CacheKey("*")

	for {
		batch, next, err := client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range batch {
			if strings.HasSuffix(key, ":failures") {
				continue
			}
			keys = append(keys, key)
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func listSessions(ctx context.Context, client *redis.Client, logger *logrus.Logger) error {
	keys, err := sessionKeys(ctx, client)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		logger.Info("No cached session entries")
		return nil
	}

	for _, key := range keys {
		payload, err := client.Get(ctx, key).Bytes()
		if err != nil {
			logger.WithError(err).WithField("key", key).Warn("Failed to read entry")
			continue
		}

		var entry cachedEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			logger.WithField("key", key).Warn("Entry is corrupt")
			continue
		}

		fields := logrus.Fields{
			"key":        key,
			"valid":      entry.Valid,
			"written_at": time.UnixMilli(entry.WrittenAt).UTC().Format(time.RFC3339),
			"age":        time.Since(time.UnixMilli(entry.WrittenAt)).Round(time.Second).String(),
		}
		if entry.Session != nil {
			fields["email"] = entry.Session.User.Email
			fields["account_id"] = entry.Session.User.ID
			fields["degraded"] = entry.Session.Degraded
		}
		logger.WithFields(fields).Info("Cached session")
	}
	return nil
}

func listFailures(ctx context.Context, client *redis.Client, logger *logrus.Logger) error {
	var (
		cursor uint64
		found  bool
	)
	pattern := session.CacheKey("*") + ":failures"

	for {
		batch, next, err := client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return err
		}
		for _, key := range batch {
			count, err := client.Get(ctx, key).Int64()
			if err != nil {
				logger.WithError(err).WithField("key", key).Warn("Failed to read counter")
				continue
			}
			logger.WithFields(logrus.Fields{
				"key":      key,
				"failures": count,
			}).Info("Failure counter")
			found = true
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	if !found {
		logger.Info("No failure counters")
	}
	return nil
}

// flushSessions deletes the cache entry and failure counter for one
// principal, or for every principal with --all.
func flushSessions(ctx context.Context, client *redis.Client, logger *logrus.Logger, target string) error {
	var keys []string

	if target == "--all" {
		found, err := sessionKeys(ctx, client)
		if err != nil {
			return err
		}
		keys = found
	} else {
		keys = []string{session.CacheKey(target)}
	}

	var flushed int
	for _, key := range keys {
		deleted, err := client.Del(ctx, key, key+":failures").Result()
		if err != nil {
			return err
		}
		if deleted > 0 {
			logger.WithField("key", key).Info("Flushed")
			flushed++
		}
	}

	logger.Infof("Flushed %d of %d entries", flushed, len(keys))
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
