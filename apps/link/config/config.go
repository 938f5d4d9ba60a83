// Package config holds the environment-driven configuration for the link
// service.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/frame/config"
)

// LinkConfig configures one link service instance.
type LinkConfig struct {
	config.ConfigurationDefault

	// Connection management
	MaxConnections      int  `envDefault:"10000" env:"MAX_CONNECTIONS"`
	SingleSessionPolicy bool `envDefault:"false" env:"SINGLE_SESSION_POLICY"`

	// Heartbeat and liveness intervals.
	// ReadIdleTimeoutSec detects dead peers, WriteIdleTimeoutSec keeps
	// intermediary mappings alive; they are independent triggers.
	ReadIdleTimeoutSec   int `envDefault:"60"  env:"READ_IDLE_TIMEOUT_SEC"`
	WriteIdleTimeoutSec  int `envDefault:"30"  env:"WRITE_IDLE_TIMEOUT_SEC"`
	ZombieTimeoutSec     int `envDefault:"300" env:"ZOMBIE_TIMEOUT_SEC"`
	MissedHeartbeatLimit int `envDefault:"3"   env:"MISSED_HEARTBEAT_LIMIT"`

	// Credential verification
	VerifyTimeoutSec int    `envDefault:"5" env:"VERIFY_TIMEOUT_SEC"`
	TokenAudience    string `envDefault:""  env:"TOKEN_AUDIENCE"`
	TokenIssuer      string `envDefault:""  env:"TOKEN_ISSUER"`

	// Rate limiting
	MaxMessagesPerSecond int `envDefault:"100" env:"MAX_MESSAGES_PER_SECOND"`

	// Allowed browser origins for the upgrade handshake, comma separated.
	AllowedOrigins string `envDefault:"*" env:"ALLOWED_ORIGINS"`

	// Cache configuration. Session presence records are stored in cache so
	// multiple link instances can coordinate deliveries.
	CacheName            string `envDefault:"sessionCache"           env:"CACHE_NAME"`
	CacheURI             string `envDefault:"redis://localhost:6379" env:"CACHE_URI"`
	CacheCredentialsFile string `envDefault:""                       env:"CACHE_CREDENTIALS_FILE"`

	// Queue for deliveries targeted at users connected to other instances.
	// The name is a template taking the shard ID.
	QueueLinkDeliveryName string `envDefault:"link.delivery.%d"       env:"QUEUE_LINK_DELIVERY_NAME"`
	QueueLinkDeliveryURI  string `envDefault:"mem://link.delivery"    env:"QUEUE_LINK_DELIVERY_URI"`

	// Dead-letter queue for deliveries no instance could complete.
	QueueUndeliverableName string `envDefault:"link.undeliverable"       env:"QUEUE_UNDELIVERABLE_NAME"`
	QueueUndeliverableURI  string `envDefault:"mem://link.undeliverable" env:"QUEUE_UNDELIVERABLE_URI"`

	// Shard configuration. ShardID identifies this instance's shard
	// (0-indexed); TotalShards must agree across all instances.
	ShardID     int `envDefault:"0" env:"SHARD_ID"`
	TotalShards int `envDefault:"1" env:"TOTAL_SHARDS"`
}

// ReadIdleTimeout returns the read-idle trigger as a duration.
func (c *LinkConfig) ReadIdleTimeout() time.Duration {
	return time.Duration(c.ReadIdleTimeoutSec) * time.Second
}

// WriteIdleTimeout returns the write-idle trigger as a duration.
func (c *LinkConfig) WriteIdleTimeout() time.Duration {
	return time.Duration(c.WriteIdleTimeoutSec) * time.Second
}

// ZombieTimeout returns the zombie window as a duration.
func (c *LinkConfig) ZombieTimeout() time.Duration {
	return time.Duration(c.ZombieTimeoutSec) * time.Second
}

// VerifyTimeout returns the credential verification bound as a duration.
func (c *LinkConfig) VerifyTimeout() time.Duration {
	return time.Duration(c.VerifyTimeoutSec) * time.Second
}

// OriginPatterns returns the allowed origins as a slice.
func (c *LinkConfig) OriginPatterns() []string {
	parts := strings.Split(c.AllowedOrigins, ",")
	patterns := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	return patterns
}

// Validate checks that the configuration is valid.
// Returns an error if any validation fails.
func (c *LinkConfig) Validate() error {
	var errs []error

	if c.MaxConnections < 0 {
		errs = append(errs, errors.New("MaxConnections must be >= 0"))
	}

	if c.ReadIdleTimeoutSec <= 0 {
		errs = append(errs, errors.New("ReadIdleTimeoutSec must be > 0"))
	}

	if c.WriteIdleTimeoutSec <= 0 {
		errs = append(errs, errors.New("WriteIdleTimeoutSec must be > 0"))
	}

	if c.ZombieTimeoutSec <= c.ReadIdleTimeoutSec {
		errs = append(errs, fmt.Errorf("ZombieTimeoutSec (%d) must be > ReadIdleTimeoutSec (%d)",
			c.ZombieTimeoutSec, c.ReadIdleTimeoutSec))
	}

	if c.MissedHeartbeatLimit <= 0 {
		errs = append(errs, errors.New("MissedHeartbeatLimit must be > 0"))
	}

	if c.VerifyTimeoutSec <= 0 {
		errs = append(errs, errors.New("VerifyTimeoutSec must be > 0"))
	}

	if c.MaxMessagesPerSecond <= 0 {
		errs = append(errs, errors.New("MaxMessagesPerSecond must be > 0"))
	}

	// Validate shard configuration
	if c.ShardID < 0 {
		errs = append(errs, errors.New("ShardID must be >= 0"))
	}

	if c.TotalShards <= 0 {
		errs = append(errs, errors.New("TotalShards must be > 0"))
	}

	if c.TotalShards > 0 && c.ShardID >= c.TotalShards {
		errs = append(errs, fmt.Errorf("ShardID (%d) must be < TotalShards (%d)",
			c.ShardID, c.TotalShards))
	}

	if !strings.Contains(c.QueueLinkDeliveryName, "%d") {
		errs = append(errs, errors.New("QueueLinkDeliveryName must contain a %d shard placeholder"))
	}

	// Validate cache configuration
	if err := validateCacheURI(c.CacheURI, "CacheURI"); err != nil {
		errs = append(errs, err)
	}

	// Validate queue URIs
	if err := validateQueueURI(c.QueueLinkDeliveryURI, "QueueLinkDeliveryURI"); err != nil {
		errs = append(errs, err)
	}
	if err := validateQueueURI(c.QueueUndeliverableURI, "QueueUndeliverableURI"); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// validateCacheURI checks that a cache URI has a valid scheme.
func validateCacheURI(uri, name string) error {
	if uri == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}

	validSchemes := []string{"redis://", "nats://", "mem://", "memory://"}
	for _, scheme := range validSchemes {
		if strings.HasPrefix(uri, scheme) {
			return nil
		}
	}

	return fmt.Errorf("%s has invalid scheme (must be one of: %s): %s", name, strings.Join(validSchemes, ", "), uri)
}

// validateQueueURI checks that a queue URI has a valid scheme.
func validateQueueURI(uri, name string) error {
	if uri == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}

	validSchemes := []string{"mem://", "redis://", "amqp://", "nats://", "kafka://"}
	for _, scheme := range validSchemes {
		if strings.HasPrefix(uri, scheme) {
			return nil
		}
	}

	return fmt.Errorf("%s has invalid scheme (must be one of: %s): %s", name, strings.Join(validSchemes, ", "), uri)
}
