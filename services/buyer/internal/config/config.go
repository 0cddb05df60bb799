package config

import (
	"crypto"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/prithviraju1369/ontheline.in/pkg/ondc"
	"github.com/prithviraju1369/ontheline.in/pkg/signature"
	"github.com/prithviraju1369/ontheline.in/pkg/webhooks"
)

// ConfigurationError is fatal: the server must not start with it.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := "config " + e.Field + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

type ONDC struct {
	Domain            string        `mapstructure:"domain"`
	Country           string        `mapstructure:"country"`
	City              string        `mapstructure:"city"`
	CoreVersion       string        `mapstructure:"core_version"`
	TTL               time.Duration `mapstructure:"ttl"`
	GatewayURL        string        `mapstructure:"gateway_url"`
	SubscriberID      string        `mapstructure:"subscriber_id"`
	SubscriberURI     string        `mapstructure:"subscriber_uri"`
	UniqueKeyID       string        `mapstructure:"unique_key_id"`
	Algorithm         string        `mapstructure:"algorithm"`
	SigningPrivateKey string        `mapstructure:"signing_private_key"`
	SigningPublicKey  string        `mapstructure:"signing_public_key"`
	SignatureValidity time.Duration `mapstructure:"signature_validity"`
}

type Service struct {
	Port string `mapstructure:"port"`
}

type Store struct {
	Driver string `mapstructure:"driver"`
}

type Database struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type Dispatch struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
}

type Callbacks struct {
	AckDeadline      time.Duration     `mapstructure:"ack_deadline"`
	Workers          int               `mapstructure:"workers"`
	QueueSize        int               `mapstructure:"queue_size"`
	MaxBodyBytes     int64             `mapstructure:"max_body_bytes"`
	VerifySignatures bool              `mapstructure:"verify_signatures"`
	CounterpartyKeys []CounterpartyKey `mapstructure:"counterparty_keys"`
	Policy           map[string]string `mapstructure:"policy"`
}

// CounterpartyKey is a seller platform's registered signing key.
type CounterpartyKey struct {
	SubscriberID string `mapstructure:"subscriber_id"`
	UniqueKeyID  string `mapstructure:"unique_key_id"`
	PublicKey    string `mapstructure:"public_key"`
}

type Payment struct {
	KeyID     string `mapstructure:"key_id"`
	KeySecret string `mapstructure:"key_secret"`
	Currency  string `mapstructure:"currency"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is built once at startup and read-only afterwards.
type Config struct {
	ONDC      ONDC      `mapstructure:"ondc"`
	Service   Service   `mapstructure:"service"`
	Store     Store     `mapstructure:"store"`
	Database  Database  `mapstructure:"database"`
	Dispatch  Dispatch  `mapstructure:"dispatch"`
	Callbacks Callbacks `mapstructure:"callbacks"`
	Payment   Payment   `mapstructure:"payment"`
	Log       Log       `mapstructure:"log"`

	SigningKey       crypto.Signer       `mapstructure:"-"`
	Signer           *signature.Signer   `mapstructure:"-"`
	CounterpartyKeys webhooks.StaticKeys `mapstructure:"-"`
}

// Failure classes with a configurable ACK/NACK answer.
var PolicyClasses = map[string]string{
	"malformed":         "NACK",
	"signature_invalid": "NACK",
	"queue_full":        "NACK",
	"receipt_failed":    "ACK",
	"duplicate":         "ACK",
	"stale":             "ACK",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ondc.domain", "ONDC:RET10")
	v.SetDefault("ondc.country", "IND")
	v.SetDefault("ondc.city", "*")
	v.SetDefault("ondc.core_version", "1.2.0")
	v.SetDefault("ondc.ttl", "30s")
	v.SetDefault("ondc.gateway_url", "")
	v.SetDefault("ondc.subscriber_id", "")
	v.SetDefault("ondc.subscriber_uri", "")
	v.SetDefault("ondc.unique_key_id", "")
	v.SetDefault("ondc.algorithm", signature.AlgorithmEd25519)
	v.SetDefault("ondc.signing_private_key", "")
	v.SetDefault("ondc.signing_public_key", "")
	v.SetDefault("ondc.signature_validity", "1h")

	v.SetDefault("service.port", "8085")
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("dispatch.timeout", "10s")
	v.SetDefault("dispatch.rate_per_second", 20)
	v.SetDefault("dispatch.burst", 40)

	v.SetDefault("callbacks.ack_deadline", "2s")
	v.SetDefault("callbacks.workers", 8)
	v.SetDefault("callbacks.queue_size", 1024)
	v.SetDefault("callbacks.max_body_bytes", 5<<20)
	v.SetDefault("callbacks.verify_signatures", false)
	for class, answer := range PolicyClasses {
		v.SetDefault("callbacks.policy."+class, answer)
	}

	v.SetDefault("payment.key_id", "")
	v.SetDefault("payment.key_secret", "")
	v.SetDefault("payment.currency", "INR")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads defaults, then the optional file at path, then the environment
// (ONDC_GATEWAY_URL, DATABASE_URL, SERVICE_PORT and so on).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &ConfigurationError{Field: "config", Reason: "cannot read " + path, Err: err}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &ConfigurationError{Field: "config", Reason: "cannot decode", Err: err}
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finalize() error {
	c.ONDC.Algorithm = strings.ToLower(strings.TrimSpace(c.ONDC.Algorithm))
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))

	for _, req := range []struct{ field, val string }{
		{"ondc.gateway_url", c.ONDC.GatewayURL},
		{"ondc.subscriber_id", c.ONDC.SubscriberID},
		{"ondc.subscriber_uri", c.ONDC.SubscriberURI},
		{"ondc.unique_key_id", c.ONDC.UniqueKeyID},
		{"ondc.signing_private_key", c.ONDC.SigningPrivateKey},
	} {
		if strings.TrimSpace(req.val) == "" {
			return &ConfigurationError{Field: req.field, Reason: "is required"}
		}
	}
	for field, raw := range map[string]string{"ondc.gateway_url": c.ONDC.GatewayURL, "ondc.subscriber_uri": c.ONDC.SubscriberURI} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return &ConfigurationError{Field: field, Reason: "must be an absolute url", Err: err}
		}
	}
	if c.ONDC.TTL <= 0 {
		return &ConfigurationError{Field: "ondc.ttl", Reason: "must be positive"}
	}

	key, err := signature.ParsePrivateKey(c.ONDC.SigningPrivateKey)
	if err != nil {
		return &ConfigurationError{Field: "ondc.signing_private_key", Reason: "cannot parse", Err: err}
	}
	signer, err := signature.NewSigner(key, signature.KeyMeta{
		SubscriberID: c.ONDC.SubscriberID,
		UniqueKeyID:  c.ONDC.UniqueKeyID,
		Algorithm:    c.ONDC.Algorithm,
	}, c.ONDC.SignatureValidity)
	if err != nil {
		return &ConfigurationError{Field: "ondc.algorithm", Reason: "does not match signing key", Err: err}
	}
	if c.ONDC.SigningPublicKey != "" {
		pub, err := signature.ParsePublicKey(c.ONDC.SigningPublicKey)
		if err != nil {
			return &ConfigurationError{Field: "ondc.signing_public_key", Reason: "cannot parse", Err: err}
		}
		if eq, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool }); !ok || !eq.Equal(pub) {
			return &ConfigurationError{Field: "ondc.signing_public_key", Reason: "does not belong to signing key"}
		}
	}
	c.SigningKey, c.Signer = key, signer

	switch c.Store.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return &ConfigurationError{Field: "database.url", Reason: "is required for the postgres store"}
		}
	case "memory":
	default:
		return &ConfigurationError{Field: "store.driver", Reason: fmt.Sprintf("unknown driver %q", c.Store.Driver)}
	}

	if c.Dispatch.Timeout <= 0 {
		return &ConfigurationError{Field: "dispatch.timeout", Reason: "must be positive"}
	}
	if c.Dispatch.RatePerSecond <= 0 || c.Dispatch.Burst <= 0 {
		return &ConfigurationError{Field: "dispatch.rate_per_second", Reason: "rate and burst must be positive"}
	}
	if c.Callbacks.AckDeadline <= 0 || c.Callbacks.Workers <= 0 || c.Callbacks.QueueSize <= 0 {
		return &ConfigurationError{Field: "callbacks", Reason: "ack_deadline, workers and queue_size must be positive"}
	}

	policy := make(map[string]string, len(PolicyClasses))
	for class, answer := range c.Callbacks.Policy {
		class = strings.ToLower(class)
		if _, ok := PolicyClasses[class]; !ok {
			return &ConfigurationError{Field: "callbacks.policy." + class, Reason: "unknown failure class"}
		}
		answer = strings.ToUpper(strings.TrimSpace(answer))
		if answer != string(ondc.ACK) && answer != string(ondc.NACK) {
			return &ConfigurationError{Field: "callbacks.policy." + class, Reason: "must be ACK or NACK"}
		}
		policy[class] = answer
	}
	c.Callbacks.Policy = policy

	if c.Callbacks.VerifySignatures {
		raw := make(map[string]string, len(c.Callbacks.CounterpartyKeys))
		for _, k := range c.Callbacks.CounterpartyKeys {
			raw[k.SubscriberID+"|"+k.UniqueKeyID] = k.PublicKey
		}
		keys, err := webhooks.NewStaticKeys(raw)
		if err != nil {
			return &ConfigurationError{Field: "callbacks.counterparty_keys", Reason: "invalid entry", Err: err}
		}
		c.CounterpartyKeys = keys
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return &ConfigurationError{Field: "log.level", Reason: "unknown level", Err: err}
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return &ConfigurationError{Field: "log.format", Reason: "must be json or text"}
	}
	return nil
}

func (c *Config) Identity() ondc.Identity {
	return ondc.Identity{
		Domain:        c.ONDC.Domain,
		Country:       c.ONDC.Country,
		City:          c.ONDC.City,
		CoreVersion:   c.ONDC.CoreVersion,
		SubscriberID:  c.ONDC.SubscriberID,
		SubscriberURI: c.ONDC.SubscriberURI,
	}
}

// Logger builds the process logger from the log section.
func (c *Config) Logger() *logrus.Logger {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(c.Log.Level); err == nil {
		l.SetLevel(lvl)
	}
	if c.Log.Format == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return l
}
