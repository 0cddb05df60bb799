package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedKey(t *testing.T) (string, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(priv.Seed()), base64.StdEncoding.EncodeToString(pub)
}

func setRequiredEnv(t *testing.T, privKey string) {
	t.Setenv("ONDC_GATEWAY_URL", "https://gateway.example.com")
	t.Setenv("ONDC_SUBSCRIBER_ID", "buyer.example.com")
	t.Setenv("ONDC_SUBSCRIBER_URI", "https://buyer.example.com/ondc")
	t.Setenv("ONDC_UNIQUE_KEY_ID", "k1")
	t.Setenv("ONDC_SIGNING_PRIVATE_KEY", privKey)
	t.Setenv("STORE_DRIVER", "memory")
}

func TestLoadFromEnvironmentWithDefaults(t *testing.T) {
	priv, pub := seedKey(t)
	setRequiredEnv(t, priv)
	t.Setenv("ONDC_SIGNING_PUBLIC_KEY", pub)
	t.Setenv("SERVICE_PORT", "9090")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "ONDC:RET10", cfg.ONDC.Domain)
	assert.Equal(t, "IND", cfg.ONDC.Country)
	assert.Equal(t, "*", cfg.ONDC.City)
	assert.Equal(t, "1.2.0", cfg.ONDC.CoreVersion)
	assert.Equal(t, 30*time.Second, cfg.ONDC.TTL)
	assert.Equal(t, time.Hour, cfg.ONDC.SignatureValidity)
	assert.Equal(t, "9090", cfg.Service.Port)
	assert.Equal(t, 2*time.Second, cfg.Callbacks.AckDeadline)
	assert.Equal(t, 8, cfg.Callbacks.Workers)
	assert.Equal(t, "NACK", cfg.Callbacks.Policy["malformed"])
	assert.Equal(t, "ACK", cfg.Callbacks.Policy["duplicate"])
	require.NotNil(t, cfg.Signer)
	assert.Equal(t, "buyer.example.com|k1|ed25519", cfg.Signer.Meta().KeyID())

	id := cfg.Identity()
	assert.Equal(t, "https://buyer.example.com/ondc", id.SubscriberURI)
}

func TestLoadMissingRequiredField(t *testing.T) {
	priv, _ := seedKey(t)
	setRequiredEnv(t, priv)
	t.Setenv("ONDC_GATEWAY_URL", "")

	_, err := Load("")
	var cerr *ConfigurationError
	require.True(t, errors.As(err, &cerr), "got %v", err)
	assert.Equal(t, "ondc.gateway_url", cerr.Field)
}

func TestLoadRejectsAlgorithmMismatch(t *testing.T) {
	priv, _ := seedKey(t)
	setRequiredEnv(t, priv)
	t.Setenv("ONDC_ALGORITHM", "rsa-sha256")

	_, err := Load("")
	var cerr *ConfigurationError
	require.True(t, errors.As(err, &cerr), "got %v", err)
	assert.Equal(t, "ondc.algorithm", cerr.Field)
}

func TestLoadRejectsForeignPublicKey(t *testing.T) {
	priv, _ := seedKey(t)
	_, otherPub := seedKey(t)
	setRequiredEnv(t, priv)
	t.Setenv("ONDC_SIGNING_PUBLIC_KEY", otherPub)

	_, err := Load("")
	var cerr *ConfigurationError
	require.True(t, errors.As(err, &cerr), "got %v", err)
	assert.Equal(t, "ondc.signing_public_key", cerr.Field)
}

func TestLoadPostgresRequiresDatabaseURL(t *testing.T) {
	priv, _ := seedKey(t)
	setRequiredEnv(t, priv)
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")

	_, err := Load("")
	var cerr *ConfigurationError
	require.True(t, errors.As(err, &cerr), "got %v", err)
	assert.Equal(t, "database.url", cerr.Field)
}

func TestLoadFileWithRSAKeyAndCounterparties(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey)}))
	_, sellerPub := seedKey(t)

	yaml := `
ondc:
  gateway_url: https://gateway.example.com
  subscriber_id: buyer.example.com
  subscriber_uri: https://buyer.example.com/ondc
  unique_key_id: rsa-1
  algorithm: RSA-SHA256
  ttl: 45s
store:
  driver: memory
callbacks:
  verify_signatures: true
  counterparty_keys:
    - subscriber_id: seller.example.com
      unique_key_id: k9
      public_key: ` + sellerPub + `
  policy:
    receipt_failed: nack
log:
  format: text
`
	path := filepath.Join(t.TempDir(), "buyer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("ONDC_SIGNING_PRIVATE_KEY", pemKey)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "rsa-sha256", cfg.ONDC.Algorithm)
	assert.Equal(t, 45*time.Second, cfg.ONDC.TTL)
	assert.Equal(t, "NACK", cfg.Callbacks.Policy["receipt_failed"])
	_, ok := cfg.CounterpartyKeys.PublicKey("seller.example.com", "k9")
	assert.True(t, ok)
	assert.NotNil(t, cfg.Logger())
}

func TestLoadRejectsUnknownPolicyAnswer(t *testing.T) {
	priv, _ := seedKey(t)
	setRequiredEnv(t, priv)
	t.Setenv("CALLBACKS_POLICY_QUEUE_FULL", "MAYBE")

	_, err := Load("")
	var cerr *ConfigurationError
	require.True(t, errors.As(err, &cerr), "got %v", err)
	assert.Equal(t, "callbacks.policy.queue_full", cerr.Field)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	var cerr *ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "config", cerr.Field)
}
