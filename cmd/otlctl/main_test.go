package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (map[string]any, error) {
	t.Helper()
	var out bytes.Buffer
	root := rootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	var summary map[string]any
	if out.Len() > 0 {
		require.NoError(t, json.Unmarshal(out.Bytes(), &summary), out.String())
	}
	return summary, err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestKeygenSignVerifyRoundTrip(t *testing.T) {
	for _, alg := range []string{"ed25519", "rsa-sha256"} {
		t.Run(alg, func(t *testing.T) {
			dir := t.TempDir()
			keys, err := run(t, "keygen", "--algorithm", alg)
			require.NoError(t, err)
			assert.Equal(t, "PASS", keys["status"])

			priv := writeFile(t, dir, "priv", keys["private_key"].(string))
			pub := writeFile(t, dir, "pub", keys["public_key"].(string))
			body := writeFile(t, dir, "body.json", `{"context":{"action":"search"},"message":{}}`)

			signed, err := run(t, "sign", "--key", priv, "--subscriber-id", "buyer.example.com", "--key-id", "k1", body)
			require.NoError(t, err)
			header := signed["authorization"].(string)
			assert.Contains(t, header, `keyId="buyer.example.com|k1|`+alg+`"`)

			verified, err := run(t, "verify", "--public-key", pub, "--header", header, body)
			require.NoError(t, err)
			assert.Equal(t, "PASS", verified["status"])
			assert.Equal(t, "k1", verified["key_id"])

			tampered := writeFile(t, dir, "tampered.json", `{"context":{"action":"select"},"message":{}}`)
			failed, err := run(t, "verify", "--public-key", pub, "--header", header, tampered)
			assert.ErrorIs(t, err, errReported)
			assert.Equal(t, "FAIL", failed["status"])
		})
	}
}

func TestSignCanonicalRewritesBody(t *testing.T) {
	dir := t.TempDir()
	keys, err := run(t, "keygen")
	require.NoError(t, err)
	priv := writeFile(t, dir, "priv", keys["private_key"].(string))
	body := writeFile(t, dir, "body.json", "{\n  \"b\": \"https://x/y?a=1&b=2\",\n  \"a\": 1\n}\n")

	signed, err := run(t, "sign", "--canonical", "--key", priv, "--subscriber-id", "s", "--key-id", "k", body)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":"https://x/y?a=1&b=2"}`, signed["body"])
}

func TestKeygenRejectsUnknownAlgorithm(t *testing.T) {
	out, err := run(t, "keygen", "--algorithm", "hmac")
	assert.ErrorIs(t, err, errReported)
	assert.Equal(t, "FAIL", out["status"])
}
