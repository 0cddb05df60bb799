package webhooks

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
)

// Transport headers that proxies add or rewrite; they never take part in a
// receipt hash.
var volatileHeaders = map[string]struct{}{
	"accept-encoding": {},
	"connection":      {},
	"content-length":  {},
	"user-agent":      {},
	"via":             {},
	"x-forwarded-for": {},
	"x-request-id":    {},
}

func CanonicalizeHeaders(h http.Header) (canonicalJSON []byte, canonical map[string][]string, err error) {
	canonical = make(map[string][]string, len(h))
	for k, vs := range h {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" {
			continue
		}
		if _, skip := volatileHeaders[key]; skip {
			continue
		}
		values := canonical[key]
		for _, v := range vs {
			values = append(values, strings.TrimSpace(v))
		}
		sort.Strings(values)
		canonical[key] = values
	}

	keys := make([]string, 0, len(canonical))
	for k := range canonical {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b bytes.Buffer
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, nil, err
		}
		vb, err := json.Marshal(canonical[k])
		if err != nil {
			return nil, nil, err
		}
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')

	return b.Bytes(), canonical, nil
}

// ReceiptHashes fingerprint one inbound callback delivery.
type ReceiptHashes struct {
	Body    string
	Headers string
	Request string
}

func ComputeReceiptHashes(method, path string, headersCanonicalJSON, rawBody []byte) ReceiptHashes {
	var env bytes.Buffer
	env.Grow(len(method) + len(path) + len(headersCanonicalJSON) + len(rawBody) + 3)
	env.WriteString(method)
	env.WriteByte('\n')
	env.WriteString(path)
	env.WriteByte('\n')
	env.Write(headersCanonicalJSON)
	env.WriteByte('\n')
	env.Write(rawBody)
	return ReceiptHashes{
		Body:    hashBytes(rawBody),
		Headers: hashBytes(headersCanonicalJSON),
		Request: hashBytes(env.Bytes()),
	}
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
