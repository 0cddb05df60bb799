package canonhash

import (
	"bytes"
	"encoding/base64"
	"encoding/json"

	"golang.org/x/crypto/blake2b"
)

const DigestAlgorithm = "BLAKE-512"

// Marshal produces the exact bytes that are both digested and sent on the
// wire. Any re-encoding between signing and sending breaks the signature.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func Blake512(b []byte) []byte {
	sum := blake2b.Sum512(b)
	return sum[:]
}

func Digest(b []byte) string {
	return base64.StdEncoding.EncodeToString(Blake512(b))
}

func DigestHeaderValue(b []byte) string {
	return DigestAlgorithm + "=" + Digest(b)
}

// SumObject marshals v canonically and returns its digest header value with the bytes.
func SumObject(v any) (string, []byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", nil, err
	}
	return DigestHeaderValue(b), b, nil
}
