package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/prithviraju1369/ontheline.in/pkg/canonhash"
	"github.com/prithviraju1369/ontheline.in/pkg/signature"
)

// errReported marks a failure whose FAIL summary has already been printed.
var errReported = errors.New("failed")

func main() {
	if err := rootCmd().Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "otlctl",
		Short:         "Operator tools for ONDC request signing",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(keygenCmd(), signCmd(), verifyCmd())
	return root
}

func keygenCmd() *cobra.Command {
	var algorithm string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, pub, err := generateKeys(strings.ToLower(strings.TrimSpace(algorithm)))
			if err != nil {
				return fail(cmd.OutOrStdout(), "keygen", err.Error())
			}
			return pass(cmd.OutOrStdout(), "keygen", map[string]any{
				"algorithm":   algorithm,
				"private_key": priv,
				"public_key":  pub,
			})
		},
	}
	cmd.Flags().StringVar(&algorithm, "algorithm", signature.AlgorithmEd25519, "ed25519 or rsa-sha256")
	return cmd
}

func signCmd() *cobra.Command {
	var keyPath, subscriberID, keyID, algorithm string
	var canonical bool
	cmd := &cobra.Command{
		Use:   "sign <body.json>",
		Short: "Print the Authorization header for a request body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			keyBytes, err := os.ReadFile(keyPath)
			if err != nil {
				return fail(out, "sign", "read key failed: "+err.Error())
			}
			body, err := os.ReadFile(args[0])
			if err != nil {
				return fail(out, "sign", "read body failed: "+err.Error())
			}
			if canonical {
				var v any
				if err := json.Unmarshal(body, &v); err != nil {
					return fail(out, "sign", "body is not JSON: "+err.Error())
				}
				if body, err = canonhash.Marshal(v); err != nil {
					return fail(out, "sign", err.Error())
				}
			}
			key, err := signature.ParsePrivateKey(string(keyBytes))
			if err != nil {
				return fail(out, "sign", err.Error())
			}
			if algorithm == "" {
				if algorithm, err = signature.AlgorithmFor(key.Public()); err != nil {
					return fail(out, "sign", err.Error())
				}
			}
			signer, err := signature.NewSigner(key, signature.KeyMeta{SubscriberID: subscriberID, UniqueKeyID: keyID, Algorithm: algorithm}, time.Hour)
			if err != nil {
				return fail(out, "sign", err.Error())
			}
			env, err := signer.Sign(body)
			if err != nil {
				return fail(out, "sign", err.Error())
			}
			fields := map[string]any{
				"authorization": env.Header(),
				"digest":        env.Digest,
				"created":       env.Created,
				"expires":       env.Expires,
			}
			if canonical {
				fields["body"] = string(body)
			}
			return pass(out, "sign", fields)
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "", "path to the private key (base64 ed25519 or PEM)")
	cmd.Flags().StringVar(&subscriberID, "subscriber-id", "", "subscriber id placed in keyId")
	cmd.Flags().StringVar(&keyID, "key-id", "", "unique key id placed in keyId")
	cmd.Flags().StringVar(&algorithm, "algorithm", "", "signing algorithm; derived from the key when empty")
	cmd.Flags().BoolVar(&canonical, "canonical", false, "re-serialize the body the way the engine does before signing")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("subscriber-id")
	_ = cmd.MarkFlagRequired("key-id")
	return cmd
}

func verifyCmd() *cobra.Command {
	var pubPath, header string
	var at int64
	cmd := &cobra.Command{
		Use:   "verify <body.json>",
		Short: "Verify an Authorization header against a request body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			pubBytes, err := os.ReadFile(pubPath)
			if err != nil {
				return fail(out, "verify", "read public key failed: "+err.Error())
			}
			body, err := os.ReadFile(args[0])
			if err != nil {
				return fail(out, "verify", "read body failed: "+err.Error())
			}
			pub, err := signature.ParsePublicKey(string(pubBytes))
			if err != nil {
				return fail(out, "verify", err.Error())
			}
			now := time.Now()
			if at > 0 {
				now = time.Unix(at, 0)
			}
			p, err := signature.Verify(body, header, pub, now)
			if err != nil {
				return fail(out, "verify", err.Error())
			}
			return pass(out, "verify", map[string]any{
				"subscriber_id": p.SubscriberID,
				"key_id":        p.UniqueKeyID,
				"algorithm":     p.Algorithm,
				"expires":       p.Expires,
			})
		},
	}
	cmd.Flags().StringVar(&pubPath, "public-key", "", "path to the counterparty public key")
	cmd.Flags().StringVar(&header, "header", "", "Authorization header value")
	cmd.Flags().Int64Var(&at, "at", 0, "verify as of this unix time instead of now")
	_ = cmd.MarkFlagRequired("public-key")
	_ = cmd.MarkFlagRequired("header")
	return cmd
}

func generateKeys(algorithm string) (priv, pub string, err error) {
	switch algorithm {
	case signature.AlgorithmEd25519:
		pk, sk, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return "", "", err
		}
		return base64.StdEncoding.EncodeToString(sk), base64.StdEncoding.EncodeToString(pk), nil
	case signature.AlgorithmRSASHA256:
		sk, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return "", "", err
		}
		der, err := x509.MarshalPKCS8PrivateKey(sk)
		if err != nil {
			return "", "", err
		}
		pubDER, err := x509.MarshalPKIXPublicKey(&sk.PublicKey)
		if err != nil {
			return "", "", err
		}
		return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
			string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})), nil
	}
	return "", "", fmt.Errorf("%w: %q", signature.ErrUnsupportedAlgorithm, algorithm)
}

func pass(w io.Writer, command string, fields map[string]any) error {
	return summary(w, command, "PASS", fields)
}

func fail(w io.Writer, command, reason string) error {
	_ = summary(w, command, "FAIL", map[string]any{"reason": reason})
	return errReported
}

func summary(w io.Writer, command, status string, fields map[string]any) error {
	out := map[string]any{
		"command":       command,
		"status":        status,
		"timestamp_utc": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range fields {
		out[k] = v
	}
	b, err := json.Marshal(out)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
