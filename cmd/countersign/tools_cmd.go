package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/countersign/countersign/pkg/capability"
	"github.com/countersign/countersign/pkg/config"
	"github.com/countersign/countersign/pkg/integrity"
)

// runHealthCmd implements `countersign health`.
//
// Exit codes:
//
//	0 = server healthy
//	1 = server unhealthy or unreachable
//	2 = usage error
func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		url     string
		timeout time.Duration
	)
	cmd.StringVar(&url, "url", "http://localhost:8080/health", "Health endpoint to probe")
	cmd.DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(url)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	_, _ = fmt.Fprintln(stdout, "OK")
	return 0
}

// runDigestCmd implements `countersign digest`. It prints the digest in the
// same form recorded on finalized contracts.
func runDigestCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("digest", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var file string
	cmd.StringVar(&file, "file", "", "Path to the document (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if file == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file is required")
		return 2
	}

	f, err := os.Open(file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = f.Close() }()

	digest, size, err := integrity.DigestReader(f)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	_, _ = fmt.Fprintf(stdout, "%s  %s (%d bytes)\n", digest, file, size)
	return 0
}

// runVerifyCmd implements `countersign verify`.
//
// Exit codes:
//
//	0 = digest matches
//	1 = digest mismatch
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var file, digest string
	cmd.StringVar(&file, "file", "", "Path to the document (REQUIRED)")
	cmd.StringVar(&digest, "digest", "", "Recorded digest, 64 lowercase hex characters (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if file == "" || digest == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file and --digest are required")
		return 2
	}
	digest = strings.ToLower(strings.TrimSpace(digest))
	if !integrity.WellFormed(digest) {
		_, _ = fmt.Fprintf(stderr, "Error: malformed digest %q\n", digest)
		return 2
	}

	data, err := os.ReadFile(file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if !integrity.Verify(data, digest) {
		_, _ = fmt.Fprintf(stdout, "%s✗ MISMATCH%s  %s\n", ColorBold+ColorRed, ColorReset, file)
		_, _ = fmt.Fprintf(stdout, "   recorded: %s\n", digest)
		_, _ = fmt.Fprintf(stdout, "   actual:   %s\n", integrity.Digest(data))
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "%s✓ MATCH%s  %s\n", ColorBold+ColorGreen, ColorReset, file)
	return 0
}

// runTokenCmd implements `countersign token`. It mints a signing link with
// the server's secret, for re-sending an invitation by hand.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		contractID string
		signerID   string
		email      string
		ttl        time.Duration
	)
	cmd.StringVar(&contractID, "contract", "", "Contract ID (REQUIRED)")
	cmd.StringVar(&signerID, "signer", "", "Signer ID (REQUIRED)")
	cmd.StringVar(&email, "email", "", "Signer email (REQUIRED)")
	cmd.DurationVar(&ttl, "ttl", 0, "Token lifetime (default TOKEN_TTL)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if contractID == "" || signerID == "" || email == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --contract, --signer and --email are required")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: config: %v\n", err)
		return 2
	}
	if err := resolveSecret(cfg, stderr); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if ttl == 0 {
		ttl = cfg.TokenTTL
	}

	keys, err := capability.NewKeySet(cfg.AppSecret, cfg.AppSecretPrevious...)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	token, err := capability.NewCodec(keys).Issue(contractID, signerID, email, ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	_, _ = fmt.Fprintln(stdout, token)
	_, _ = fmt.Fprintf(stdout, "%s%s/sign/%s%s\n", ColorGray, cfg.PublicBaseURL, token, ColorReset)
	return 0
}
