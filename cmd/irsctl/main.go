package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"irsvenue/config"
	"irsvenue/core/events"
	"irsvenue/crypto"
	"irsvenue/internal/passphrase"
	"irsvenue/services/irsd/server"
)

const (
	defaultSecretEnv = "IRSD_JWT_SECRET"
	defaultPassEnv   = "IRS_KEYSTORE_PASS"
	defaultEndpoint  = "http://127.0.0.1:7080"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "token":
		err = runToken(os.Args[2:], os.Stdout)
	case "keygen":
		err = runKeygen(os.Args[2:], os.Stdout)
	case "validate":
		err = runValidate(os.Args[2:], os.Stdout)
	case "get":
		err = runRequest(http.MethodGet, os.Args[2:], os.Stdout)
	case "post":
		err = runRequest(http.MethodPost, os.Args[2:], os.Stdout)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: irsctl <command> [flags]")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  token     mint an irsd API token")
	fmt.Fprintln(os.Stderr, "  keygen    generate a principal key into a keystore")
	fmt.Fprintln(os.Stderr, "  validate  check a protocol config and print pool ids")
	fmt.Fprintln(os.Stderr, "  get       GET an irsd path and print the JSON response")
	fmt.Fprintln(os.Stderr, "  post      POST a JSON body to an irsd path")
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "", "Token subject; trader routes require a bech32 address")
	scopes := fs.String("scopes", server.ScopeTrade, "Comma-separated scopes")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	issuer := fs.String("issuer", "", "Issuer claim")
	audience := fs.String("audience", "", "Audience claim")
	secretEnv := fs.String("secret-env", defaultSecretEnv, "Environment variable holding the signing secret")
	if err := fs.Parse(args); err != nil {
		return err
	}
	secret, err := passphrase.NewSource(*secretEnv, passphrase.WithLabel("token signing secret")).Get()
	if err != nil {
		return err
	}
	token, err := mintToken(secret, *subject, *issuer, *audience, splitScopes(*scopes), *ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func mintToken(secret, subject, issuer, audience string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", fmt.Errorf("subject required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive")
	}
	if len(scopes) == 0 {
		return "", fmt.Errorf("at least one scope required")
	}
	return server.Sign(secret, server.Claims(subject, issuer, audience, scopes, ttl, now))
}

func splitScopes(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func runKeygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	keystorePath := fs.String("keystore", "", "Output path for the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*keystorePath) == "" {
		return fmt.Errorf("--keystore required")
	}
	if !*force {
		if _, err := os.Stat(*keystorePath); err == nil {
			return fmt.Errorf("keystore file %s already exists (use --force to overwrite)", *keystorePath)
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	pass, err := passphrase.NewSource(*passEnv, passphrase.WithLabel("new keystore passphrase")).Get()
	if err != nil {
		return err
	}
	addr, err := generateKey(*keystorePath, pass)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Address: %s\nKeystore: %s\n", addr, *keystorePath)
	return nil
}

func generateKey(path, pass string) (crypto.Address, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return crypto.Address{}, fmt.Errorf("generate key: %w", err)
	}
	if err := crypto.SaveToKeystore(path, key, pass); err != nil {
		return crypto.Address{}, fmt.Errorf("write keystore: %w", err)
	}
	return key.PubKey().Address(), nil
}

func runValidate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	configPath := fs.String("config", "./irs.toml", "Path to the protocol config")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := os.Stat(*configPath); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	return describe(cfg, out)
}

func describe(cfg *config.Config, out io.Writer) error {
	boot, err := cfg.Bootstrap()
	if err != nil {
		return err
	}
	pools, err := cfg.PoolConfigs()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Owner: %s\nSettlement: %s\n", boot.Owner, boot.Settlement)
	fmt.Fprintf(out, "Sources: %d Collateral: %d Liquidation: %t\n", len(boot.Index.Sources), len(boot.Collateral), boot.Liquidation != nil)
	for _, entry := range pools {
		fmt.Fprintf(out, "Pool %s maturity=%d kappa=%s\n", events.IDString(entry.Key.ID()), entry.Config.Maturity, entry.Config.Kappa)
	}
	return nil
}

func runRequest(method string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(strings.ToLower(method), flag.ContinueOnError)
	endpoint := fs.String("endpoint", defaultEndpoint, "irsd base URL")
	token := fs.String("token", os.Getenv("IRSD_TOKEN"), "Bearer token")
	data := fs.String("data", "", "JSON request body; @file reads it from a file")
	timeout := fs.Duration("timeout", 10*time.Second, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("expected exactly one path argument")
	}
	body, err := requestBody(*data)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: *timeout}
	return call(client, method, strings.TrimRight(*endpoint, "/")+"/"+strings.TrimLeft(fs.Arg(0), "/"), *token, body, out)
}

func requestBody(data string) ([]byte, error) {
	if strings.HasPrefix(data, "@") {
		return os.ReadFile(strings.TrimPrefix(data, "@"))
	}
	return []byte(data), nil
}

func call(client *http.Client, method, url, token string, body []byte, out io.Writer) error {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		raw = pretty.Bytes()
	}
	fmt.Fprintln(out, string(raw))
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s %s: %s", method, url, resp.Status)
	}
	return nil
}
