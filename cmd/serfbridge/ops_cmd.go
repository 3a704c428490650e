package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/auth"
)

func defaultAddr() string {
	if addr := os.Getenv("SERFBRIDGE_ADDR"); addr != "" {
		return addr
	}
	return "http://localhost:8080"
}

func runHealthCmd(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(errOut)
	addr := fs.String("addr", defaultAddr(), "relay API base URL")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(*addr, "/") + "/health")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	var body struct {
		Status    string `json:"status"`
		Node      string `json:"node"`
		Gossip    string `json:"gossip"`
		Consensus string `json:"consensus"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "%s node=%s gossip=%q consensus=%q\n", strings.ToUpper(body.Status), body.Node, body.Gossip, body.Consensus)
	if body.Status != "ok" {
		return 1
	}
	return 0
}

func runTriggerCmd(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("trigger", flag.ContinueOnError)
	fs.SetOutput(errOut)
	addr := fs.String("addr", defaultAddr(), "relay API base URL")
	name := fs.String("name", "", "event name (empty: random transfer between alive members)")
	payload := fs.String("payload", "", "event payload, JSON or plain text")
	inject := fs.Bool("inject", false, "hand the event to the relay directly instead of gossiping it")
	token := fs.String("token", os.Getenv("SERFBRIDGE_TOKEN"), "bearer token")
	key := fs.String("idempotency-key", "", "Idempotency-Key header (default: random)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var body []byte
	if *name != "" {
		raw := json.RawMessage(*payload)
		if !json.Valid(raw) {
			quoted, _ := json.Marshal(*payload)
			raw = quoted
		}
		body, _ = json.Marshal(map[string]any{"name": *name, "payload": raw})
	}

	target := strings.TrimRight(*addr, "/") + "/api/trigger"
	if *inject {
		target += "?" + url.Values{"inject": {"true"}}.Encode()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(errOut, "trigger: %v\n", err)
		return 1
	}
	req.Header.Set("Content-Type", "application/json")
	if *key == "" {
		*key = uuid.NewString()
	}
	req.Header.Set("Idempotency-Key", *key)
	if *token != "" {
		req.Header.Set("Authorization", "Bearer "+*token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(errOut, "trigger: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		fmt.Fprintf(errOut, "trigger failed: status %d: %s\n", resp.StatusCode, bytes.TrimSpace(respBody))
		return 1
	}
	fmt.Fprintln(out, string(bytes.TrimSpace(respBody)))
	return 0
}

func runTokenCmd(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(errOut)
	subject := fs.String("subject", "operator", "token subject")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	secret := fs.String("secret", os.Getenv("API_JWT_SECRET"), "shared HS256 secret (default $API_JWT_SECRET)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	v := auth.NewValidator(*secret)
	if v == nil {
		fmt.Fprintln(errOut, "token: no secret; set API_JWT_SECRET or --secret")
		return 2
	}
	tok, err := v.Issue(*subject, *ttl, auth.RoleTrigger)
	if err != nil {
		fmt.Fprintf(errOut, "token: %v\n", err)
		return 1
	}
	fmt.Fprintln(out, tok)
	return 0
}
