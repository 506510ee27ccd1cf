package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/swarmled/internal/config"
)

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: swarmled status")
		return 2
	}
	return daemonRequest(ctx, http.MethodGet, "/healthz", false)
}

func runReconcileCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: swarmled reconcile")
		return 2
	}
	return daemonRequest(ctx, http.MethodPost, "/api/v1/reconcile", true)
}

// daemonRequest hits an endpoint on the running daemon and streams the JSON
// response to stdout.
func daemonRequest(ctx context.Context, method, path string, authed bool) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	addr := strings.TrimSpace(cfg.BindAddr)
	if host, port, err := net.SplitHostPort(addr); err == nil {
		addr = net.JoinHostPort(host, port)
	}
	url := "http://" + addr + path

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	if authed {
		token := cfg.AuthToken
		if token == "" {
			if b, err := os.ReadFile(filepath.Join(cfg.HomeDir, "auth.token")); err == nil {
				token = strings.TrimSpace(string(b))
			}
		}
		if token == "" {
			fmt.Fprintln(os.Stderr, "no auth token found; is the daemon initialized?")
			return 1
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "daemon not reachable at %s: %v\n", addr, err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	_, _ = os.Stdout.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = os.Stdout.Write([]byte("\n"))
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
