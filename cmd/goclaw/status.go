package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/go-claw/internal/config"
)

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: goclaw status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	addr := strings.TrimSpace(cfg.BindAddr)
	if addr == "" {
		addr = "127.0.0.1:18789"
	}

	baseURL := ""
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		baseURL = strings.TrimRight(addr, "/")
	} else {
		// Normalize IPv6 host:port if needed.
		if host, port, err := net.SplitHostPort(addr); err == nil {
			addr = net.JoinHostPort(host, port)
		}
		baseURL = "http://" + addr
	}

	healthCode, healthOK := fetchStatusEndpoint(ctx, baseURL+"/healthz")
	// /api/groups reports the Group Execution Scheduler's live lane state; a
	// 404 just means the group scheduler isn't configured on this instance.
	groupsCode, _ := fetchStatusEndpoint(ctx, baseURL+"/api/groups")

	if !healthOK {
		return 1
	}
	if groupsCode != http.StatusOK && groupsCode != http.StatusNotFound {
		return 1
	}
	return 0
}

// fetchStatusEndpoint GETs url and prints its body to stdout, returning the
// response status code (0 on transport failure) and whether the request
// itself succeeded (regardless of status code).
func fetchStatusEndpoint(ctx context.Context, url string) (code int, ok bool) {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 0, false
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 0, false
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	_, _ = os.Stdout.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = os.Stdout.Write([]byte("\n"))
	}
	return resp.StatusCode, true
}
