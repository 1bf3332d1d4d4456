// Command cidx-bridge is the MCP bridge (C17): a single-process,
// event-driven program that reads JSON-RPC 2.0 requests from stdin,
// forwards them over HTTPS to the configured cidx server, and writes
// JSON-RPC 2.0 responses to stdout.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/codeindexer/cidx/internal/bridge/auth"
	"github.com/codeindexer/cidx/internal/bridge/config"
	"github.com/codeindexer/cidx/internal/bridge/credentials"
	"github.com/codeindexer/cidx/internal/bridge/rpc"
	"github.com/codeindexer/cidx/internal/bridge/transport"
	"github.com/codeindexer/cidx/pkg/log"
)

func main() {
	setup := flagPresent("--setup-credentials")
	diagnose := flagPresent("--diagnose")
	help := flagPresent("--help") || flagPresent("-h")

	if help {
		printHelp()
		return
	}
	if setup {
		if err := runSetupCredentials(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, permWarning, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if permWarning != "" {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", permWarning)
	}
	log.Init(log.Config{Level: log.Level(mapLogLevel(cfg.LogLevel)), Output: os.Stderr})

	if diagnose {
		runDiagnose(cfg)
		return
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	tokens := auth.New(cfg.ServerURL, httpClient, cfg.Token)
	client := transport.New(cfg.ServerURL, cfg.Timeout, tokens)

	handler := func(req rpc.Request) rpc.Response {
		result, rpcErr := client.Call(context.Background(), req)
		if rpcErr != nil {
			return rpc.ErrorResponse(req.ID, rpcErr)
		}
		return rpc.ResultResponse(req.ID, result)
	}

	if err := rpc.Serve(os.Stdin, os.Stdout, handler); err != nil {
		log.Logger.Error().Err(err).Msg("cidx-bridge: stdio loop terminated")
		os.Exit(1)
	}
}

func flagPresent(flag string) bool {
	for _, a := range os.Args[1:] {
		if a == flag {
			return true
		}
	}
	return false
}

func mapLogLevel(level string) string {
	if level == "warning" {
		return "warn"
	}
	return level
}

func runSetupCredentials() error {
	reader := bufio.NewReader(os.Stdin)
	fmt.Print("Username: ")
	username, _ := reader.ReadString('\n')
	fmt.Print("Password: ")
	password, _ := reader.ReadString('\n')

	creds := credentials.Credentials{
		Username: strings.TrimSpace(username),
		Password: strings.TrimSpace(password),
	}
	if err := credentials.Store(creds); err != nil {
		return fmt.Errorf("cidx-bridge: store credentials: %w", err)
	}
	fmt.Println("Credentials stored.")
	return nil
}

func runDiagnose(cfg config.Config) {
	masked := cfg.Masked()
	path, _ := config.Path()

	fmt.Println("cidx-bridge diagnostics")
	fmt.Println("=======================")
	fmt.Printf("config file: %s\n", path)
	fmt.Printf("credentials stored: %v\n", credentials.Exists())
	fmt.Println()
	fmt.Println("effective configuration (value, source):")
	fmt.Printf("  server_url: %s (%s)\n", masked.ServerURL, cfg.Source["server_url"])
	fmt.Printf("  token:      %s (%s)\n", masked.Token, sourceOrUnset(cfg.Source["token"]))
	fmt.Printf("  timeout:    %s (%s)\n", masked.Timeout, cfg.Source["timeout"])
	fmt.Printf("  log_level:  %s (%s)\n", masked.LogLevel, cfg.Source["log_level"])
	fmt.Println()

	if cfg.ServerURL == "" {
		fmt.Println("reachability: skipped (no server_url configured)")
		return
	}
	resp, err := http.Head(cfg.ServerURL)
	if err != nil {
		fmt.Printf("reachability: unreachable (%v)\n", err)
		return
	}
	resp.Body.Close()
	fmt.Printf("reachability: reachable (status %d)\n", resp.StatusCode)
}

func sourceOrUnset(source string) string {
	if source == "" {
		return "unset"
	}
	return source
}

func printHelp() {
	fmt.Println(`cidx-bridge: MCP bridge between an AI agent and a cidx server

Usage:
  cidx-bridge                   run the bridge, reading JSON-RPC requests on stdin
  cidx-bridge --setup-credentials   prompt for and store encrypted credentials
  cidx-bridge --diagnose        print effective config and a reachability probe
  cidx-bridge --help            show this help

Environment:
  CIDX_SERVER_URL, CIDX_TOKEN, CIDX_TIMEOUT, CIDX_LOG_LEVEL
  (legacy MCPB_* variants are accepted at lower precedence)`)
}
