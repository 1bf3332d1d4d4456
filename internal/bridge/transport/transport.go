// Package transport makes the bridge's upstream HTTPS calls: bearer
// auth, one 401-triggered refresh-and-retry, and assembly of
// text/event-stream responses into a single JSON-RPC result.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/codeindexer/cidx/internal/bridge/rpc"
)

// TokenSource supplies the current bearer token and, on demand,
// refreshes it. Refresh is only invoked after an upstream 401.
type TokenSource interface {
	Token() string
	Refresh(ctx context.Context) (newToken string, err error)
}

// Client issues upstream JSON-RPC calls over HTTPS.
type Client struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Tokens     TokenSource
}

func New(baseURL string, timeout time.Duration, tokens TokenSource) *Client {
	return &Client{
		BaseURL:    baseURL,
		Timeout:    timeout,
		HTTPClient: &http.Client{Timeout: timeout},
		Tokens:     tokens,
	}
}

// Call forwards a JSON-RPC request upstream and returns the payload to
// place under the JSON-RPC response's "result" key. A non-SSE
// response's decoded JSON body is passed through directly; an SSE
// response is assembled per the chunk/complete protocol.
func (c *Client) Call(ctx context.Context, req rpc.Request) (any, *rpc.Error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	result, rpcErr := c.doOnce(ctx, req, c.Tokens.Token())
	if rpcErr == nil || rpcErr.Code != http401Marker {
		return result, rpcErr
	}

	newToken, err := c.Tokens.Refresh(ctx)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeServerError, "authentication failed", err.Error())
	}
	return c.doOnce(ctx, req, newToken)
}

// http401Marker is a sentinel rpc.Error code used only internally to
// signal "retry with a refreshed token"; it is never sent on the wire.
const http401Marker = -1

func (c *Client) doOnce(ctx context.Context, req rpc.Request, token string) (any, *rpc.Error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeInternalError, "failed to encode upstream request", err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, rpc.NewError(rpc.CodeServerError, "failed to build upstream request", err.Error())
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, rpc.NewError(rpc.CodeServerError, "upstream call timed out", err.Error())
		}
		return nil, rpc.NewError(rpc.CodeServerError, "upstream server unreachable", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &rpc.Error{Code: http401Marker, Message: "unauthorized"}
	}
	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, rpc.NewError(rpc.CodeServerError, fmt.Sprintf("upstream returned status %d", resp.StatusCode), string(detail))
	}

	if isEventStream(resp.Header.Get("Content-Type")) {
		return assembleSSE(resp.Body)
	}

	var payload any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, rpc.NewError(rpc.CodeServerError, "failed to decode upstream response", err.Error())
	}
	return payload, nil
}

func isEventStream(contentType string) bool {
	return strings.HasPrefix(strings.TrimSpace(contentType), "text/event-stream")
}

// sseEvent is one parsed `data:` line's JSON body.
type sseEvent struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// assembleSSE reads an event stream, concatenating "chunk" events'
// content (each either a plain string or a JSON object, per the wire
// contract) into an ordered buffer, and returns the final "complete"
// event's content as the result; a "complete" event without content
// yields the assembled chunks instead. An incomplete stream (EOF before
// a complete event) is a -32000 transport error.
func assembleSSE(r io.Reader) (any, *rpc.Error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var textChunks []string
	var objectChunks []json.RawMessage
	sawObjectChunk := false

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var evt sseEvent
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			return nil, rpc.NewError(rpc.CodeServerError, "malformed SSE event", err.Error())
		}

		switch evt.Type {
		case "chunk":
			var asString string
			if json.Unmarshal(evt.Content, &asString) == nil {
				textChunks = append(textChunks, asString)
			} else {
				sawObjectChunk = true
				objectChunks = append(objectChunks, evt.Content)
			}
		case "complete":
			if len(evt.Content) == 0 {
				if sawObjectChunk {
					return objectChunks, nil
				}
				return strings.Join(textChunks, ""), nil
			}
			var final any
			if err := json.Unmarshal(evt.Content, &final); err != nil {
				return nil, rpc.NewError(rpc.CodeServerError, "malformed SSE complete event", err.Error())
			}
			return final, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, rpc.NewError(rpc.CodeServerError, "incomplete SSE stream", err.Error())
	}
	return nil, rpc.NewError(rpc.CodeServerError, "incomplete SSE stream", "stream closed before a complete event")
}
