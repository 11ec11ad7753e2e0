package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/use-agent/hoptrace/models"
)

func main() {
	apiURL := os.Getenv("HOPTRACE_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8080"
	}
	apiKey := os.Getenv("HOPTRACE_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "HOPTRACE_API_KEY is required")
		os.Exit(1)
	}

	if err := server.ServeStdio(newServer(apiURL, apiKey)); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func newServer(apiURL, apiKey string) *server.MCPServer {
	s := server.NewMCPServer(
		"hoptrace",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	resolveURLTool := mcp.NewTool("resolve_url",
		mcp.WithDescription("Follow a URL or DOI through every redirect (HTTP, meta refresh and JavaScript) and return each hop with its HTTP status."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL, DOI URL or bare DOI (e.g. 10.1000/xyz) to resolve"),
		),
		mcp.WithString("engine",
			mcp.Description("'rod' (default, headless browser, sees script redirects) or 'http' (fast, HTTP and meta refresh only)"),
			mcp.Enum("rod", "http"),
		),
	)
	s.AddTool(resolveURLTool, handleResolveURL(apiURL, apiKey))

	batchResolveTool := mcp.NewTool("batch_resolve",
		mcp.WithDescription("Resolve several URLs or DOIs, each independently, and return the redirect chain of each."),
		mcp.WithArray("urls",
			mcp.Required(),
			mcp.Description("List of URLs or DOIs to resolve"),
		),
		mcp.WithString("engine",
			mcp.Description("'rod' (default) or 'http'"),
			mcp.Enum("rod", "http"),
		),
	)
	s.AddTool(batchResolveTool, handleBatchResolve(apiURL, apiKey))

	return s
}

// apiDo sends a request to the hoptrace API and returns the response body.
// Error statuses still return their body, which carries the error detail.
func apiDo(ctx context.Context, client *http.Client, method, apiURL, apiKey, path string, payload interface{}) ([]byte, error) {
	var r io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

// pollJobCompletion polls a job endpoint until status is no longer
// "processing" or ctx is cancelled.
func pollJobCompletion(ctx context.Context, client *http.Client, apiURL, apiKey, endpoint string, every time.Duration) ([]byte, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			body, err := apiDo(ctx, client, http.MethodGet, apiURL, apiKey, endpoint, nil)
			if err != nil {
				return nil, err
			}

			var status struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(body, &status); err != nil {
				return nil, fmt.Errorf("parse poll status: %w", err)
			}
			if status.Status != models.BatchProcessing {
				return body, nil
			}
		}
	}
}

// formatPath renders a resolution as one hop per line.
func formatPath(resp *models.ResolveResponse) string {
	var sb strings.Builder
	for i, hop := range resp.Path {
		fmt.Fprintf(&sb, "%d. [%d] %s\n", i+1, hop.Status, hop.URL)
	}
	if len(resp.Path) == 0 {
		sb.WriteString("(no navigation)\n")
	} else {
		fmt.Fprintf(&sb, "Final: %s\n", resp.FinalURL)
	}
	return sb.String()
}

func errorText(resp *models.ResolveResponse) string {
	if resp.Error == nil {
		return "resolve failed"
	}
	return fmt.Sprintf("[%s] %s", resp.Error.Code, resp.Error.Message)
}

func handleResolveURL(apiURL, apiKey string) server.ToolHandlerFunc {
	client := &http.Client{Timeout: 60 * time.Second}

	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := request.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError("url is required"), nil
		}

		payload := models.ResolveRequest{
			URL:    url,
			Engine: request.GetString("engine", ""),
		}
		respBody, err := apiDo(ctx, client, http.MethodPost, apiURL, apiKey, "/api/v1/resolve", payload)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var resp models.ResolveResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse response: %v", err)), nil
		}
		if !resp.Success {
			return mcp.NewToolResultError(errorText(&resp)), nil
		}
		return mcp.NewToolResultText(formatPath(&resp)), nil
	}
}

func handleBatchResolve(apiURL, apiKey string) server.ToolHandlerFunc {
	client := &http.Client{Timeout: 60 * time.Second}

	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		urls, err := request.RequireStringSlice("urls")
		if err != nil {
			return mcp.NewToolResultError("urls is required and must be an array of strings"), nil
		}

		payload := models.BatchRequest{
			URLs:   urls,
			Engine: request.GetString("engine", ""),
		}
		respBody, err := apiDo(ctx, client, http.MethodPost, apiURL, apiKey, "/api/v1/batch/resolve", payload)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("batch request failed: %v", err)), nil
		}

		var batchResp models.BatchResponse
		if err := json.Unmarshal(respBody, &batchResp); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse batch response: %v", err)), nil
		}
		if batchResp.ID == "" {
			msg := "batch job creation failed"
			if batchResp.Error != nil {
				msg = fmt.Sprintf("[%s] %s", batchResp.Error.Code, batchResp.Error.Message)
			}
			return mcp.NewToolResultError(msg), nil
		}

		resultBody, err := pollJobCompletion(ctx, client, apiURL, apiKey, "/api/v1/batch/"+batchResp.ID, time.Second)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("polling batch job failed: %v", err)), nil
		}

		var status models.BatchStatusResponse
		if err := json.Unmarshal(resultBody, &status); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse batch status: %v", err)), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Batch %s: %s (%d/%d done)\n\n", status.ID, status.Status, status.Completed, status.Total)
		for i, r := range status.Results {
			if i < len(urls) {
				fmt.Fprintf(&sb, "--- [%d] %s ---\n", i+1, urls[i])
			}
			switch {
			case r == nil:
				sb.WriteString("missing result\n\n")
			case r.Success:
				sb.WriteString(formatPath(r) + "\n")
			default:
				sb.WriteString("FAILED: " + errorText(r) + "\n\n")
			}
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}
