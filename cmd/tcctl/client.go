package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultAPIURL = "http://localhost:8080"

// apiClient talks to the orchestrator's HTTP API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

// clientFor resolves the API base URL from the --api flag, then
// TC_API_URL, then the default.
func clientFor(cmd *cobra.Command) *apiClient {
	base, _ := cmd.Flags().GetString("api")
	if base == "" {
		base = os.Getenv("TC_API_URL")
	}
	if base == "" {
		base = defaultAPIURL
	}
	return &apiClient{
		baseURL: base,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// get performs a GET and decodes the response into out (may be nil).
func (c *apiClient) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

// post performs a POST with an optional JSON body and decodes into out.
func (c *apiClient) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *apiClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach orchestrator at %s (is it running?): %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
