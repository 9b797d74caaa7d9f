package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// apiError is a non-2xx response from the API.
type apiError struct {
	Status     int
	Message    string `json:"error"`
	Kind       string `json:"kind"`
	RetryAfter int    `json:"retry_after_seconds"`
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("%d %s", e.Status, e.Message)
	if e.Kind != "" {
		msg += " (" + e.Kind + ")"
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(", retry in %ds", e.RetryAfter)
	}
	return msg
}

type client struct {
	addr  string
	agent string
	token string
	http  *http.Client
}

func newClient() *client {
	return &client{
		addr:  strings.TrimRight(apiAddr, "/"),
		agent: agentID,
		token: adminToken,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends body as JSON and decodes the response into out. A nil out
// discards the response body.
func (c *client) do(method, path string, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.addr+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.agent != "" {
		req.Header.Set("X-Agent-ID", c.agent)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &apiError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
