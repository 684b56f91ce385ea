package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"srmjobs/pkg/api"
)

// RequestClient handles API calls to the srmjobs controller.
type RequestClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewRequestClient creates a new client for the controller at baseURL.
func NewRequestClient(baseURL string) *RequestClient {
	return &RequestClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Submit sends POST /requests.
func (c *RequestClient) Submit(req api.SubmitRequest) (*api.SubmitResponse, error) {
	var result api.SubmitResponse
	if err := c.do(http.MethodPost, "/requests", req, &result, http.StatusCreated); err != nil {
		return nil, err
	}
	return &result, nil
}

// Get sends GET /requests/{id}.
func (c *RequestClient) Get(id int64) (*api.JobResponse, error) {
	var result api.JobResponse
	if err := c.do(http.MethodGet, "/requests/"+strconv.FormatInt(id, 10), nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}

// List sends GET /jobs with the given filters.
func (c *RequestClient) List(typeName, owner string, states []string, limit int) ([]int64, error) {
	q := url.Values{}
	if typeName != "" {
		q.Set("type", typeName)
	}
	if owner != "" {
		q.Set("owner", owner)
	}
	for _, st := range states {
		q.Add("state", st)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var result api.ListResponse
	if err := c.do(http.MethodGet, path, nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return result.IDs, nil
}

// Cancel sends POST /jobs/{id}/cancel.
func (c *RequestClient) Cancel(id int64, reason string) (*api.JobResponse, error) {
	var result api.JobResponse
	path := fmt.Sprintf("/jobs/%d/cancel", id)
	if err := c.do(http.MethodPost, path, api.CancelRequest{Reason: reason}, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RequestClient) do(method, path string, body, out any, expected ...int) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if !slices.Contains(expected, resp.StatusCode) {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// errorMessage extracts the message of an api.ErrorResponse, falling back
// to the raw body.
func errorMessage(body []byte) string {
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return string(bytes.TrimSpace(body))
}

func printAPIError(cmd interface{ Printf(string, ...any) }, action string, err error) {
	if apiErr, ok := err.(*APIError); ok {
		cmd.Printf("%s failed (%d): %s\n", action, apiErr.StatusCode, apiErr.Message)
		return
	}
	cmd.Printf("%s failed: %v\n", action, err)
}
