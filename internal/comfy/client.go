// Package comfy provides a client for the ComfyUI HTTP API used by the
// worker: queueing a workflow, reading its history record, downloading
// generated images, uploading input images, and probing readiness.
//
// The client maps the wire protocol onto classified errors and does not
// retry. Retry policy belongs to the callers (see internal/poller), so every
// method costs exactly one HTTP round trip.
//
// ComfyUI job lifecycle as seen through this client:
//  1. POST /prompt queues the workflow and returns a prompt_id
//  2. GET /history/{prompt_id} is empty until execution finishes, then holds
//     the node outputs (or an error status)
//  3. GET /view?filename=&subfolder=&type= streams one output file
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/comfy-worker/internal/jobutil"
)

const (
	// DefaultHost is the address ComfyUI listens on inside the worker container.
	DefaultHost = "127.0.0.1:8188"

	// defaultTimeout is the HTTP client timeout for API calls.
	defaultTimeout = 30 * time.Second

	// maxErrorBody bounds how much of an error response is kept for messages.
	maxErrorBody = 4 << 10
)

// ImageRef identifies one output file as reported by the history record.
type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// State is the outcome of a single history query.
type State int

const (
	Pending State = iota
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// Status is the result of PollStatus. Refs is set only when State is
// Completed; Detail only when State is Failed.
type Status struct {
	State  State
	Refs   []ImageRef
	Detail string
}

// Client talks to one ComfyUI instance.
type Client struct {
	httpClient *http.Client
	baseURL    string
	clientID   string
}

// NewClient creates a ComfyUI client. host may be "host:port" or a full URL;
// a bare address is treated as plain http. A zero timeout uses the default.
func NewClient(host string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    BaseURL(host),
		clientID:   uuid.NewString(),
	}
}

// BaseURL normalizes a configured host into a base URL without trailing slash.
func BaseURL(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		host = DefaultHost
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return strings.TrimRight(host, "/")
}

// --- API response types ---

type submitResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
}

type historyEntry struct {
	Outputs json.RawMessage `json:"outputs"`
	Status  *historyStatus  `json:"status,omitempty"`
}

type historyStatus struct {
	StatusStr string              `json:"status_str"`
	Completed bool                `json:"completed"`
	Messages  [][]json.RawMessage `json:"messages"`
}

type executionError struct {
	NodeID           string `json:"node_id"`
	NodeType         string `json:"node_type"`
	ExceptionMessage string `json:"exception_message"`
	ExceptionType    string `json:"exception_type"`
}

// --- Ping ---

// Ping checks that the API answers GET / with 200.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/", nil, "")
	if err != nil {
		return jobutil.E(jobutil.BackendUnreachable, "ping", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return jobutil.Errorf(jobutil.BackendUnreachable, "ping", "status %d", resp.StatusCode)
	}
	return nil
}

// --- Submission ---

// Submit queues a workflow and returns the backend's prompt ID. The workflow
// document is forwarded byte-for-byte as the "prompt" field.
func (c *Client) Submit(ctx context.Context, workflow json.RawMessage) (string, error) {
	if len(bytes.TrimSpace(workflow)) == 0 {
		return "", jobutil.Errorf(jobutil.InvalidInput, "submit", "empty workflow")
	}
	body, err := json.Marshal(struct {
		Prompt   json.RawMessage `json:"prompt"`
		ClientID string          `json:"client_id"`
	}{Prompt: workflow, ClientID: c.clientID})
	if err != nil {
		return "", jobutil.E(jobutil.InvalidInput, "submit", fmt.Errorf("encode workflow: %w", err))
	}

	resp, err := c.do(ctx, http.MethodPost, "/prompt", bytes.NewReader(body), "application/json")
	if err != nil {
		return "", jobutil.E(jobutil.BackendUnreachable, "submit", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", jobutil.E(jobutil.BackendUnreachable, "submit", fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode >= 500:
		return "", jobutil.Errorf(jobutil.BackendUnreachable, "submit",
			"status %d: %s", resp.StatusCode, truncate(string(data), 200))
	case resp.StatusCode >= 400:
		return "", jobutil.Errorf(jobutil.BackendRejected, "submit",
			"status %d: %s", resp.StatusCode, truncate(string(data), maxErrorBody))
	}

	var sr submitResponse
	if err := json.Unmarshal(data, &sr); err != nil {
		return "", jobutil.Errorf(jobutil.BackendRejected, "submit",
			"parse response: %v (body: %s)", err, truncate(string(data), 200))
	}
	if hasContent(sr.NodeErrors) {
		return "", jobutil.Errorf(jobutil.BackendRejected, "submit",
			"node errors: %s", truncate(string(sr.NodeErrors), maxErrorBody))
	}
	if sr.PromptID == "" {
		return "", jobutil.Errorf(jobutil.BackendRejected, "submit",
			"unexpected response: no prompt_id (body: %s)", truncate(string(data), 200))
	}

	log.Info().Str("promptId", sr.PromptID).Int("queueNumber", sr.Number).Msg("Workflow queued")
	return sr.PromptID, nil
}

// --- Status polling ---

// PollStatus performs one history query for promptID. It never waits.
func (c *Client) PollStatus(ctx context.Context, promptID string) (Status, error) {
	resp, err := c.do(ctx, http.MethodGet, "/history/"+url.PathEscape(promptID), nil, "")
	if err != nil {
		return Status{}, jobutil.E(jobutil.BackendUnreachable, "poll status", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Status{}, jobutil.E(jobutil.BackendUnreachable, "poll status", fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode >= 500 {
		return Status{}, jobutil.Errorf(jobutil.BackendUnreachable, "poll status", "status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return Status{}, jobutil.Errorf(jobutil.BackendRejected, "poll status",
			"status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	return parseHistory(data, promptID)
}

// parseHistory interprets a /history/{id} body for one prompt.
func parseHistory(data []byte, promptID string) (Status, error) {
	var history map[string]historyEntry
	if err := json.Unmarshal(data, &history); err != nil {
		return Status{}, jobutil.Errorf(jobutil.BackendRejected, "poll status",
			"parse history: %v (body: %s)", err, truncate(string(data), 200))
	}

	entry, ok := history[promptID]
	if !ok {
		return Status{State: Pending}, nil
	}

	if entry.Status != nil && entry.Status.StatusStr == "error" {
		return Status{State: Failed, Detail: entry.Status.errorDetail()}, nil
	}

	if !hasContent(entry.Outputs) {
		if entry.Status != nil && entry.Status.Completed {
			// Finished without output nodes.
			return Status{State: Completed, Refs: []ImageRef{}}, nil
		}
		return Status{State: Pending}, nil
	}

	refs, err := orderedImageRefs(entry.Outputs)
	if err != nil {
		return Status{}, jobutil.E(jobutil.BackendRejected, "poll status", err)
	}
	return Status{State: Completed, Refs: refs}, nil
}

// orderedImageRefs walks the outputs object in document order. Decoding into
// a map would lose the node order the backend reported.
func orderedImageRefs(raw json.RawMessage) ([]ImageRef, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("parse outputs: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("parse outputs: expected object, got %v", tok)
	}

	refs := []ImageRef{}
	for dec.More() {
		if _, err := dec.Token(); err != nil {
			return nil, fmt.Errorf("parse outputs: %w", err)
		}
		var node struct {
			Images []ImageRef `json:"images"`
		}
		if err := dec.Decode(&node); err != nil {
			return nil, fmt.Errorf("parse node output: %w", err)
		}
		for _, img := range node.Images {
			if img.Filename == "" {
				return nil, fmt.Errorf("parse node output: image without filename")
			}
			refs = append(refs, img)
		}
	}
	return refs, nil
}

// errorDetail extracts the execution_error message, if the backend sent one.
func (s *historyStatus) errorDetail() string {
	for _, msg := range s.Messages {
		if len(msg) != 2 {
			continue
		}
		var kind string
		if err := json.Unmarshal(msg[0], &kind); err != nil || kind != "execution_error" {
			continue
		}
		var ee executionError
		if err := json.Unmarshal(msg[1], &ee); err != nil {
			continue
		}
		if ee.NodeType != "" {
			return fmt.Sprintf("%s (node %s %s): %s", ee.ExceptionType, ee.NodeID, ee.NodeType, ee.ExceptionMessage)
		}
		return ee.ExceptionMessage
	}
	return "backend reported an execution error"
}

// --- Artifact retrieval ---

// FetchImage downloads the bytes of one output file.
func (c *Client) FetchImage(ctx context.Context, ref ImageRef) ([]byte, error) {
	q := url.Values{
		"filename":  {ref.Filename},
		"subfolder": {ref.Subfolder},
		"type":      {ref.Type},
	}
	resp, err := c.do(ctx, http.MethodGet, "/view?"+q.Encode(), nil, "")
	if err != nil {
		return nil, jobutil.E(jobutil.BackendUnreachable, "fetch image", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, jobutil.Errorf(jobutil.ArtifactMissing, "fetch image", "%s not found", refPath(ref))
	case resp.StatusCode >= 500:
		return nil, jobutil.Errorf(jobutil.BackendUnreachable, "fetch image", "%s: status %d", refPath(ref), resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, jobutil.Errorf(jobutil.BackendRejected, "fetch image", "%s: status %d", refPath(ref), resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, jobutil.E(jobutil.BackendUnreachable, "fetch image", fmt.Errorf("read %s: %w", refPath(ref), err))
	}
	log.Debug().Str("filename", ref.Filename).Str("subfolder", ref.Subfolder).Int("bytes", len(data)).Msg("Image fetched")
	return data, nil
}

// --- Input images ---

// UploadImage stores an input image on the backend under name so workflows
// can reference it (e.g. from a LoadImage node). Existing files are overwritten.
func (c *Client) UploadImage(ctx context.Context, name string, data []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", name)
	if err != nil {
		return jobutil.E(jobutil.InvalidInput, "upload image", err)
	}
	if _, err := part.Write(data); err != nil {
		return jobutil.E(jobutil.InvalidInput, "upload image", err)
	}
	if err := mw.WriteField("overwrite", "true"); err != nil {
		return jobutil.E(jobutil.InvalidInput, "upload image", err)
	}
	if err := mw.Close(); err != nil {
		return jobutil.E(jobutil.InvalidInput, "upload image", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/upload/image", &buf, mw.FormDataContentType())
	if err != nil {
		return jobutil.E(jobutil.BackendUnreachable, "upload image", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode != http.StatusOK {
		return jobutil.Errorf(jobutil.BackendRejected, "upload image",
			"%s: status %d: %s", name, resp.StatusCode, truncate(string(body), 200))
	}
	log.Info().Str("imageName", name).Int("bytes", len(data)).Msg("Input image uploaded")
	return nil
}

// --- Internal helpers ---

// do sends one request and logs its outcome at debug level.
func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, contentType string) (*http.Response, error) {
	startTime := time.Now()
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		log.Debug().Str("method", method).Str("path", endpoint).Dur("duration", duration).Err(err).Msg("ComfyUI request failed")
		return nil, fmt.Errorf("request failed: %w", err)
	}
	log.Debug().Str("method", method).Str("path", endpoint).Int("statusCode", resp.StatusCode).Dur("duration", duration).Msg("ComfyUI response")
	return resp, nil
}

// hasContent reports whether raw holds something other than null or an empty
// object/array.
func hasContent(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null" && s != "{}" && s != "[]"
}

func refPath(ref ImageRef) string {
	if ref.Subfolder == "" {
		return ref.Filename
	}
	return ref.Subfolder + "/" + ref.Filename
}

// truncate returns the first n characters of s, appending "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
