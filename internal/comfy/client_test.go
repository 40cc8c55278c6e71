package comfy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fpang/comfy-worker/internal/jobutil"
)

// newTestClient creates a Client pointing at a test HTTP server.
func newTestClient(server *httptest.Server) *Client {
	return &Client{
		httpClient: server.Client(),
		baseURL:    server.URL,
		clientID:   "test-client",
	}
}

// deadClient points at a server that has already been closed.
func deadClient() *Client {
	server := httptest.NewServer(http.NotFoundHandler())
	c := newTestClient(server)
	server.Close()
	return c
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "http://127.0.0.1:8188"},
		{"127.0.0.1:8188", "http://127.0.0.1:8188"},
		{"https://comfy.internal/", "https://comfy.internal"},
		{" localhost:9000 ", "http://localhost:9000"},
	}
	for _, tt := range tests {
		if got := BaseURL(tt.in); got != tt.want {
			t.Errorf("BaseURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSubmit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/prompt" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			Prompt   map[string]any `json:"prompt"`
			ClientID string         `json:"client_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.Prompt["3"] == nil {
			t.Errorf("workflow not forwarded under prompt: %+v", body.Prompt)
		}
		if body.ClientID != "test-client" {
			t.Errorf("unexpected client_id %q", body.ClientID)
		}
		w.Write([]byte(`{"prompt_id":"p-123","number":4,"node_errors":{}}`))
	}))
	defer server.Close()

	id, err := newTestClient(server).Submit(context.Background(), json.RawMessage(`{"3":{"class_type":"KSampler"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "p-123" {
		t.Errorf("expected p-123, got %s", id)
	}
}

func TestSubmit_Classification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   jobutil.Kind
	}{
		{"bad request", 400, `{"error":{"type":"prompt_outputs_failed_validation"}}`, jobutil.BackendRejected},
		{"server error", 503, `oops`, jobutil.BackendUnreachable},
		{"node errors", 200, `{"prompt_id":"p","node_errors":{"4":{"errors":[]}}}`, jobutil.BackendRejected},
		{"missing prompt id", 200, `{"number":1}`, jobutil.BackendRejected},
		{"not json", 200, `<html>`, jobutil.BackendRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newTestClient(server).Submit(context.Background(), json.RawMessage(`{}`))
			if got := jobutil.KindOf(err); got != tt.want {
				t.Errorf("expected %s, got %s (%v)", tt.want, got, err)
			}
		})
	}
}

func TestSubmit_Unreachable(t *testing.T) {
	_, err := deadClient().Submit(context.Background(), json.RawMessage(`{}`))
	if !jobutil.Is(err, jobutil.BackendUnreachable) {
		t.Errorf("expected BackendUnreachable, got %v", err)
	}
}

func TestSubmit_EmptyWorkflow(t *testing.T) {
	_, err := (&Client{}).Submit(context.Background(), nil)
	if !jobutil.Is(err, jobutil.InvalidInput) {
		t.Errorf("expected InvalidInput, got %v", err)
	}
}

func TestPollStatus(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantState State
		wantRefs  []string
		wantKind  jobutil.Kind
		wantError bool
	}{
		{name: "empty history", body: `{}`, wantState: Pending},
		{name: "other prompt", body: `{"other":{"outputs":{"9":{"images":[]}}}}`, wantState: Pending},
		{name: "running", body: `{"p-1":{"outputs":{},"status":{"status_str":"success","completed":false}}}`, wantState: Pending},
		{
			name:      "completed in document order",
			body:      `{"p-1":{"outputs":{"9":{"images":[{"filename":"b.png","subfolder":"","type":"output"},{"filename":"c.png","subfolder":"","type":"output"}]},"12":{"text":["x"]},"2":{"images":[{"filename":"a.png","subfolder":"sub","type":"output"}]}}}}`,
			wantState: Completed,
			wantRefs:  []string{"b.png", "c.png", "a.png"},
		},
		{name: "completed without outputs", body: `{"p-1":{"outputs":{},"status":{"status_str":"success","completed":true}}}`, wantState: Completed, wantRefs: []string{}},
		{
			name:      "execution error",
			body:      `{"p-1":{"outputs":{},"status":{"status_str":"error","completed":false,"messages":[["execution_start",{}],["execution_error",{"node_id":"3","node_type":"KSampler","exception_message":"CUDA out of memory","exception_type":"RuntimeError"}]]}}}`,
			wantState: Failed,
		},
		{name: "garbage", body: `[1,2`, wantError: true, wantKind: jobutil.BackendRejected},
		{name: "outputs not an object", body: `{"p-1":{"outputs":[1]}}`, wantError: true, wantKind: jobutil.BackendRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/history/p-1" {
					t.Errorf("unexpected path: %s", r.URL.Path)
				}
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			st, err := newTestClient(server).PollStatus(context.Background(), "p-1")
			if tt.wantError {
				if got := jobutil.KindOf(err); err == nil || got != tt.wantKind {
					t.Fatalf("expected %s error, got %v", tt.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if st.State != tt.wantState {
				t.Fatalf("expected state %s, got %s", tt.wantState, st.State)
			}
			if tt.wantRefs != nil {
				if len(st.Refs) != len(tt.wantRefs) {
					t.Fatalf("expected %d refs, got %d", len(tt.wantRefs), len(st.Refs))
				}
				for i, name := range tt.wantRefs {
					if st.Refs[i].Filename != name {
						t.Errorf("ref %d: expected %s, got %s", i, name, st.Refs[i].Filename)
					}
				}
			}
		})
	}
}

func TestPollStatus_ErrorDetail(t *testing.T) {
	body := `{"p-1":{"outputs":{},"status":{"status_str":"error","messages":[["execution_error",{"node_id":"3","node_type":"KSampler","exception_message":"CUDA out of memory","exception_type":"RuntimeError"}]]}}}`
	st, err := parseHistory([]byte(body), "p-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(st.Detail, "CUDA out of memory") || !strings.Contains(st.Detail, "KSampler") {
		t.Errorf("unexpected detail: %q", st.Detail)
	}
}

func TestPollStatus_Unreachable(t *testing.T) {
	_, err := deadClient().PollStatus(context.Background(), "p-1")
	if !jobutil.Is(err, jobutil.BackendUnreachable) {
		t.Errorf("expected BackendUnreachable, got %v", err)
	}
}

func TestFetchImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/view" || q.Get("filename") != "ComfyUI_00001_.png" || q.Get("subfolder") != "sub" || q.Get("type") != "output" {
			t.Errorf("unexpected request: %s", r.URL.String())
		}
		w.Write([]byte("PNGDATA"))
	}))
	defer server.Close()

	data, err := newTestClient(server).FetchImage(context.Background(),
		ImageRef{Filename: "ComfyUI_00001_.png", Subfolder: "sub", Type: "output"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "PNGDATA" {
		t.Errorf("unexpected data %q", data)
	}
}

func TestFetchImage_Missing(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := newTestClient(server).FetchImage(context.Background(), ImageRef{Filename: "gone.png"})
	if !jobutil.Is(err, jobutil.ArtifactMissing) {
		t.Errorf("expected ArtifactMissing, got %v", err)
	}
}

func TestFetchImage_Unreachable(t *testing.T) {
	_, err := deadClient().FetchImage(context.Background(), ImageRef{Filename: "a.png"})
	if !jobutil.Is(err, jobutil.BackendUnreachable) {
		t.Errorf("expected BackendUnreachable, got %v", err)
	}
}

func TestPing(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()
	if err := newTestClient(up).Ping(context.Background()); err != nil {
		t.Errorf("expected nil, got %v", err)
	}

	if err := deadClient().Ping(context.Background()); !jobutil.Is(err, jobutil.BackendUnreachable) {
		t.Errorf("expected BackendUnreachable, got %v", err)
	}
}

func TestUploadImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/upload/image" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if r.FormValue("overwrite") != "true" {
			t.Error("expected overwrite=true")
		}
		f, hdr, err := r.FormFile("image")
		if err != nil {
			t.Fatalf("missing image part: %v", err)
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if hdr.Filename != "input.png" || string(data) != "img" {
			t.Errorf("unexpected upload %s %q", hdr.Filename, data)
		}
		w.Write([]byte(`{"name":"input.png","subfolder":"","type":"input"}`))
	}))
	defer server.Close()

	if err := newTestClient(server).UploadImage(context.Background(), "input.png", []byte("img")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUploadImage_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad image", http.StatusBadRequest)
	}))
	defer server.Close()

	err := newTestClient(server).UploadImage(context.Background(), "input.png", []byte("img"))
	if !jobutil.Is(err, jobutil.BackendRejected) {
		t.Errorf("expected BackendRejected, got %v", err)
	}
}
