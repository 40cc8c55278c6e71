package orchestrator

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/fpang/comfy-worker/internal/jobutil"
)

func TestParseInput_Valid(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		wantWorkflow string
		wantImages   int
		wantInfID    string
	}{
		{
			name:         "object",
			input:        `{"workflow":{"3":{"class_type":"KSampler"}}}`,
			wantWorkflow: `{"3":{"class_type":"KSampler"}}`,
		},
		{
			name:         "input as JSON string",
			input:        `"{\"workflow\":{\"3\":{}}}"`,
			wantWorkflow: `{"3":{}}`,
		},
		{
			name:         "workflow as JSON string",
			input:        `{"workflow":"{\"3\":{}}"}`,
			wantWorkflow: `{"3":{}}`,
		},
		{
			name:         "images and inference id",
			input:        `{"workflow":{"1":{}},"images":[{"name":"a.png","image":"aW1n"},{"name":"b.png","image":"data:image/png;base64,aW1n"}],"inferenceJobId":"inf-1"}`,
			wantWorkflow: `{"1":{}}`,
			wantImages:   2,
			wantInfID:    "inf-1",
		},
		{
			name:         "single-entry workflow list",
			input:        `{"workflow":[{"3":{"class_type":"KSampler"}}]}`,
			wantWorkflow: `{"3":{"class_type":"KSampler"}}`,
		},
		{
			name:         "null images",
			input:        `{"workflow":{"1":{}},"images":null}`,
			wantWorkflow: `{"1":{}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseInput(json.RawMessage(tt.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(req.Workflow) != tt.wantWorkflow {
				t.Errorf("workflow = %s, want %s", req.Workflow, tt.wantWorkflow)
			}
			if len(req.Images) != tt.wantImages {
				t.Errorf("images = %d, want %d", len(req.Images), tt.wantImages)
			}
			for _, img := range req.Images {
				if string(img.Data) != "img" {
					t.Errorf("image %s decoded to %q", img.Name, img.Data)
				}
			}
			if req.InferenceJobID != tt.wantInfID {
				t.Errorf("inferenceJobId = %q, want %q", req.InferenceJobID, tt.wantInfID)
			}
		})
	}
}

func TestParseInput_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"missing", ``, "please provide input"},
		{"null", `null`, "please provide input"},
		{"bad JSON string", `"{not json"`, "invalid JSON format"},
		{"array", `[1,2]`, "invalid JSON format"},
		{"no workflow", `{"images":[]}`, "missing 'workflow'"},
		{"null workflow", `{"workflow":null}`, "missing 'workflow'"},
		{"workflow list of two", `{"workflow":[{"3":{}},{"4":{}}]}`, "a job runs exactly one workflow"},
		{"empty workflow list", `{"workflow":[]}`, "missing 'workflow'"},
		{"workflow list of numbers", `{"workflow":[5]}`, "'workflow' must be an object"},
		{"workflow number", `{"workflow":5}`, "'workflow' must be an object"},
		{"empty workflow", `{"workflow":{}}`, "no nodes"},
		{"images not a list", `{"workflow":{"1":{}},"images":"a.png"}`, "'images' must be a list"},
		{"image without data", `{"workflow":{"1":{}},"images":[{"name":"a.png"}]}`, "'images' must be a list"},
		{"image not base64", `{"workflow":{"1":{}},"images":[{"name":"a.png","image":"@@@"}]}`, "invalid base64"},
		{"image path traversal", `{"workflow":{"1":{}},"images":[{"name":"../a.png","image":"aW1n"}]}`, "plain file name"},
		{"duplicate names", `{"workflow":{"1":{}},"images":[{"name":"a.png","image":"aW1n"},{"name":"a.png","image":"aW1n"}]}`, "duplicate"},
		{"inference id not string", `{"workflow":{"1":{}},"inferenceJobId":7}`, "'inferenceJobId' must be a string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseInput(json.RawMessage(tt.input))
			if !jobutil.Is(err, jobutil.InvalidInput) {
				t.Fatalf("expected InvalidInput, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}
