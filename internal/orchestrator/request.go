package orchestrator

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/fpang/comfy-worker/internal/jobutil"
)

// Event is the invocation event delivered by the host runtime:
//
//	{"id": "job-123", "input": {"workflow": {...}, "images": [...], "inferenceJobId": "..."}}
//
// input may also be a JSON string holding that object.
type Event struct {
	ID    string          `json:"id"`
	Input json.RawMessage `json:"input"`
}

// InputImage is an image uploaded to the backend before the workflow runs,
// so LoadImage nodes can reference it by name.
type InputImage struct {
	Name string
	Data []byte
}

// Request is a validated job request.
type Request struct {
	Workflow       json.RawMessage
	Images         []InputImage
	InferenceJobID string
}

type rawInput struct {
	Workflow       json.RawMessage `json:"workflow"`
	Images         json.RawMessage `json:"images"`
	InferenceJobID json.RawMessage `json:"inferenceJobId"`
}

type rawImage struct {
	Name  string `json:"name"`
	Image string `json:"image"`
}

func invalid(format string, args ...any) error {
	return jobutil.Errorf(jobutil.InvalidInput, "validate input", format, args...)
}

// ParseInput validates the event input. Every failure is classified
// INVALID_INPUT.
func ParseInput(raw json.RawMessage) (Request, error) {
	if isNull(raw) {
		return Request{}, invalid("please provide input")
	}

	obj, err := objectOrString(raw)
	if err != nil {
		return Request{}, invalid("invalid JSON format in input: %v", err)
	}

	var in rawInput
	if err := json.Unmarshal(obj, &in); err != nil {
		return Request{}, invalid("input must be an object: %v", err)
	}

	if isNull(in.Workflow) {
		return Request{}, invalid("missing 'workflow' parameter")
	}
	wf, err := singleWorkflow(in.Workflow)
	if err != nil {
		return Request{}, err
	}
	workflow, err := objectOrString(wf)
	if err != nil {
		return Request{}, invalid("'workflow' must be an object or a JSON string of one: %v", err)
	}
	if isEmptyObject(workflow) {
		return Request{}, invalid("'workflow' has no nodes")
	}

	req := Request{Workflow: workflow}

	if !isNull(in.InferenceJobID) {
		if err := json.Unmarshal(in.InferenceJobID, &req.InferenceJobID); err != nil {
			return Request{}, invalid("'inferenceJobId' must be a string")
		}
	}

	if !isNull(in.Images) {
		images, err := parseImages(in.Images)
		if err != nil {
			return Request{}, err
		}
		req.Images = images
	}
	return req, nil
}

func parseImages(raw json.RawMessage) ([]InputImage, error) {
	var items []rawImage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, invalid("'images' must be a list of objects with 'name' and 'image' keys")
	}

	images := make([]InputImage, 0, len(items))
	seen := make(map[string]bool, len(items))
	for i, item := range items {
		if item.Name == "" || item.Image == "" {
			return nil, invalid("'images' must be a list of objects with 'name' and 'image' keys (entry %d)", i)
		}
		if item.Name != path.Base(item.Name) || item.Name == "." || item.Name == ".." || strings.Contains(item.Name, `\`) {
			return nil, invalid("image name %q must be a plain file name", item.Name)
		}
		if seen[item.Name] {
			return nil, invalid("duplicate image name %q", item.Name)
		}
		seen[item.Name] = true

		data, err := decodeImage(item.Image)
		if err != nil {
			return nil, invalid("image %q: %v", item.Name, err)
		}
		images = append(images, InputImage{Name: item.Name, Data: data})
	}
	return images, nil
}

// decodeImage accepts plain base64 or a data URI.
func decodeImage(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		i := strings.Index(s, ";base64,")
		if i < 0 {
			return nil, fmt.Errorf("data URI is not base64 encoded")
		}
		s = s[i+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image")
	}
	return data, nil
}

// singleWorkflow unwraps the list form [workflow]. A job runs one workflow,
// so longer lists are rejected.
func singleWorkflow(raw json.RawMessage) (json.RawMessage, error) {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 || t[0] != '[' {
		return raw, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(t, &list); err != nil {
		return nil, invalid("'workflow' must be an object or a JSON string of one: %v", err)
	}
	switch len(list) {
	case 0:
		return nil, invalid("missing 'workflow' parameter: empty list")
	case 1:
		return list[0], nil
	default:
		return nil, invalid("'workflow' list has %d entries; a job runs exactly one workflow", len(list))
	}
}

// objectOrString returns raw if it is a JSON object, or the decoded content
// of a JSON string that itself holds an object.
func objectOrString(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		raw = bytes.TrimSpace([]byte(s))
	}
	if len(raw) == 0 || raw[0] != '{' || !json.Valid(raw) {
		return nil, fmt.Errorf("not a JSON object")
	}
	return raw, nil
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func isEmptyObject(raw json.RawMessage) bool {
	var m map[string]json.RawMessage
	return json.Unmarshal(raw, &m) == nil && len(m) == 0
}
