package unity

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Resource types understood by the instance endpoints.
const (
	ResourceJob             = "job"
	ResourceFilesystem      = "filesystem"
	ResourceSnap            = "snap"
	ResourceNasServer       = "nasServer"
	ResourceStorageResource = "storageResource"
)

// collectionResponse is the body of GET /api/types/{type}/instances.
type collectionResponse struct {
	EntryCount int `json:"entryCount"`
	Entries    []struct {
		Content json.RawMessage `json:"content"`
	} `json:"entries"`
}

// instanceResponse is the body of GET /api/instances/{type}/{id}.
type instanceResponse struct {
	Content json.RawMessage `json:"content"`
}

// ErrorResponse is the error envelope returned by the REST API.
type ErrorResponse struct {
	Error struct {
		ErrorCode      int                 `json:"errorCode"`
		HTTPStatusCode int                 `json:"httpStatusCode"`
		Messages       []map[string]string `json:"messages"`
	} `json:"error"`
}

// APIError is returned for every non-2xx response.
type APIError struct {
	StatusCode int
	ErrorCode  int
	Messages   []string
}

func (e *APIError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("unity API error: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("unity API error: HTTP %d (code %d): %s", e.StatusCode, e.ErrorCode, strings.Join(e.Messages, "; "))
}

// IsNotFound reports whether err is an APIError for a missing resource.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil {
		if s := strings.TrimSpace(string(body)); s != "" {
			apiErr.Messages = []string{s}
		}
		return apiErr
	}
	apiErr.ErrorCode = er.Error.ErrorCode
	for _, m := range er.Error.Messages {
		// messages are keyed by locale; prefer en-US
		if v, ok := m["en-US"]; ok {
			apiErr.Messages = append(apiErr.Messages, v)
			continue
		}
		for _, v := range m {
			apiErr.Messages = append(apiErr.Messages, v)
			break
		}
	}
	return apiErr
}

// FilesystemDeleteOptions maps to the storageResource delete parameters.
type FilesystemDeleteOptions struct {
	ForceSnapDeletion bool
	ForceVvolDeletion bool
}

// NasServerDeleteOptions maps to the nasServer delete parameters.
type NasServerDeleteOptions struct {
	SkipDomainUnjoin *bool
	DomainUsername   string
	DomainPassword   string
}

// DeleteResult is the outcome of a delete request. Job is set only for
// deletes issued in async mode.
type DeleteResult struct {
	StatusCode int  `json:"statusCode"`
	Job        *Job `json:"job,omitempty"`
}
