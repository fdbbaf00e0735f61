package unity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

var jobFields = strings.Join([]string{
	"id", "state", "description", "methodName", "progressPct",
	"submitTime", "stateChangeTime", "endTime", "estRemainTime",
	"tasks", "messageOut",
}, ",")

// ListJobs returns the jobs whose id is in ids, using a single filtered
// collection query. An empty ids list returns nil without a request.
func (c *Client) ListJobs(ctx context.Context, ids []string) ([]*Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := url.Values{}
	q.Set("compact", "true")
	q.Set("fields", jobFields)
	q.Set("filter", idFilter(ids))

	var resp collectionResponse
	if err := c.get(ctx, "/types/"+ResourceJob+"/instances", q, &resp); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make([]*Job, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		var j Job
		if err := json.Unmarshal(e.Content, &j); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		jobs = append(jobs, &j)
	}
	c.logger.Debug("Listed jobs", "requested", len(ids), "returned", len(jobs))
	return jobs, nil
}

// GetJob fetches a single job by id.
func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("job id is required")
	}
	q := url.Values{}
	q.Set("compact", "true")
	q.Set("fields", jobFields)

	var resp instanceResponse
	if err := c.get(ctx, "/instances/"+ResourceJob+"/"+url.PathEscape(id), q, &resp); err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return decodeJob(resp.Content)
}

// idFilter builds `id in ("a","b")`.
func idFilter(ids []string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = strconv.Quote(id)
	}
	return "id in (" + strings.Join(quoted, ",") + ")"
}

// decodeJob accepts both an instance envelope and a bare job object.
func decodeJob(raw []byte) (*Job, error) {
	var env instanceResponse
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Content) > 0 {
		raw = env.Content
	}
	var j Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if j.ID == "" {
		return nil, errors.New("decode job: response carries no job id")
	}
	return &j, nil
}
