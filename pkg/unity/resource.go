package unity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Delete removes /api/instances/{resourceType}/{id}. With async set the
// array accepts the request, answers 202 and reports the job doing the work.
func (c *Client) Delete(ctx context.Context, resourceType, id string, params map[string]any, async bool) (*DeleteResult, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%s id is required", resourceType)
	}
	var q url.Values
	if async {
		q = url.Values{}
		q.Set("timeout", "0")
	}
	var payload any
	if len(params) > 0 {
		payload = params
	}

	path := "/instances/" + resourceType + "/" + url.PathEscape(id)
	status, body, err := c.do(ctx, http.MethodDelete, path, q, payload)
	if err != nil {
		return nil, fmt.Errorf("delete %s %s: %w", resourceType, id, err)
	}
	res := &DeleteResult{StatusCode: status}
	if async && status == http.StatusAccepted {
		job, err := decodeJob(body)
		if err != nil {
			return nil, fmt.Errorf("delete %s %s: %w", resourceType, id, err)
		}
		res.Job = job
		c.logger.Info("Delete accepted", "type", resourceType, "id", id, "job", job.ID)
	}
	return res, nil
}

// DeleteFilesystem deletes the storage resource backing filesystem id.
func (c *Client) DeleteFilesystem(ctx context.Context, id string, opts FilesystemDeleteOptions, async bool) (*DeleteResult, error) {
	srID, err := c.filesystemStorageResource(ctx, id)
	if err != nil {
		return nil, err
	}
	params := map[string]any{}
	if opts.ForceSnapDeletion {
		params["forceSnapDeletion"] = true
	}
	if opts.ForceVvolDeletion {
		params["forceVvolDeletion"] = true
	}
	return c.Delete(ctx, ResourceStorageResource, srID, params, async)
}

// DeleteSnap deletes snapshot id.
func (c *Client) DeleteSnap(ctx context.Context, id string, async bool) (*DeleteResult, error) {
	return c.Delete(ctx, ResourceSnap, id, nil, async)
}

// DeleteNasServer deletes NAS server id, optionally unjoining its CIFS
// servers from the domain with the supplied credentials.
func (c *Client) DeleteNasServer(ctx context.Context, id string, opts NasServerDeleteOptions, async bool) (*DeleteResult, error) {
	params := map[string]any{}
	if opts.SkipDomainUnjoin != nil {
		params["skipDomainUnjoin"] = *opts.SkipDomainUnjoin
	}
	if opts.DomainUsername != "" {
		params["domainUsername"] = opts.DomainUsername
	}
	if opts.DomainPassword != "" {
		params["domainPassword"] = opts.DomainPassword
	}
	return c.Delete(ctx, ResourceNasServer, id, params, async)
}

func (c *Client) filesystemStorageResource(ctx context.Context, id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", errors.New("filesystem id is required")
	}
	q := url.Values{}
	q.Set("compact", "true")
	q.Set("fields", "id,storageResource")

	var resp struct {
		Content struct {
			ID              string `json:"id"`
			StorageResource *struct {
				ID string `json:"id"`
			} `json:"storageResource"`
		} `json:"content"`
	}
	if err := c.get(ctx, "/instances/"+ResourceFilesystem+"/"+url.PathEscape(id), q, &resp); err != nil {
		return "", fmt.Errorf("cannot find filesystem %s: %w", id, err)
	}
	if resp.Content.StorageResource == nil || resp.Content.StorageResource.ID == "" {
		return "", &APIError{StatusCode: http.StatusNotFound, Messages: []string{"cannot find storage resource of filesystem " + id}}
	}
	return resp.Content.StorageResource.ID, nil
}
