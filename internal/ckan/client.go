// Package ckan is the catalog platform client. The pipeline consumes
// resource, package, and datastore registration APIs through narrow
// call/return contracts; persistence of catalog state stays with the
// platform.
package ckan

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Client talks to one catalog instance.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a catalog client for baseURL, authenticating every call
// with token.
func New(baseURL, token string, timeout time.Duration, sslVerify bool, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	transport := http.DefaultTransport
	if !sslVerify {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout, Transport: transport},
		logger:  logger.With(slog.String("component", "ckan")),
	}
}

// BaseURL returns the catalog's configured URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Token returns the API credential, used by the download stage for
// authenticated fetches of uploaded resources.
func (c *Client) Token() string { return c.token }

type apiEnvelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

// call POSTs a JSON payload to an action API endpoint and decodes the
// result envelope.
func (c *Client) call(ctx context.Context, action string, payload any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", action, err)
	}

	url := fmt.Sprintf("%s/api/3/action/%s", c.baseURL, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", action, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", action, err)
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("%s returned status %d with undecodable body", action, resp.StatusCode)
	}
	if !envelope.Success {
		return fmt.Errorf("%s failed with status %d: %s", action, resp.StatusCode, string(envelope.Error))
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", action, err)
		}
	}
	return nil
}

// GetResource fetches a resource record.
func (c *Client) GetResource(ctx context.Context, resourceID string) (*Resource, error) {
	var res Resource
	err := c.call(ctx, "resource_show", map[string]string{"id": resourceID}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// UpdateResource writes a full resource record back to the catalog.
func (c *Client) UpdateResource(ctx context.Context, res *Resource) error {
	return c.call(ctx, "resource_update", res, nil)
}

// DeleteResource removes a resource from the catalog.
func (c *Client) DeleteResource(ctx context.Context, resourceID string) error {
	return c.call(ctx, "resource_delete", map[string]string{"id": resourceID}, nil)
}

// GetPackage fetches a package record with its organization.
func (c *Client) GetPackage(ctx context.Context, packageID string) (*Package, error) {
	var pkg Package
	err := c.call(ctx, "package_show", map[string]string{"id": packageID}, &pkg)
	if err != nil {
		return nil, err
	}
	return &pkg, nil
}

// PatchPackage applies a partial update to a package record.
func (c *Client) PatchPackage(ctx context.Context, packageID string, patch map[string]any) error {
	payload := map[string]any{"id": packageID}
	for k, v := range patch {
		payload[k] = v
	}
	return c.call(ctx, "package_patch", payload, nil)
}

// ResourceExists reports whether a package already holds a resource
// with the given name, returning its id when found.
func (c *Client) ResourceExists(ctx context.Context, packageID, name string) (string, bool, error) {
	pkg, err := c.GetPackage(ctx, packageID)
	if err != nil {
		return "", false, err
	}
	for _, res := range pkg.Resources {
		if res.Name == name {
			return res.ID, true, nil
		}
	}
	return "", false, nil
}

// DatastoreFields returns the existing datastore schema for a
// resource, or ok=false when the resource has no datastore table.
func (c *Client) DatastoreFields(ctx context.Context, resourceID string) ([]Field, bool, error) {
	var result struct {
		Fields []Field `json:"fields"`
	}
	payload := map[string]any{"resource_id": resourceID, "limit": 0}
	if err := c.call(ctx, "datastore_search", payload, &result); err != nil {
		// A missing table surfaces as a "not found" action error.
		return nil, false, nil
	}
	return result.Fields, true, nil
}

// DeleteDatastoreTable drops the datastore table backing a resource.
func (c *Client) DeleteDatastoreTable(ctx context.Context, resourceID string) error {
	payload := map[string]any{"resource_id": resourceID, "force": true}
	return c.call(ctx, "datastore_delete", payload, nil)
}

// DatastoreCreate registers a table (schema-only, zero rows) with the
// datastore and returns the backing resource id.
func (c *Client) DatastoreCreate(ctx context.Context, req DatastoreCreateRequest) (string, error) {
	req.Force = true
	var result struct {
		ResourceID string `json:"resource_id"`
	}
	if err := c.call(ctx, "datastore_create", req, &result); err != nil {
		return "", err
	}
	if result.ResourceID != "" {
		return result.ResourceID, nil
	}
	return req.ResourceID, nil
}

// UploadResource creates a resource with an attached file upload.
func (c *Client) UploadResource(ctx context.Context, res *Resource, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open upload file: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	fields := map[string]string{
		"package_id":     res.PackageID,
		"name":           res.Name,
		"format":         res.Format,
		"url":            res.URL,
		"mimetype":       res.Mimetype,
		"mimetype_inner": res.MimetypeInner,
	}
	if res.SpatialExtent != nil {
		extent, merr := json.Marshal(res.SpatialExtent)
		if merr != nil {
			return fmt.Errorf("marshal spatial extent: %w", merr)
		}
		fields["dpp_spatial_extent"] = string(extent)
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return fmt.Errorf("write form field %s: %w", k, err)
		}
	}

	part, err := writer.CreateFormFile("upload", filepath.Base(filePath))
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("copy upload body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finish multipart body: %w", err)
	}

	url := fmt.Sprintf("%s/api/3/action/resource_create", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return fmt.Errorf("build resource_create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("resource_create request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read resource_create response: %w", err)
	}
	var envelope apiEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil || !envelope.Success {
		return fmt.Errorf("resource_create failed with status %d", resp.StatusCode)
	}
	return nil
}
