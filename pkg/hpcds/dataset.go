package hpcds

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// CreateDataset registers a new dataset and makes it the current one.
func (c *Client) CreateDataset(ctx context.Context, desc *Description) (string, error) {
	if desc == nil {
		return "", fmt.Errorf("hpcds: description is required")
	}
	if err := desc.Validate(); err != nil {
		return "", err
	}
	body, err := desc.JSON()
	if err != nil {
		return "", fmt.Errorf("hpcds: encoding description: %w", err)
	}

	out, err := c.repoDo(ctx, "create dataset", http.MethodPost, c.serverURL+"/datasets", "application/json", body)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		return "", fmt.Errorf("hpcds: create dataset: server returned an empty id")
	}

	vt, _ := desc.VoxelKind()
	c.mu.Lock()
	c.dataset = id
	c.voxelTypes[id] = vt
	c.mu.Unlock()

	c.logger.Info("dataset created", zap.String("dataset", id), zap.String("voxel_type", desc.VoxelType))
	return id, nil
}

// GetDataset fetches the description of dataset id.
func (c *Client) GetDataset(ctx context.Context, id string) (*Description, error) {
	if id == "" {
		return nil, ErrInvalidDataset
	}
	out, err := c.repoDo(ctx, "get dataset", http.MethodGet, c.datasetURL(id), "", nil)
	if err != nil {
		return nil, err
	}
	return ParseDescription(out)
}

// LoadDescription fetches the description of the current dataset.
func (c *Client) LoadDescription(ctx context.Context) (*Description, error) {
	return c.GetDataset(ctx, c.Dataset())
}

// DeleteDataset removes dataset id. It reports true when the server deleted
// it and false when the dataset did not exist. In both cases id stops being
// the current dataset. Other failures return false with an error.
func (c *Client) DeleteDataset(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrInvalidDataset
	}
	u := c.datasetURL(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return false, fmt.Errorf("hpcds: building delete request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, &NetworkError{Op: "delete dataset", URL: u, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode/100 == 2:
		c.forget(id)
		c.logger.Info("dataset deleted", zap.String("dataset", id))
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		c.forget(id)
		return false, nil
	default:
		return false, &StatusError{Op: "delete dataset", URL: u, Status: resp.StatusCode}
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dataset == id {
		c.dataset = ""
	}
	delete(c.voxelTypes, id)
}

// CommonMetadata returns the free-form metadata text of the current dataset.
func (c *Client) CommonMetadata(ctx context.Context) (string, error) {
	id := c.Dataset()
	if id == "" {
		return "", ErrInvalidDataset
	}
	out, err := c.repoDo(ctx, "get common metadata", http.MethodGet, c.datasetURL(id)+"/common-metadata", "", nil)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// SetCommonMetadata replaces the metadata text of the current dataset.
func (c *Client) SetCommonMetadata(ctx context.Context, metadata string) error {
	id := c.Dataset()
	if id == "" {
		return ErrInvalidDataset
	}
	_, err := c.repoDo(ctx, "set common metadata", http.MethodPost, c.datasetURL(id)+"/common-metadata",
		"text/plain; charset=utf-8", []byte(metadata))
	return err
}

// AddChannels appends count channels to the current dataset.
func (c *Client) AddChannels(ctx context.Context, count int) error {
	if count < 1 {
		return fmt.Errorf("hpcds: channel count must be positive, got %d", count)
	}
	id := c.Dataset()
	if id == "" {
		return ErrInvalidDataset
	}
	_, err := c.repoDo(ctx, "add channels", http.MethodPost, c.datasetURL(id)+"/channels",
		"application/json", []byte(strconv.Itoa(count)))
	return err
}

// repoDo issues a repository request and returns the body of a 2xx answer.
func (c *Client) repoDo(ctx context.Context, op, method, u, contentType string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("hpcds: building %s request: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, URL: u, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Op: op, URL: u, Status: resp.StatusCode}
	}
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: op, URL: u, Err: err}
	}
	return out, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
