// Package lfsapi implements the client side of the large-object batch and
// transfer protocol.
//
// One POST to <endpoint>/objects/batch negotiates a set of objects in a
// single direction; the response carries one transfer action per object,
// each a direct PUT or GET against a short-lived href with fixed headers.
// Objects the server omits (or returns without a matching action) need no
// transfer and are skipped.
package lfsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// MediaType is the content type of batch requests and responses.
const MediaType = "application/vnd.git-lfs+json"

// Direction selects which way objects move in a batch.
type Direction string

const (
	// Upload sends local payloads to the server.
	Upload Direction = "upload"

	// Download retrieves payloads from the server.
	Download Direction = "download"
)

// Object identifies one large object in a batch request.
type Object struct {
	Oid  string `json:"oid"`
	Size int64  `json:"size"`
}

// Descriptor is a negotiated transfer for one object. Each descriptor is
// consumed at most once per object per sync.
type Descriptor struct {
	Oid       string
	Size      int64
	Direction Direction
	Href      string
	Header    map[string]string
}

// StatusError reports an unexpected HTTP status from the endpoint.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// Client talks to one large-object endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	header   map[string]string
	retryer  *Retryer
	logger   *slog.Logger
}

// New builds a Client for the given endpoint base URL. header values (for
// example an Authorization header) are attached to every request. A nil
// httpClient or logger selects defaults.
func New(endpoint string, httpClient *http.Client, header map[string]string, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		endpoint: endpoint,
		http:     httpClient,
		header:   header,
		retryer:  NewRetryer(),
		logger:   logger,
	}
}

// SetRetryer overrides the transfer retry policy.
func (c *Client) SetRetryer(r *Retryer) {
	c.retryer = r
}

type batchRequest struct {
	Operation string   `json:"operation"`
	Transfers []string `json:"transfers,omitempty"`
	Objects   []Object `json:"objects"`
}

type batchAction struct {
	Href   string            `json:"href"`
	Header map[string]string `json:"header,omitempty"`
}

type batchObject struct {
	Oid     string                  `json:"oid"`
	Size    int64                   `json:"size"`
	Actions map[string]*batchAction `json:"actions,omitempty"`
	Error   *objectError            `json:"error,omitempty"`
}

type objectError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type batchResponse struct {
	Objects []batchObject `json:"objects"`
}

// Batch negotiates transfers for objs in the given direction. The result
// contains descriptors only for objects the server wants transferred;
// omissions are the protocol's way of saying "already present" for uploads
// and "not found" for downloads, and are logged rather than failed.
func (c *Client) Batch(ctx context.Context, direction Direction, objs []Object) ([]Descriptor, error) {
	if len(objs) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(batchRequest{
		Operation: string(direction),
		Transfers: []string{"basic"},
		Objects:   objs,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding batch request: %w", err)
	}

	url := c.endpoint + "/objects/batch"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building batch request: %w", err)
	}
	req.Header.Set("Content-Type", MediaType)
	req.Header.Set("Accept", MediaType)
	for k, v := range c.header {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("batch request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, URL: url}
	}

	var decoded batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding batch response: %w", err)
	}

	descriptors := make([]Descriptor, 0, len(decoded.Objects))
	for _, obj := range decoded.Objects {
		if obj.Error != nil {
			c.logger.Warn("batch object rejected",
				"oid", obj.Oid, "code", obj.Error.Code, "message", obj.Error.Message)
			continue
		}

		action := obj.Actions[string(direction)]
		if action == nil {
			// Nothing to do for this object in this direction.
			c.logger.Debug("batch object needs no transfer", "oid", obj.Oid, "direction", direction)
			continue
		}

		descriptors = append(descriptors, Descriptor{
			Oid:       obj.Oid,
			Size:      obj.Size,
			Direction: direction,
			Href:      action.Href,
			Header:    action.Header,
		})
	}
	return descriptors, nil
}

// Download GETs the payload described by d into w, retrying transient
// failures. The caller verifies the payload hash after the copy.
func (c *Client) Download(ctx context.Context, d Descriptor, w io.Writer) error {
	if d.Direction != Download {
		return fmt.Errorf("descriptor for %s is not a download", d.Oid)
	}

	return c.retryer.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.Href, nil)
		if err != nil {
			return fmt.Errorf("building download request: %w", err)
		}
		for k, v := range d.Header {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("download %s: %w", d.Oid, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &StatusError{Code: resp.StatusCode, URL: d.Href}
		}

		if _, err := io.Copy(w, resp.Body); err != nil {
			return fmt.Errorf("reading payload %s: %w", d.Oid, err)
		}
		return nil
	})
}

// Upload PUTs a payload to the href described by d, retrying transient
// failures. open is called per attempt so the body can be re-read.
func (c *Client) Upload(ctx context.Context, d Descriptor, open func() (io.ReadCloser, error)) error {
	if d.Direction != Upload {
		return fmt.Errorf("descriptor for %s is not an upload", d.Oid)
	}

	return c.retryer.Do(ctx, func() error {
		body, err := open()
		if err != nil {
			return fmt.Errorf("opening payload %s: %w", d.Oid, err)
		}
		defer body.Close()

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, d.Href, body)
		if err != nil {
			return fmt.Errorf("building upload request: %w", err)
		}
		req.ContentLength = d.Size
		req.Header.Set("Content-Type", "application/octet-stream")
		for k, v := range d.Header {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("upload %s: %w", d.Oid, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
			resp.StatusCode != http.StatusAccepted {
			return &StatusError{Code: resp.StatusCode, URL: d.Href}
		}
		return nil
	})
}
