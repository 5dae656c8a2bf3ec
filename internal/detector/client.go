package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"

	"github.com/ayusman/ppecheck/internal/httpc"
	"github.com/ayusman/ppecheck/internal/log"
)

// DetectPath is the detection endpoint on the service.
const DetectPath = "/api/detect/"

// maxImageBytes bounds the annotated image read from the service.
const maxImageBytes = 32 << 20

// Client implements Detector against the HTTP detection service.
// Each Detect call issues two concurrent uploads of the same frame: one asking
// for JSON, one for the annotated image.
type Client struct {
	mu      sync.RWMutex
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the service at baseURL (scheme://host:port).
// A nil httpClient uses httpc.NewClient with default timeouts.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = httpc.NewClient(0)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// BaseURL returns the service base URL.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// SetBaseURL points later submissions at a different service.
func (c *Client) SetBaseURL(baseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = strings.TrimRight(baseURL, "/")
}

// Detect uploads frame twice and merges the answers through sink.
func (c *Client) Detect(ctx context.Context, frame Frame, sink func(Update)) error {
	if len(frame.PNG) == 0 {
		return fmt.Errorf("%w: empty frame", ErrDetectionUnavailable)
	}

	body, contentType, err := multipartBody(frame)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDetectionUnavailable, err)
	}

	var (
		wg       sync.WaitGroup
		jsonErr  error
		imageErr error
	)
	wg.Add(2)

	go func() {
		defer wg.Done()
		objects, err := c.detectObjects(ctx, frame.ID, body, contentType)
		if err != nil {
			jsonErr = err
			return
		}
		sink(Update{Kind: UpdateObjects, Objects: objects})
	}()

	go func() {
		defer wg.Done()
		img, imgType, err := c.detectImage(ctx, frame.ID, body, contentType)
		if err != nil {
			imageErr = err
			return
		}
		sink(Update{Kind: UpdateImage, Image: img, ContentType: imgType})
	}()

	wg.Wait()

	switch {
	case jsonErr != nil && imageErr != nil:
		return fmt.Errorf("%w: objects: %v; image: %v", ErrDetectionUnavailable, jsonErr, imageErr)
	case jsonErr != nil:
		log.Warn("detection objects request failed", "frame", frame.ID, "error", jsonErr)
	case imageErr != nil:
		log.Warn("detection image request failed", "frame", frame.ID, "error", imageErr)
	}

	return nil
}

// Ping checks that the service answers on its root path.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL()+"/", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("detection service unhealthy: %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) detectObjects(ctx context.Context, frameID string, body []byte, contentType string) ([]Object, error) {
	resp, err := c.post(ctx, c.BaseURL()+DetectPath+"?return_json=true", frameID, body, contentType, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result struct {
		DetectedObjects []Object `json:"detected_objects"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if result.DetectedObjects == nil {
		result.DetectedObjects = []Object{}
	}
	return result.DetectedObjects, nil
}

func (c *Client) detectImage(ctx context.Context, frameID string, body []byte, contentType string) ([]byte, string, error) {
	resp, err := c.post(ctx, c.BaseURL()+DetectPath, frameID, body, contentType, "image/*")
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	img, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if len(img) == 0 {
		return nil, "", fmt.Errorf("empty image response")
	}

	imgType := resp.Header.Get("Content-Type")
	if imgType == "" {
		imgType = http.DetectContentType(img)
	}
	return img, imgType, nil
}

// post sends the multipart body and returns the response when its status is 2xx.
// The caller closes the body.
func (c *Client) post(ctx context.Context, url, frameID string, body []byte, contentType, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", accept)
	if frameID != "" {
		req.Header.Set("X-Request-ID", frameID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("detection failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	return resp, nil
}

// multipartBody encodes frame as the "file" field of a multipart form.
func multipartBody(frame Frame) ([]byte, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	name := "capture.png"
	if frame.ID != "" {
		name = frame.ID + ".png"
	}

	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(frame.PNG); err != nil {
		return nil, "", fmt.Errorf("copy image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}

	return body.Bytes(), writer.FormDataContentType(), nil
}
