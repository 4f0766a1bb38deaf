// Package attacksim drives adversarial scenarios against the transfer gate
// and checks that each attack is detected. The driver speaks to the gate
// through a Client, so the same scenarios run in-process against the real
// decision path or over HTTP against a deployed instance.
package attacksim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"idsgate/pkg/gateway"
	"idsgate/pkg/upload"
)

// Client is the transport the driver uses to reach the gate.
type Client interface {
	Login(ctx context.Context, req gateway.LoginRequest) (int, gateway.LoginResponse, error)
	HandshakeInit(ctx context.Context, token string, req gateway.InitRequest) (int, gateway.InitResponse, error)
	HandshakeValidate(ctx context.Context, token string, req gateway.ValidateRequest) (int, gateway.ValidateResponse, error)
	Upload(ctx context.Context, token string, req upload.Request) (int, gateway.UploadResponse, error)
}

// InProcessClient calls a gateway.Server directly, bypassing HTTP but not
// the decision path.
type InProcessClient struct {
	Server *gateway.Server
}

func (c *InProcessClient) Login(_ context.Context, req gateway.LoginRequest) (int, gateway.LoginResponse, error) {
	status, resp := c.Server.Login(req)
	return status, resp, nil
}

func (c *InProcessClient) HandshakeInit(ctx context.Context, token string, req gateway.InitRequest) (int, gateway.InitResponse, error) {
	status, resp := c.Server.HandshakeInit(ctx, token, req)
	return status, resp, nil
}

func (c *InProcessClient) HandshakeValidate(_ context.Context, token string, req gateway.ValidateRequest) (int, gateway.ValidateResponse, error) {
	status, resp := c.Server.HandshakeValidate(token, req)
	return status, resp, nil
}

func (c *InProcessClient) Upload(_ context.Context, token string, req upload.Request) (int, gateway.UploadResponse, error) {
	status, resp := c.Server.Upload(token, req)
	return status, resp, nil
}

// HTTPClient targets a running gateway over HTTP.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewHTTPClient builds an HTTPClient with a sane default timeout.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPClient) postJSON(ctx context.Context, path, token string, body, out any) (int, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return resp.StatusCode, err
	}
	return resp.StatusCode, nil
}

func (c *HTTPClient) Login(ctx context.Context, req gateway.LoginRequest) (int, gateway.LoginResponse, error) {
	var resp gateway.LoginResponse
	status, err := c.postJSON(ctx, "/auth/login", "", req, &resp)
	return status, resp, err
}

func (c *HTTPClient) HandshakeInit(ctx context.Context, token string, req gateway.InitRequest) (int, gateway.InitResponse, error) {
	var resp gateway.InitResponse
	status, err := c.postJSON(ctx, "/handshake/init", token, req, &resp)
	return status, resp, err
}

func (c *HTTPClient) HandshakeValidate(ctx context.Context, token string, req gateway.ValidateRequest) (int, gateway.ValidateResponse, error) {
	var resp gateway.ValidateResponse
	status, err := c.postJSON(ctx, "/handshake/validate", token, req, &resp)
	return status, resp, err
}

func (c *HTTPClient) Upload(ctx context.Context, token string, req upload.Request) (int, gateway.UploadResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, req.Filename))
	if req.ContentType != "" {
		hdr.Set("Content-Type", req.ContentType)
	}
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return 0, gateway.UploadResponse{}, err
	}
	if _, err := part.Write(req.Content); err != nil {
		return 0, gateway.UploadResponse{}, err
	}
	if err := mw.Close(); err != nil {
		return 0, gateway.UploadResponse{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/files/upload", &body)
	if err != nil {
		return 0, gateway.UploadResponse{}, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	httpResp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return 0, gateway.UploadResponse{}, err
	}
	defer httpResp.Body.Close()

	var resp gateway.UploadResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil && err != io.EOF {
		return httpResp.StatusCode, resp, err
	}
	return httpResp.StatusCode, resp, nil
}
