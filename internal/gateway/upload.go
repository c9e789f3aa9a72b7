package gateway

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/attache-app/core/internal/errors"
	"github.com/attache-app/core/internal/respcache"
)

// UploadRequest describes a multipart upload. Fields travel as form
// values next to the file part; they also contribute to the cache key
// so re-reads resolve like any other request.
type UploadRequest struct {
	Path         string
	Fields       map[string]string
	FileField    string
	FileName     string
	FileData     []byte
	RequiresAuth bool
}

// Upload sends a multipart request through the same request pipeline as
// generic requests, with multipart encoding substituted for the body.
func (g *Gateway) Upload(ctx context.Context, req UploadRequest) (*Response, error) {
	return g.upload(ctx, req, true)
}

func (g *Gateway) upload(ctx context.Context, req UploadRequest, allowAuthRetry bool) (*Response, error) {
	base, err := url.Parse(g.cfg.BaseURL)
	if err != nil || base.Host == "" {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid base URL", err)
	}

	if req.RequiresAuth && g.retrier != nil && g.retrier.Refreshing() {
		if !g.awaitReplay(ctx) {
			return nil, errors.New(errors.ErrRequestRejected, "credential refresh failed")
		}
	}

	body, contentType, err := encodeMultipart(req)
	if err != nil {
		return nil, err
	}

	u := *base
	u.Path = strings.TrimRight(u.Path, "/") + req.Path

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "failed to build upload request", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	if g.tokens != nil {
		if token := g.tokens.AccessToken(); token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(errors.ErrRequestRejected, "upload cancelled", ctx.Err())
		}
		return nil, errors.Wrap(errors.ErrTransport, "upload failed", err)
	}
	defer httpResp.Body.Close()

	payload, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrTransport, "failed to read upload response", err).
			WithStatus(httpResp.StatusCode)
	}

	if httpResp.StatusCode == http.StatusUnauthorized && req.RequiresAuth && g.retrier != nil && allowAuthRetry {
		key := respcache.Key(base.Host, req.Path, nil, req.Fields)
		if g.retrier.HandleAuthFailure(ctx, key) {
			return g.upload(ctx, req, false)
		}
		return nil, errors.New(errors.ErrRequestRejected, "credential refresh failed").
			WithStatus(httpResp.StatusCode)
	}

	if httpResp.StatusCode >= 400 {
		return nil, errors.Newf(errors.ErrTransport, "upload rejected: %s", truncate(payload)).
			WithStatus(httpResp.StatusCode)
	}

	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, errors.New(errors.ErrEmptyResponse, "upload returned an empty response").
			WithStatus(httpResp.StatusCode)
	}

	return &Response{Status: httpResp.StatusCode, Body: defensiveWrap(payload)}, nil
}

// encodeMultipart builds the multipart body for an upload.
func encodeMultipart(req UploadRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for k, v := range req.Fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", errors.Wrap(errors.ErrInvalid, "failed to encode form field", err)
		}
	}

	fileField := req.FileField
	if fileField == "" {
		fileField = "file"
	}
	part, err := w.CreateFormFile(fileField, req.FileName)
	if err != nil {
		return nil, "", errors.Wrap(errors.ErrInvalid, "failed to create file part", err)
	}
	if _, err := part.Write(req.FileData); err != nil {
		return nil, "", errors.Wrap(errors.ErrInvalid, "failed to write file part", err)
	}

	if err := w.Close(); err != nil {
		return nil, "", errors.Wrap(errors.ErrInvalid, "failed to finalize multipart body", err)
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}
