package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/dapm/minerop/internal/codec"
	"github.com/dapm/minerop/internal/model"
)

const (
	uploadPath  = "api/v1/petrinets"
	contentType = "application/json"
)

// RepoUploader posts nets to a repository server.
type RepoUploader struct {
	requestURL *url.URL
	client     *http.Client
}

func NewRepoUploader(serverURL string) (*RepoUploader, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the server url with a scheme and without path, e.g. `http://some-url.com`")
	}
	parsedURL.Path = uploadPath

	return &RepoUploader{
		requestURL: parsedURL,
		client:     &http.Client{},
	}, nil
}

func (c *RepoUploader) Upload(ctx context.Context, n model.PetriNet) error {
	s, err := codec.EncodeNet(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL.String(), bytes.NewReader([]byte(s)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	created, err := c.decodeUploadResponse(resp)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "petri net uploaded", slog.String("id", created.ID))
	return nil
}

type CreateResponse struct {
	ID string `json:"id"`
}

func (c *RepoUploader) decodeUploadResponse(resp *http.Response) (CreateResponse, error) {
	ct, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return CreateResponse{}, fmt.Errorf("failed to parse response content type header: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusCreated:
		if ct != "application/json" {
			return CreateResponse{}, fmt.Errorf("expected `application/json` content type, got: %s", ct)
		}
		var cr CreateResponse
		if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
			return CreateResponse{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		if cr.ID == "" {
			return CreateResponse{}, errors.New("received unexpected body")
		}
		return cr, nil

	case http.StatusBadRequest, http.StatusConflict, http.StatusUnsupportedMediaType:
		if ct != "application/problem+json" {
			return CreateResponse{}, fmt.Errorf("expected `application/problem+json` content type, got: %s", ct)
		}
		var problemDetail struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problemDetail); err != nil {
			return CreateResponse{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		return CreateResponse{}, fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, problemDetail.Detail)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return CreateResponse{}, err
	}
	return CreateResponse{}, fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(respBody))
}
