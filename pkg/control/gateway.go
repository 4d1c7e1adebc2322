package control

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/core-tools/hsu-keeper/pkg/domain"
	"github.com/core-tools/hsu-keeper/pkg/errors"
	"github.com/core-tools/hsu-keeper/pkg/logging"
)

// NewHTTPClientGateway returns a domain.Contract backed by a keeper's HTTP control endpoint
func NewHTTPClientGateway(baseURL string, client *http.Client, logger logging.Logger) domain.Contract {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpClientGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger,
	}
}

type httpClientGateway struct {
	baseURL string
	client  *http.Client
	logger  logging.Logger
}

func (gw *httpClientGateway) QueryStatus(ctx context.Context) (map[string]domain.WorkerStatus, error) {
	var status map[string]domain.WorkerStatus
	if err := gw.do(ctx, "GET", "/status", nil, &status); err != nil {
		gw.logger.Errorf("QueryStatus client gateway: %v", err)
		return nil, err
	}
	gw.logger.Debugf("QueryStatus client gateway done, workers: %d", len(status))
	return status, nil
}

func (gw *httpClientGateway) RestartOne(ctx context.Context, name string) error {
	path := "/workers/" + url.PathEscape(name) + "/restart"
	if err := gw.do(ctx, "POST", path, nil, nil); err != nil {
		gw.logger.Errorf("RestartOne client gateway, name: %s: %v", name, err)
		return err
	}
	gw.logger.Debugf("RestartOne client gateway done, name: %s", name)
	return nil
}

func (gw *httpClientGateway) UpdateAndRestart(ctx context.Context, name string, artifact []byte) error {
	path := "/workers/" + url.PathEscape(name) + "/update"
	if err := gw.do(ctx, "POST", path, artifact, nil); err != nil {
		gw.logger.Errorf("UpdateAndRestart client gateway, name: %s: %v", name, err)
		return err
	}
	gw.logger.Debugf("UpdateAndRestart client gateway done, name: %s", name)
	return nil
}

func (gw *httpClientGateway) GetConfig(ctx context.Context) ([]byte, error) {
	var raw json.RawMessage
	if err := gw.do(ctx, "GET", "/config", nil, &raw); err != nil {
		gw.logger.Errorf("GetConfig client gateway: %v", err)
		return nil, err
	}
	return raw, nil
}

func (gw *httpClientGateway) ReloadConfig(ctx context.Context, raw []byte) (string, error) {
	var result domain.OperationResult
	if err := gw.do(ctx, "PUT", "/config", raw, &result); err != nil {
		gw.logger.Errorf("ReloadConfig client gateway: %v", err)
		return "", err
	}
	gw.logger.Debugf("ReloadConfig client gateway done")
	return result.Message, nil
}

func (gw *httpClientGateway) RestoreConfig(ctx context.Context, tier string) (string, error) {
	var result domain.OperationResult
	path := "/config/restore/" + url.PathEscape(tier)
	if err := gw.do(ctx, "POST", path, nil, &result); err != nil {
		gw.logger.Errorf("RestoreConfig client gateway, tier: %s: %v", tier, err)
		return "", err
	}
	gw.logger.Debugf("RestoreConfig client gateway done, tier: %s", tier)
	return result.Message, nil
}

func (gw *httpClientGateway) ListBackups(ctx context.Context) ([]string, error) {
	var backups []string
	if err := gw.do(ctx, "GET", "/config/backups", nil, &backups); err != nil {
		gw.logger.Errorf("ListBackups client gateway: %v", err)
		return nil, err
	}
	return backups, nil
}

func (gw *httpClientGateway) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	request, err := http.NewRequestWithContext(ctx, method, gw.baseURL+path, reader)
	if err != nil {
		return errors.NewValidationError("failed to build request", err).WithContext("path", path)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/octet-stream")
	}

	response, err := gw.client.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return errors.NewCancelledError("request cancelled", err).WithContext("path", path)
		}
		return errors.NewIOError("keeper is unreachable", err).WithContext("url", gw.baseURL)
	}
	defer response.Body.Close()

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return errors.NewIOError("failed to read response", err).WithContext("path", path)
	}

	if response.StatusCode != http.StatusOK {
		return remoteError(response.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.NewInternalError("malformed response", err).WithContext("path", path)
	}
	return nil
}

// remoteError rebuilds the DomainError the keeper reported
func remoteError(statusCode int, data []byte) error {
	var result domain.OperationResult
	if err := json.Unmarshal(data, &result); err != nil || result.Message == "" {
		return errors.NewInternalError(fmt.Sprintf("unexpected response status %d", statusCode), nil)
	}

	kind := errors.ErrorType(result.Kind)
	if kind == "" {
		return errors.NewInternalError("keeper request failed", stdErrors.New(result.Message))
	}

	err := errors.NewDomainError(kind, strings.TrimPrefix(result.Message, result.Kind+": "), nil)
	if result.Field != "" {
		err.WithContext("field", result.Field)
	}
	return err
}
