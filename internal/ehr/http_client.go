package ehr

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient talks JSON over HTTP with a bearer key. It does not retry;
// the pipeline executor owns retry policy.
type HTTPClient struct {
	rc     *resty.Client
	logger *zap.Logger
}

func NewHTTPClient(cfg HTTPConfig, logger *zap.Logger) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("ehr: base URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	rc := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		rc.SetAuthToken(cfg.APIKey)
	}

	return &HTTPClient{rc: rc, logger: logger}, nil
}

type clientList struct {
	Data []ExternalClient `json:"data"`
}

func (c *HTTPClient) FindClientByEmail(ctx context.Context, email string) ([]ExternalClient, error) {
	var out clientList
	err := c.do(ctx, c.rc.R().SetQueryParam("email", email).SetResult(&out), http.MethodGet, "/clients")
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *HTTPClient) GetClient(ctx context.Context, id string) (*ExternalClient, error) {
	var out ExternalClient
	err := c.do(ctx, c.rc.R().SetPathParam("id", id).SetResult(&out), http.MethodGet, "/clients/{id}")
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) CreateClient(ctx context.Context, in ClientInput) (*ExternalClient, error) {
	var out ExternalClient
	err := c.do(ctx, c.rc.R().SetBody(in).SetResult(&out), http.MethodPost, "/clients")
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) UpdateClient(ctx context.Context, ec *ExternalClient) (*ExternalClient, error) {
	var out ExternalClient
	err := c.do(ctx, c.rc.R().SetPathParam("id", ec.ID).SetBody(ec).SetResult(&out), http.MethodPut, "/clients/{id}")
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) CreateAppointment(ctx context.Context, in AppointmentInput) (*ExternalAppointment, error) {
	var out ExternalAppointment
	err := c.do(ctx, c.rc.R().SetBody(in).SetResult(&out), http.MethodPost, "/appointments")
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) GetAppointment(ctx context.Context, id string) (*ExternalAppointment, error) {
	var out ExternalAppointment
	err := c.do(ctx, c.rc.R().SetPathParam("id", id).SetResult(&out), http.MethodGet, "/appointments/{id}")
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) UpdateAppointment(ctx context.Context, ea *ExternalAppointment) (*ExternalAppointment, error) {
	var out ExternalAppointment
	err := c.do(ctx, c.rc.R().SetPathParam("id", ea.ID).SetBody(ea).SetResult(&out), http.MethodPut, "/appointments/{id}")
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) do(ctx context.Context, req *resty.Request, method, path string) error {
	resp, err := req.SetContext(ctx).Execute(method, path)
	if err != nil {
		// url.Error repeats the full URL, query string included.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return &NetworkError{Method: method, Path: path, Err: err}
	}

	c.logger.Debug("ehr call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status_code", resp.StatusCode()),
		zap.Duration("duration", resp.Time()),
	)

	if resp.IsError() {
		return &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode(),
			RetryAfter: ParseRetryAfter(resp.Header().Get("Retry-After"), time.Now()),
			Body:       truncate(string(resp.Body()), 512),
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
