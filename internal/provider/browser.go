package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"
)

// BrowserGatewayAdapter sends free-text messages through a local
// browser-automation gateway. The gateway drives a logged-in web session,
// so it cannot deliver pre-approved templates; template requests degrade
// to the rendered text body.
type BrowserGatewayAdapter struct {
	client   *resty.Client
	endpoint string
}

type browserSendRequest struct {
	Phone string `json:"phone"`
	Body  string `json:"body"`
}

type browserSendResponse struct {
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}

func NewBrowserGatewayAdapter(endpoint string) (*BrowserGatewayAdapter, error) {
	client := resty.New()
	client.SetTimeout(defaultSendTimeout)
	client.SetRetryCount(0)

	return NewBrowserGatewayAdapterWithClient(endpoint, client)
}

func NewBrowserGatewayAdapterWithClient(endpoint string, client *resty.Client) (*BrowserGatewayAdapter, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("browser gateway endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid browser gateway endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultSendTimeout)
	}
	client.SetRetryCount(0)

	return &BrowserGatewayAdapter{
		client:   client,
		endpoint: trimmed,
	}, nil
}

func (a *BrowserGatewayAdapter) SupportsTemplates() bool { return false }

func (a *BrowserGatewayAdapter) SendTemplate(ctx context.Context, req TemplateRequest) (*SendResponse, error) {
	// No template capability on the web session; render the parameters
	// into a plain text body instead.
	body := req.TemplateName
	if len(req.BodyParameters) > 0 {
		body = strings.Join(req.BodyParameters, " ")
	}
	return a.SendText(ctx, req.Phone, body)
}

func (a *BrowserGatewayAdapter) SendText(ctx context.Context, phone, body string) (*SendResponse, error) {
	if a == nil || a.client == nil {
		return nil, fmt.Errorf("adapter is not initialized")
	}
	if strings.TrimSpace(phone) == "" {
		return nil, fmt.Errorf("phone is required")
	}

	response, err := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(browserSendRequest{Phone: phone, Body: body}).
		Post(a.endpoint + "/send")
	if err != nil {
		return nil, &ProviderError{
			Message:   "browser gateway request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &ProviderError{
			Message:   "browser gateway returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	var parsed browserSendResponse
	_ = json.Unmarshal(response.Body(), &parsed)

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &SendResponse{
			StatusCode: statusCode,
			Body:       responseBody,
			MessageID:  parsed.MessageID,
		}, nil
	}

	return nil, &ProviderError{
		StatusCode: statusCode,
		Message:    providerErrorMessage(statusCode, responseBody),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}
