package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultGraphBaseURL = "https://graph.facebook.com"
	defaultSendTimeout  = 15 * time.Second
)

// CloudAPIAdapter sends messages through the WhatsApp Cloud API.
type CloudAPIAdapter struct {
	client        *resty.Client
	token         string
	phoneNumberID string
	apiVersion    string
}

type cloudTemplateComponent struct {
	Type       string                  `json:"type"`
	SubType    string                  `json:"sub_type,omitempty"`
	Index      string                  `json:"index,omitempty"`
	Parameters []cloudMessageParameter `json:"parameters"`
}

type cloudMessageParameter struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Payload string `json:"payload,omitempty"`
}

type cloudSendRequest struct {
	MessagingProduct string             `json:"messaging_product"`
	To               string             `json:"to"`
	Type             string             `json:"type"`
	Template         *cloudTemplateBody `json:"template,omitempty"`
	Text             *cloudTextBody     `json:"text,omitempty"`
}

type cloudTemplateBody struct {
	Name       string                   `json:"name"`
	Language   cloudTemplateLanguage    `json:"language"`
	Components []cloudTemplateComponent `json:"components,omitempty"`
}

type cloudTemplateLanguage struct {
	Code string `json:"code"`
}

type cloudTextBody struct {
	Body string `json:"body"`
}

type cloudSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *cloudAPIError `json:"error"`
}

type cloudAPIError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
	Subcode int    `json:"error_subcode"`
}

func NewCloudAPIAdapter(token, phoneNumberID, apiVersion string) (*CloudAPIAdapter, error) {
	client := resty.New()
	client.SetBaseURL(defaultGraphBaseURL)
	client.SetTimeout(defaultSendTimeout)
	client.SetRetryCount(0)

	return NewCloudAPIAdapterWithClient(token, phoneNumberID, apiVersion, client)
}

func NewCloudAPIAdapterWithClient(token, phoneNumberID, apiVersion string, client *resty.Client) (*CloudAPIAdapter, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("cloud api token is required")
	}
	if strings.TrimSpace(phoneNumberID) == "" {
		return nil, fmt.Errorf("cloud api phone number id is required")
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if strings.TrimSpace(apiVersion) == "" {
		apiVersion = "v20.0"
	}
	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultSendTimeout)
	}
	client.SetRetryCount(0)

	return &CloudAPIAdapter{
		client:        client,
		token:         strings.TrimSpace(token),
		phoneNumberID: strings.TrimSpace(phoneNumberID),
		apiVersion:    strings.TrimSpace(apiVersion),
	}, nil
}

func (a *CloudAPIAdapter) SupportsTemplates() bool { return true }

func (a *CloudAPIAdapter) SendTemplate(ctx context.Context, req TemplateRequest) (*SendResponse, error) {
	if strings.TrimSpace(req.TemplateName) == "" {
		return nil, fmt.Errorf("template name is required")
	}

	components := make([]cloudTemplateComponent, 0, 2)
	if len(req.BodyParameters) > 0 {
		params := make([]cloudMessageParameter, 0, len(req.BodyParameters))
		for _, p := range req.BodyParameters {
			params = append(params, cloudMessageParameter{Type: "text", Text: p})
		}
		components = append(components, cloudTemplateComponent{Type: "body", Parameters: params})
	}
	for i, payload := range req.ButtonPayloads {
		components = append(components, cloudTemplateComponent{
			Type:       "button",
			SubType:    "quick_reply",
			Index:      strconv.Itoa(i),
			Parameters: []cloudMessageParameter{{Type: "payload", Payload: payload}},
		})
	}

	body := cloudSendRequest{
		MessagingProduct: "whatsapp",
		To:               req.Phone,
		Type:             "template",
		Template: &cloudTemplateBody{
			Name:       req.TemplateName,
			Language:   cloudTemplateLanguage{Code: req.LanguageCode},
			Components: components,
		},
	}

	return a.send(ctx, req.Phone, body)
}

func (a *CloudAPIAdapter) SendText(ctx context.Context, phone, bodyText string) (*SendResponse, error) {
	body := cloudSendRequest{
		MessagingProduct: "whatsapp",
		To:               phone,
		Type:             "text",
		Text:             &cloudTextBody{Body: bodyText},
	}
	return a.send(ctx, phone, body)
}

func (a *CloudAPIAdapter) send(ctx context.Context, phone string, body cloudSendRequest) (*SendResponse, error) {
	if a == nil || a.client == nil {
		return nil, fmt.Errorf("adapter is not initialized")
	}
	if strings.TrimSpace(phone) == "" {
		return nil, fmt.Errorf("phone is required")
	}

	path := fmt.Sprintf("/%s/%s/messages", a.apiVersion, a.phoneNumberID)

	response, err := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(a.token).
		SetBody(body).
		Post(path)
	if err != nil {
		return nil, &ProviderError{
			Message:   "provider request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &ProviderError{
			Message:   "provider returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	var parsed cloudSendResponse
	_ = json.Unmarshal(response.Body(), &parsed)

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		messageID := ""
		if len(parsed.Messages) > 0 {
			messageID = parsed.Messages[0].ID
		}
		return &SendResponse{
			StatusCode: statusCode,
			Body:       responseBody,
			MessageID:  messageID,
		}, nil
	}

	perr := &ProviderError{
		StatusCode: statusCode,
		Message:    providerErrorMessage(statusCode, responseBody),
		Transient:  isTransientHTTPStatus(statusCode),
	}
	if parsed.Error != nil && parsed.Error.Code > 0 {
		perr.Code = strconv.Itoa(parsed.Error.Code)
	}
	return nil, perr
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func providerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}
