package provider

import "context"

// ChannelAdapter is the outbound messaging port. Implementations return
// the provider message identifier on accept; failures surface as
// *ProviderError carrying the provider's structured error code.
type ChannelAdapter interface {
	SendTemplate(ctx context.Context, req TemplateRequest) (*SendResponse, error)
	SendText(ctx context.Context, phone, body string) (*SendResponse, error)
	// SupportsTemplates reports whether the channel can deliver
	// pre-approved template messages outside an open session window.
	SupportsTemplates() bool
}

// TemplateRequest describes a templated send.
type TemplateRequest struct {
	Phone          string
	TemplateName   string
	LanguageCode   string
	BodyParameters []string
	ButtonPayloads []string
}

// SendResponse stores provider call metadata for audit and persistence.
type SendResponse struct {
	StatusCode int
	Body       string
	MessageID  string
}
