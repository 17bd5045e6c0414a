package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Category selects the handler and payload shape of a job.
type Category string

const (
	CategoryInference    Category = "inference"
	CategoryDownload     Category = "download"
	CategoryNotification Category = "notification"
)

// Categories lists every known category in a stable order.
var Categories = []Category{CategoryInference, CategoryDownload, CategoryNotification}

var (
	// ErrUnknownCategory is returned for a category string no handler knows.
	ErrUnknownCategory = errors.New("unknown job category")
	// ErrInvalidPayload is returned when a payload does not decode or fails validation.
	ErrInvalidPayload = errors.New("invalid job payload")
)

// ParseCategory validates s as a known category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Categories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

// Payload is the decoded, category-specific body of a job. The set of
// implementations is closed: only this package can add one.
type Payload interface {
	Category() Category
	validate() error
}

// InferencePayload asks a generation provider to run Model over Input.
type InferencePayload struct {
	Model       string          `json:"model"`
	Input       json.RawMessage `json:"input"`
	ProviderURL string          `json:"provider_url,omitempty"`
}

func (InferencePayload) Category() Category { return CategoryInference }

func (p InferencePayload) validate() error {
	if p.Model == "" {
		return errors.New("model is required")
	}
	return nil
}

// DownloadPayload fetches URL into the worker's download directory.
type DownloadPayload struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

func (DownloadPayload) Category() Category { return CategoryDownload }

func (p DownloadPayload) validate() error {
	if p.URL == "" {
		return errors.New("url is required")
	}
	if p.Filename == "" {
		return errors.New("filename is required")
	}
	return nil
}

// NotificationChannel is the delivery mechanism of a notification job.
type NotificationChannel string

const (
	ChannelWebhook NotificationChannel = "webhook"
	ChannelEmail   NotificationChannel = "email"
)

// NotificationPayload sends one message over a webhook or by email.
type NotificationPayload struct {
	Channel       NotificationChannel `json:"channel"`
	URL           string              `json:"url,omitempty"`
	SigningSecret string              `json:"signing_secret,omitempty"`
	Headers       map[string]string   `json:"headers,omitempty"`
	Recipients    []string            `json:"recipients,omitempty"`
	Subject       string              `json:"subject,omitempty"`
	Body          json.RawMessage     `json:"body"`
}

func (NotificationPayload) Category() Category { return CategoryNotification }

func (p NotificationPayload) validate() error {
	switch p.Channel {
	case ChannelWebhook:
		if p.URL == "" {
			return errors.New("webhook url is required")
		}
	case ChannelEmail:
		if len(p.Recipients) == 0 {
			return errors.New("email recipients are required")
		}
	default:
		return fmt.Errorf("unsupported channel %q", p.Channel)
	}
	return nil
}

// DecodePayload decodes raw into the payload type of c.
func DecodePayload(c Category, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch c {
	case CategoryInference:
		var v InferencePayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		p = v
	case CategoryDownload:
		var v DownloadPayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		p = v
	case CategoryNotification:
		var v NotificationPayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, c)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, c, err)
	}
	return p, nil
}

// Decode is DecodePayload for this job's own category and payload.
func (j *Job) Decode() (Payload, error) {
	return DecodePayload(j.Category, j.Payload)
}
