// Package calendar books appointments with the external scheduling service.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/tools"
)

// Client talks to the scheduling service's REST API.
type Client struct {
	http *resty.Client
}

// BookingRequest is the body of POST /bookings.
type BookingRequest struct {
	OrganizationID string    `json:"organization_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Name           string    `json:"name"`
	Email          string    `json:"email,omitempty"`
	Phone          string    `json:"phone,omitempty"`
	Notes          string    `json:"notes,omitempty"`
}

// Booking is the service's confirmation.
type Booking struct {
	Reference string    `json:"reference"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("User-Agent", "atlas-agent/1.0").
		SetTimeout(timeout)
	if apiKey != "" {
		c.SetAuthToken(apiKey)
	}
	return &Client{http: c}
}

// Book creates a booking. Rejections come back as *tools.Failure whose
// Reason is the service's error code, or http_<status> when it sent none.
func (c *Client) Book(ctx context.Context, req BookingRequest) (*Booking, error) {
	var booking Booking
	var apiErr errorBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&booking).
		SetError(&apiErr).
		Post("/bookings")
	if err != nil && (resp == nil || resp.RawResponse == nil) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &tools.Failure{Reason: "timeout", Detail: err.Error()}
		}
		return nil, &tools.Failure{Reason: "unreachable", Detail: err.Error()}
	}
	if resp.IsError() {
		reason := apiErr.Code
		if reason == "" {
			reason = fmt.Sprintf("http_%d", resp.StatusCode())
		}
		detail := apiErr.Message
		if detail == "" {
			detail = strings.TrimSpace(resp.String())
		}
		return nil, &tools.Failure{Reason: reason, Detail: detail}
	}
	if err != nil {
		return nil, &tools.Failure{Reason: "malformed_response", Detail: err.Error()}
	}
	if booking.Reference == "" {
		return nil, &tools.Failure{Reason: "malformed_response", Detail: "booking has no reference"}
	}
	return &booking, nil
}
