package calendar

import (
	"context"
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/tools"
)

// ToolName is the name agents enable to allow booking.
const ToolName = "book_appointment"

// DefaultDuration is used when the model gives no end time.
const DefaultDuration = 30 * time.Minute

type BookAppointmentInput struct {
	StartTime string `json:"start_time" validate:"required" jsonschema:"description=Start of the appointment in RFC 3339 format"`
	EndTime   string `json:"end_time,omitempty" jsonschema:"description=End of the appointment in RFC 3339 format; defaults to 30 minutes after start"`
	Name      string `json:"name" validate:"required,max=200" jsonschema:"description=Full name of the person attending"`
	Email     string `json:"email,omitempty" validate:"omitempty,email"`
	Phone     string `json:"phone,omitempty" validate:"omitempty,max=32"`
	Notes     string `json:"notes,omitempty" validate:"max=1000"`
}

type BookAppointmentOutput struct {
	Reference string `json:"reference"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// NewTool wraps client as the book_appointment tool.
func NewTool(client *Client, deadline time.Duration) tools.Tool {
	return tools.NewTyped(ToolName,
		"Book an appointment (trial session, consultation or tour) for the lead at the gym.",
		deadline,
		func(ctx context.Context, in BookAppointmentInput) (BookAppointmentOutput, error) {
			start, err := time.Parse(time.RFC3339, in.StartTime)
			if err != nil {
				return BookAppointmentOutput{}, &tools.Failure{Reason: "invalid_input", Detail: "start_time must be RFC 3339"}
			}
			end := start.Add(DefaultDuration)
			if in.EndTime != "" {
				end, err = time.Parse(time.RFC3339, in.EndTime)
				if err != nil {
					return BookAppointmentOutput{}, &tools.Failure{Reason: "invalid_input", Detail: "end_time must be RFC 3339"}
				}
			}
			if !end.After(start) {
				return BookAppointmentOutput{}, &tools.Failure{Reason: "invalid_input", Detail: "end_time must be after start_time"}
			}

			req := BookingRequest{
				StartTime: start,
				EndTime:   end,
				Name:      in.Name,
				Email:     in.Email,
				Phone:     in.Phone,
				Notes:     in.Notes,
			}
			if cc, ok := tools.CallContextFrom(ctx); ok {
				req.OrganizationID = string(cc.OrganizationID)
				req.ConversationID = string(cc.ConversationID)
			}

			booking, err := client.Book(ctx, req)
			if err != nil {
				return BookAppointmentOutput{}, err
			}
			return BookAppointmentOutput{
				Reference: booking.Reference,
				StartTime: booking.StartTime.Format(time.RFC3339),
				EndTime:   booking.EndTime.Format(time.RFC3339),
			}, nil
		})
}
