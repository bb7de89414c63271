package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/tools"
)

func TestBookAppointment(t *testing.T) {
	var got BookingRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/bookings" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer cal-key" {
			t.Errorf("missing auth header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Booking{Reference: "BK-1", StartTime: got.StartTime, EndTime: got.EndTime})
	}))
	defer server.Close()

	tool := NewTool(NewClient(server.URL, "cal-key", time.Second), 5*time.Second)
	ctx := tools.WithCallContext(context.Background(), tools.CallContext{OrganizationID: "org-1", ConversationID: "conv-1"})

	out, err := tool.Execute(ctx, json.RawMessage(`{"start_time":"2026-03-02T10:00:00Z","name":"Sam Jones","email":"sam@example.com"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var res BookAppointmentOutput
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatal(err)
	}
	if res.Reference != "BK-1" {
		t.Errorf("reference = %q", res.Reference)
	}
	if res.EndTime != "2026-03-02T10:30:00Z" {
		t.Errorf("end_time = %q, want default duration applied", res.EndTime)
	}
	if got.OrganizationID != "org-1" || got.ConversationID != "conv-1" {
		t.Errorf("call context not forwarded: %+v", got)
	}
	if tool.Name() != ToolName || tool.Deadline() != 5*time.Second {
		t.Errorf("unexpected tool metadata")
	}
}

func TestBookAppointmentRejected(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
		wantReason  string
	}{
		{"service code", http.StatusConflict, "application/json", `{"code":"slot_unavailable","message":"taken"}`, "slot_unavailable"},
		{"no code", http.StatusBadGateway, "text/plain", `upstream down`, "http_502"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			tool := NewTool(NewClient(server.URL, "", time.Second), 0)
			_, err := tool.Execute(context.Background(), json.RawMessage(`{"start_time":"2026-03-02T10:00:00Z","name":"Sam"}`))
			var f *tools.Failure
			if !errors.As(err, &f) {
				t.Fatalf("expected Failure, got %v", err)
			}
			if f.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", f.Reason, tt.wantReason)
			}
		})
	}
}

func TestBookAppointmentInvalidInput(t *testing.T) {
	tool := NewTool(NewClient("http://127.0.0.1:0", "", time.Second), 0)
	cases := []string{
		`{"name":"Sam"}`,
		`{"start_time":"tomorrow at ten","name":"Sam"}`,
		`{"start_time":"2026-03-02T10:00:00Z","end_time":"2026-03-02T09:00:00Z","name":"Sam"}`,
		`{"start_time":"2026-03-02T10:00:00Z","name":"Sam","email":"not-an-email"}`,
	}
	for _, args := range cases {
		_, err := tool.Execute(context.Background(), json.RawMessage(args))
		var f *tools.Failure
		if !errors.As(err, &f) || f.Reason != "invalid_input" {
			t.Errorf("%s: expected invalid_input, got %v", args, err)
		}
	}
}

func TestBookAppointmentUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	tool := NewTool(NewClient(url, "", time.Second), 0)
	_, err := tool.Execute(context.Background(), json.RawMessage(`{"start_time":"2026-03-02T10:00:00Z","name":"Sam"}`))
	var f *tools.Failure
	if !errors.As(err, &f) || f.Reason != "unreachable" {
		t.Fatalf("expected unreachable failure, got %v", err)
	}
}
