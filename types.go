package planboard

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Errors
// ============================================================================

// APIError represents a structured error body returned by the API.
type APIError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// HTTPError represents a non-2xx response from the API.
type HTTPError struct {
	Status int
	Body   []byte
	API    *APIError
}

func (e *HTTPError) Error() string {
	if e.API != nil && e.API.Message != "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.API.Message)
	}
	return fmt.Sprintf("http %d", e.Status)
}

// ============================================================================
// Auth Types
// ============================================================================

// TokenPair is the response of the token-obtain and register endpoints.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// RegisterOptions are the fields for account registration.
type RegisterOptions struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// ============================================================================
// Resource Types
// ============================================================================

// UserSummary is the compact user representation embedded in resources.
type UserSummary struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	IsAdmin   bool   `json:"is_admin,omitempty"`
}

// Project is a project resource.
type Project struct {
	ID          int64           `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Status      string          `json:"status,omitempty"`
	Health      string          `json:"health,omitempty"`
	Progress    int             `json:"progress,omitempty"`
	Owner       *UserSummary    `json:"owner,omitempty"`
	StartDate   string          `json:"start_date,omitempty"`
	EndDate     string          `json:"end_date,omitempty"`
	CreatedAt   string          `json:"created_at,omitempty"`
	UpdatedAt   string          `json:"updated_at,omitempty"`
	Tags        json.RawMessage `json:"tags,omitempty"`
	TeamMembers json.RawMessage `json:"team_members,omitempty"`
}

// Milestone is a milestone resource.
type Milestone struct {
	ID          int64  `json:"id"`
	Project     int64  `json:"project"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	DueDate     string `json:"due_date,omitempty"`
	Progress    int    `json:"progress,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// Comment is a comment resource.
type Comment struct {
	ID        int64        `json:"id"`
	Project   int64        `json:"project"`
	Author    *UserSummary `json:"author,omitempty"`
	Content   string       `json:"content"`
	ParentID  *int64       `json:"parent,omitempty"`
	CreatedAt string       `json:"created_at,omitempty"`
	UpdatedAt string       `json:"updated_at,omitempty"`
}

// Page is the standard paginated list envelope.
type Page[T any] struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []T     `json:"results"`
}

// SearchResult is a single hit from the search endpoint. The payload shape
// depends on the indexed entity, so it is passed through raw.
type SearchResult struct {
	Type  string          `json:"type"`
	Score float64         `json:"score,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// ============================================================================
// Realtime Event Types
// ============================================================================

// Event is an inbound realtime message. Data holds the full wire message;
// typed accessors below decode the payloads the adapters care about.
type Event struct {
	Type string
	Data json.RawMessage
}

// Actor identifies the user that caused a notification.
type Actor struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// ProjectEventPayload is the common shape of project-scoped update events
// (project_updated, milestone_changed, team_member_changed, comment_changed).
type ProjectEventPayload struct {
	Type      string          `json:"type"`
	EventType string          `json:"event_type"`
	ProjectID int64           `json:"project_id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NotificationPayload is the shape of notification_received events.
type NotificationPayload struct {
	Type         string `json:"type"`
	Title        string `json:"title"`
	Message      string `json:"message"`
	EventType    string `json:"event_type"`
	Timestamp    string `json:"timestamp"`
	Actor        *Actor `json:"actor,omitempty"`
	ProjectID    int64  `json:"project_id"`
	ProjectTitle string `json:"project_title,omitempty"`
}

// ErrorPayload is the payload of locally emitted error events. Permanent is
// set when reconnect attempts are exhausted and a manual Connect is required
// to resume.
type ErrorPayload struct {
	Message   string `json:"message"`
	Permanent bool   `json:"permanent,omitempty"`
}

// ProjectEvent decodes the event as a project-scoped update payload.
func (e Event) ProjectEvent() (*ProjectEventPayload, error) {
	var p ProjectEventPayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return nil, fmt.Errorf("decode project event: %w", err)
	}
	return &p, nil
}

// Notification decodes the event as a notification payload.
func (e Event) Notification() (*NotificationPayload, error) {
	var p NotificationPayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	return &p, nil
}

// Err decodes the event as an error payload.
func (e Event) Err() (*ErrorPayload, error) {
	var p ErrorPayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return nil, fmt.Errorf("decode error event: %w", err)
	}
	return &p, nil
}

// outboundMessage is the client-to-server control message shape.
type outboundMessage struct {
	Type      string `json:"type"`
	Token     string `json:"token,omitempty"`
	ProjectID int64  `json:"project_id,omitempty"`
}
