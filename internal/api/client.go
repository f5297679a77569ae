package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/scribelabs/scribe-core/internal/config"
	"github.com/scribelabs/scribe-core/internal/protocol"
)

// Client is the request layer the core submits transcripts through. Any
// non-success response becomes a delivery failure carrying the server's
// error message verbatim.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

func NewClient(cfg config.APIConfig, log *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
		log:     log.With(slog.String("component", "api")),
	}
}

// Room is a shared live-recording context returned by the room operations.
type Room struct {
	Code      string              `json:"code"`
	SessionID string              `json:"session_id"`
	Status    protocol.RoomStatus `json:"status"`
}

type submitRequest struct {
	Transcript      string `json:"transcript"`
	DurationSeconds int    `json:"duration_seconds"`
	Append          bool   `json:"append"`
}

type sessionResponse struct {
	ID     string                 `json:"id"`
	Status protocol.SessionStatus `json:"status"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SubmitTranscript delivers a completed transcript for a session.
func (c *Client) SubmitTranscript(ctx context.Context, sessionID, transcript string, durationSeconds int, appendTranscript bool) error {
	payload := submitRequest{
		Transcript:      transcript,
		DurationSeconds: durationSeconds,
		Append:          appendTranscript,
	}
	path := fmt.Sprintf("/api/sessions/%s/transcript", url.PathEscape(sessionID))
	return c.do(ctx, http.MethodPost, path, payload, nil)
}

// GetSessionStatus fetches the server-observed status for a solo session.
func (c *Client) GetSessionStatus(ctx context.Context, sessionID string) (protocol.SessionStatus, error) {
	var resp sessionResponse
	path := fmt.Sprintf("/api/sessions/%s", url.PathEscape(sessionID))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// JoinRoom registers this participant in a shared room.
func (c *Client) JoinRoom(ctx context.Context, code, name string) (Room, error) {
	var room Room
	path := fmt.Sprintf("/api/rooms/%s/join", url.PathEscape(code))
	err := c.do(ctx, http.MethodPost, path, map[string]string{"name": name}, &room)
	return room, err
}

// StartRoom moves a waiting room into recording.
func (c *Client) StartRoom(ctx context.Context, code string) (Room, error) {
	var room Room
	path := fmt.Sprintf("/api/rooms/%s/start", url.PathEscape(code))
	err := c.do(ctx, http.MethodPost, path, nil, &room)
	return room, err
}

// StopRoom closes a room for all participants.
func (c *Client) StopRoom(ctx context.Context, code string) (Room, error) {
	var room Room
	path := fmt.Sprintf("/api/rooms/%s/stop", url.PathEscape(code))
	err := c.do(ctx, http.MethodPost, path, nil, &room)
	return room, err
}

// GetRoomStatus fetches the current room state for poll loops.
func (c *Client) GetRoomStatus(ctx context.Context, code string) (Room, error) {
	var room Room
	path := fmt.Sprintf("/api/rooms/%s", url.PathEscape(code))
	err := c.do(ctx, http.MethodGet, path, nil, &room)
	return room, err
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.New(serverMessage(resp))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// serverMessage extracts the server-provided error text so it can be
// surfaced to the user unchanged.
func serverMessage(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if err == nil && len(bytes.TrimSpace(data)) > 0 {
		var parsed errorResponse
		if jerr := json.Unmarshal(data, &parsed); jerr == nil {
			if parsed.Error != "" {
				return parsed.Error
			}
			if parsed.Message != "" {
				return parsed.Message
			}
		}
		return strings.TrimSpace(string(data))
	}
	return resp.Status
}
