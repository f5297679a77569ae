package session

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/scribelabs/scribe-core/internal/api"
	"github.com/scribelabs/scribe-core/internal/config"
	"github.com/scribelabs/scribe-core/internal/protocol"
	"github.com/scribelabs/scribe-core/internal/stream"
)

// RoomAPI is the subset of the request layer the room flow needs.
type RoomAPI interface {
	JoinRoom(ctx context.Context, code, name string) (api.Room, error)
	StartRoom(ctx context.Context, code string) (api.Room, error)
	StopRoom(ctx context.Context, code string) (api.Room, error)
	GetRoomStatus(ctx context.Context, code string) (api.Room, error)
}

// transcriptStream is the duplex stream surface used by the room flow. It is
// satisfied by *stream.Client and replaceable in tests.
type transcriptStream interface {
	Send(payload any)
	Close()
}

// RoomHandlers receive room-scoped events. All fields are optional.
type RoomHandlers struct {
	OnPeerMessage func(protocol.StreamMessage)
	OnClosed      func()
}

// RoomController runs a session inside a shared room: it joins the room,
// shares final chunks with the other participants over the realtime stream,
// and polls the server until the room closes. Once the server reports the
// room closed, polling stops, the stream is closed intentionally, and the
// local session is stopped — each of these exactly once.
type RoomController struct {
	cfg      config.Config
	api      RoomAPI
	session  *Controller
	handlers RoomHandlers
	log      *slog.Logger

	// dial is swapped out by tests.
	dial func(url string, handlers stream.Handlers) transcriptStream

	mu         sync.Mutex
	room       api.Room
	stream     transcriptStream
	pollCancel context.CancelFunc
	torndown   bool
}

func NewRoomController(cfg config.Config, roomAPI RoomAPI, session *Controller, handlers RoomHandlers, log *slog.Logger) *RoomController {
	r := &RoomController{
		cfg:      cfg,
		api:      roomAPI,
		session:  session,
		handlers: handlers,
		log:      log.With(slog.String("component", "room")),
	}
	r.dial = func(u string, h stream.Handlers) transcriptStream {
		return stream.Dial(u, cfg.Stream, h, log)
	}
	session.SetAppendSubmit(true)
	session.SetChunkForwarder(r.SendChunk)
	return r
}

// Room returns the last server-observed room state.
func (r *RoomController) Room() api.Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.room
}

// Join registers this participant, adopts the room's session identifier,
// opens the realtime stream, and begins status polling.
func (r *RoomController) Join(ctx context.Context, code string) error {
	room, err := r.api.JoinRoom(ctx, code, r.cfg.Session.ParticipantName)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.room = room
	r.mu.Unlock()
	if room.SessionID != "" {
		r.session.SetID(room.SessionID)
	}

	conn := r.dial(streamURL(r.cfg.API.BaseURL, code), stream.Handlers{
		OnOpen:    r.identify,
		OnMessage: r.handleMessage,
		OnError: func(err error) {
			r.log.Warn("room stream error", slog.String("room", code), slog.String("error", err.Error()))
		},
	})
	r.mu.Lock()
	r.stream = conn
	r.mu.Unlock()

	pollCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.pollCancel = cancel
	r.mu.Unlock()
	go r.poll(pollCtx, code)

	r.log.Info("joined room", slog.String("room", code), slog.String("session_id", room.SessionID))
	return nil
}

// Start asks the server to move the room into recording and starts local
// capture.
func (r *RoomController) Start(ctx context.Context) error {
	r.mu.Lock()
	code := r.room.Code
	r.mu.Unlock()

	room, err := r.api.StartRoom(ctx, code)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.room = room
	r.mu.Unlock()

	r.session.Start()
	return nil
}

// Stop asks the server to close the room for everyone. Local teardown
// follows from the poll loop observing the closed status, or immediately if
// polling has already ended.
func (r *RoomController) Stop(ctx context.Context) error {
	r.mu.Lock()
	code := r.room.Code
	r.mu.Unlock()

	room, err := r.api.StopRoom(ctx, code)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.room = room
	r.mu.Unlock()

	if room.Status.Terminal() {
		r.teardown(ctx)
	}
	return nil
}

// Leave abandons the room locally without closing it for other participants.
func (r *RoomController) Leave(ctx context.Context) {
	r.teardown(ctx)
}

// SendChunk shares a final chunk with the room. Interim chunks stay local.
func (r *RoomController) SendChunk(chunk protocol.CaptureChunk) {
	if !chunk.IsFinal {
		return
	}
	r.mu.Lock()
	conn := r.stream
	r.mu.Unlock()
	if conn == nil {
		return
	}
	conn.Send(protocol.StreamMessage{
		Type:    protocol.MessageTypeTranscriptChunk,
		Text:    chunk.Text,
		IsFinal: true,
		Name:    r.cfg.Session.ParticipantName,
	})
}

// identify announces this participant on a freshly opened stream. It runs on
// every open, so reconnects re-identify automatically.
func (r *RoomController) identify() {
	r.mu.Lock()
	conn := r.stream
	r.mu.Unlock()
	if conn == nil {
		return
	}
	conn.Send(protocol.StreamMessage{
		Type:            protocol.MessageTypeIdentify,
		Name:            r.cfg.Session.ParticipantName,
		ParticipantType: r.cfg.Session.ParticipantType,
	})
}

func (r *RoomController) handleMessage(msg protocol.StreamMessage) {
	if r.handlers.OnPeerMessage != nil {
		r.handlers.OnPeerMessage(msg)
	}
}

// poll checks room status at the configured interval until the room reaches
// a terminal state or the context is cancelled.
func (r *RoomController) poll(ctx context.Context, code string) {
	interval := time.Duration(r.cfg.Session.PollIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		room, err := r.api.GetRoomStatus(ctx, code)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Warn("room status poll failed", slog.String("room", code), slog.String("error", err.Error()))
			continue
		}

		r.mu.Lock()
		r.room = room
		r.mu.Unlock()

		if room.Status.Terminal() {
			r.log.Info("room closed", slog.String("room", code))
			r.teardown(ctx)
			return
		}
	}
}

// teardown stops polling, closes the stream intentionally, and stops the
// local session. Safe to call from multiple paths; only the first does work.
func (r *RoomController) teardown(ctx context.Context) {
	r.mu.Lock()
	if r.torndown {
		r.mu.Unlock()
		return
	}
	r.torndown = true
	cancel := r.pollCancel
	conn := r.stream
	r.stream = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	// The poll context may already be cancelled; final delivery must still
	// get a live context.
	r.session.Stop(context.WithoutCancel(ctx))
	if r.handlers.OnClosed != nil {
		r.handlers.OnClosed()
	}
}

// streamURL derives the room's websocket endpoint from the API base URL.
func streamURL(baseURL, code string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/api/rooms/" + url.PathEscape(code) + "/stream"
}
