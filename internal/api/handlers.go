package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"lechat/internal/blob"
	"lechat/internal/media"
	"lechat/internal/relay"
	"lechat/internal/session"
	"lechat/internal/storage"
)

type attachmentInput struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	DataBase64  string `json:"dataBase64"`
}

type composeRequest struct {
	MessageID string            `json:"messageId"`
	Text      string            `json:"text"`
	Images    []attachmentInput `json:"images"`
	Documents []attachmentInput `json:"documents"`
	Actions   []string          `json:"actions"`
}

type composeResponse struct {
	ChatID string `json:"chatId"`
}

// handleCompose is the new-chat flow: the first message and its attachments
// are staged in the relay slot, the chat row is created, and the client is
// redirected to the conversation stream where the payload is drained.
func (s *Server) handleCompose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, err := session.ContextProvider{}.Current(ctx)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req composeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	if !s.allowSubmission(w, r, user.ID, req.MessageID) {
		return
	}

	// Staged files must outlive this request: the relay payload is uploaded
	// durably only when the conversation stream drains it. Stale staging
	// dirs are the same orphan class as blobs from failed appends.
	images, _, err := s.stageAttachments(r, req.Images)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	documents, _, err := s.stageAttachments(r, req.Documents)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	images = s.media.EnforceLimit(images, media.MaxImages, "images")
	documents = s.media.EnforceLimit(documents, media.MaxDocuments, "documents")

	chatID, err := s.store.CreateChat(ctx, req.Text)
	if err != nil {
		s.logger.Error().Err(err).Msg("create chat")
		writeError(w, http.StatusInternalServerError, "create chat failed")
		return
	}

	s.relay.Set(relay.Payload{
		ChatID:    chatID,
		Message:   req.Text,
		Images:    media.Attachments(images),
		Documents: media.Attachments(documents),
		Actions:   req.Actions,
	})
	s.metrics.Submissions.Inc()

	writeJSON(w, http.StatusCreated, composeResponse{ChatID: chatID})
}

// stageAttachments materializes uploaded payloads into temp files so the
// normalizer and the blob uploader see the same local-path shape that device
// picks have. The temp files live until the message append uploads them.
func (s *Server) stageAttachments(r *http.Request, inputs []attachmentInput) ([]media.Descriptor, func(), error) {
	if len(inputs) == 0 {
		return nil, func() {}, nil
	}

	dir, err := os.MkdirTemp("", "lechat-upload-")
	if err != nil {
		return nil, func() {}, fmt.Errorf("stage attachments: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	picks := make([]media.Pick, 0, len(inputs))
	for i, in := range inputs {
		raw, err := base64.StdEncoding.DecodeString(in.DataBase64)
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("attachment %d: invalid base64", i)
		}
		name := in.Name
		if name == "" {
			name = fmt.Sprintf("upload-%d", i)
		}
		path := filepath.Join(dir, fmt.Sprintf("%d-%s", i, filepath.Base(name)))
		if err := os.WriteFile(path, raw, 0o600); err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("attachment %d: %w", i, err)
		}
		picks = append(picks, media.Pick{
			Path:     path,
			Name:     name,
			MimeType: in.ContentType,
			Base64:   in.DataBase64,
		})
	}

	descriptors, err := s.media.Normalize(r.Context(), picks)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return descriptors, cleanup, nil
}

func (s *Server) allowSubmission(w http.ResponseWriter, r *http.Request, userID, messageID string) bool {
	ctx := r.Context()
	allowed, _, resetAt, err := s.limiter.Allow(ctx, userID, time.Now().UTC())
	if err != nil {
		s.logger.Error().Err(err).Msg("rate limit check")
		// Redis being down should not block chatting.
		allowed = true
	}
	if !allowed {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(resetAt).Seconds()), 10))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}

	if messageID != "" {
		first, err := s.dedupe.MarkFirst(ctx, messageID)
		if err != nil {
			s.logger.Error().Err(err).Msg("submission dedupe")
			return true
		}
		if !first {
			writeError(w, http.StatusConflict, "duplicate submission")
			return false
		}
	}
	return true
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	grouped, err := s.store.ListChats(r.Context())
	if err != nil {
		if errors.Is(err, session.ErrUnauthenticated) {
			writeError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		s.logger.Error().Err(err).Msg("list chats")
		writeError(w, http.StatusInternalServerError, "list chats failed")
		return
	}
	writeJSON(w, http.StatusOK, grouped)
}

type renameRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleRenameChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	if err := s.store.UpdateChatTitle(r.Context(), chatID, req.Title); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "chat not found")
		case errors.Is(err, session.ErrUnauthenticated):
			writeError(w, http.StatusUnauthorized, "unauthenticated")
		default:
			s.logger.Error().Err(err).Msg("rename chat")
			writeError(w, http.StatusInternalServerError, "rename failed")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	msgs, err := s.store.ListMessages(r.Context(), chatID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "chat not found")
		case errors.Is(err, session.ErrUnauthenticated):
			writeError(w, http.StatusUnauthorized, "unauthenticated")
		default:
			s.logger.Error().Err(err).Msg("list messages")
			writeError(w, http.StatusInternalServerError, "list messages failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type submitRequest struct {
	MessageID string            `json:"messageId"`
	Text      string            `json:"text"`
	Images    []attachmentInput `json:"images"`
	Documents []attachmentInput `json:"documents"`
	Actions   []string          `json:"actions"`
}

// handleSubmit feeds a message into the chat's live controller. Submissions
// are only valid while a client is attached to the stream, mirroring input
// being local to the open conversation.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chatID := chi.URLParam(r, "chatID")
	user, err := session.ContextProvider{}.Current(ctx)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	ctrl, ok := s.manager.Peek(chatID)
	if !ok {
		writeError(w, http.StatusConflict, "no open conversation for chat")
		return
	}

	if !s.allowSubmission(w, r, user.ID, req.MessageID) {
		return
	}

	images, cleanup, err := s.stageAttachments(r, req.Images)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	documents, cleanupDocs, err := s.stageAttachments(r, req.Documents)
	if err != nil {
		cleanup()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	images = s.media.EnforceLimit(images, media.MaxImages, "images")
	documents = s.media.EnforceLimit(documents, media.MaxDocuments, "documents")
	attachments := append(media.Attachments(images), media.Attachments(documents)...)

	err = ctrl.Submit(session.WithUser(ctx, user), req.Text, attachments, req.Actions)
	// The append uploads the staged files durably before returning.
	cleanup()
	cleanupDocs()
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "chat not found")
		default:
			writeError(w, http.StatusConflict, err.Error())
		}
		return
	}
	s.metrics.Submissions.Inc()
	w.WriteHeader(http.StatusAccepted)
}

// streamFrame is one SSE payload: the current view of the conversation.
type streamFrame struct {
	Phase      string          `json:"phase"`
	Transcript []transcriptRow `json:"transcript"`
	Disabled   bool            `json:"inputDisabled"`
}

type transcriptRow struct {
	ID          string               `json:"id"`
	Role        string               `json:"role"`
	Content     string               `json:"content"`
	Attachments []storage.Attachment `json:"attachments,omitempty"`
	Pending     bool                 `json:"pending"`
}

// handleStream attaches the client to the chat's controller over SSE. The
// first attach opens the controller, which loads history and drains any
// pending relay payload.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chatID := chi.URLParam(r, "chatID")

	// Ownership check before attaching: the controller's detached context
	// must never be built for a chat the caller cannot read.
	if _, err := s.store.ListMessages(ctx, chatID); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "chat not found")
		case errors.Is(err, session.ErrUnauthenticated):
			writeError(w, http.StatusUnauthorized, "unauthenticated")
		default:
			s.logger.Error().Err(err).Msg("stream preflight")
			writeError(w, http.StatusInternalServerError, "stream failed")
		}
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctrl, hub, release := s.manager.Acquire(ctx, chatID)
	defer release()
	notices := hub.subscribe()
	defer hub.unsubscribe(notices)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sendFrame := func() {
		frame := streamFrame{
			Phase:    ctrl.Phase().String(),
			Disabled: ctrl.InputDisabled(),
		}
		for _, t := range ctrl.Transcript() {
			frame.Transcript = append(frame.Transcript, transcriptRow(t))
		}
		writeSSE(w, "state", frame)
		flusher.Flush()
	}
	sendFrame()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ctrl.Updates():
			sendFrame()
		case n := <-notices:
			writeSSE(w, "notice", n)
			flusher.Flush()
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// handleBlob serves a signed attachment download. The signature carries the
// authorization; no session is required.
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("ref")
	sig := r.URL.Query().Get("sig")
	expires, err := strconv.ParseInt(r.URL.Query().Get("expires"), 10, 64)
	if err != nil || ref == "" || sig == "" {
		writeError(w, http.StatusBadRequest, "invalid blob request")
		return
	}

	rc, err := s.blobs.Open(ref, expires, sig)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			writeError(w, http.StatusNotFound, "blob not found")
			return
		}
		writeError(w, http.StatusForbidden, "invalid or expired link")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(ref)))
	_, _ = io.Copy(w, rc)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeSSE(w io.Writer, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
