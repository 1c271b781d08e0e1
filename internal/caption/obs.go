package caption

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/coder/websocket"
)

// OBSOptions configures the obs-websocket (protocol 4.x) sink.
type OBSOptions struct {
	URL      string
	Password string
	// Source is the name of the GDI+ text source that shows the captions.
	Source string
}

// OBSSink drives an OBS text source over obs-websocket. Requests are
// answered in order on the same connection, so each call writes one request
// and reads until the matching response, skipping broadcast events.
type OBSSink struct {
	opts   OBSOptions
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID uint64
}

func NewOBSSink(opts OBSOptions, logger *slog.Logger) *OBSSink {
	return &OBSSink{opts: opts, logger: logger}
}

type obsResponse struct {
	MessageID    string `json:"message-id"`
	Status       string `json:"status"`
	Error        string `json:"error"`
	AuthRequired bool   `json:"authRequired"`
	Challenge    string `json:"challenge"`
	Salt         string `json:"salt"`
}

func (s *OBSSink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}

	conn, _, err := websocket.Dial(ctx, s.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("obs: dial %s: %w", s.opts.URL, err)
	}
	conn.SetReadLimit(1 << 20)
	s.conn = conn

	if err := s.authenticate(ctx); err != nil {
		_ = s.closeLocked(websocket.StatusPolicyViolation, "authentication failed")
		return err
	}
	s.logger.Info("connected to OBS", slog.String("url", s.opts.URL), slog.String("source", s.opts.Source))
	return nil
}

func (s *OBSSink) authenticate(ctx context.Context) error {
	resp, err := s.call(ctx, "GetAuthRequired", nil)
	if err != nil {
		return err
	}
	if !resp.AuthRequired {
		return nil
	}
	if s.opts.Password == "" {
		return fmt.Errorf("obs: server requires a password")
	}
	_, err = s.call(ctx, "Authenticate", map[string]any{
		"auth": authResponse(s.opts.Password, resp.Salt, resp.Challenge),
	})
	return err
}

// authResponse implements the obs-websocket 4.x challenge:
// base64(sha256(base64(sha256(password+salt)) + challenge)).
func authResponse(password, salt, challenge string) string {
	secret := sha256.Sum256([]byte(password + salt))
	secretB64 := base64.StdEncoding.EncodeToString(secret[:])
	auth := sha256.Sum256([]byte(secretB64 + challenge))
	return base64.StdEncoding.EncodeToString(auth[:])
}

func (s *OBSSink) Update(ctx context.Context, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	fields := map[string]any{
		"source": s.opts.Source,
		"text":   u.Text(),
	}
	if u.Mode == ModeChatlog {
		fields["chatlog"] = true
		fields["chatlog_lines"] = u.Lines
	} else {
		fields["chatlog"] = false
	}
	_, err := s.call(ctx, "SetTextGDIPlusProperties", fields)
	return err
}

func (s *OBSSink) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.closeLocked(websocket.StatusNormalClosure, "")
	s.logger.Info("disconnected from OBS")
	return err
}

func (s *OBSSink) closeLocked(code websocket.StatusCode, reason string) error {
	err := s.conn.Close(code, reason)
	s.conn = nil
	return err
}

// call must be invoked with s.mu held. A transport error drops the
// connection; later calls return ErrNotConnected.
func (s *OBSSink) call(ctx context.Context, requestType string, fields map[string]any) (obsResponse, error) {
	s.nextID++
	id := strconv.FormatUint(s.nextID, 10)
	req := map[string]any{"request-type": requestType, "message-id": id}
	for k, v := range fields {
		req[k] = v
	}
	data, err := json.Marshal(req)
	if err != nil {
		return obsResponse{}, err
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		_ = s.closeLocked(websocket.StatusInternalError, "write failed")
		return obsResponse{}, fmt.Errorf("obs: %s: %w", requestType, err)
	}

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			_ = s.closeLocked(websocket.StatusInternalError, "read failed")
			return obsResponse{}, fmt.Errorf("obs: %s: %w", requestType, err)
		}
		var resp obsResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			s.logger.Debug("ignoring undecodable obs message", slogError(err))
			continue
		}
		if resp.MessageID != id {
			continue
		}
		if resp.Status != "ok" {
			return resp, fmt.Errorf("obs: %s: %s", requestType, resp.Error)
		}
		return resp, nil
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
