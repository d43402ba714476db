package builder

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/logabell/conversator/internal/common/logger"
)

// StreamOptions tunes the SSE reconnect and idle behavior. MaxReconnects
// bounds consecutive failures inside one ReconnectWindow; the counter
// resets once the window elapses.
type StreamOptions struct {
	IdleTimeout     time.Duration
	MaxReconnects   int
	ReconnectWindow time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
}

func (o *StreamOptions) defaults() {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 2 * time.Minute
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = 5
	}
	if o.ReconnectWindow <= 0 {
		o.ReconnectWindow = 5 * time.Minute
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
}

// OpenCodeAdapter drives an opencode server over HTTP plus an SSE event
// stream.
type OpenCodeAdapter struct {
	baseURL    string
	directory  string
	password   string
	httpClient *http.Client
	log        *logger.Logger
	stream     StreamOptions
}

// NewOpenCodeAdapter builds an adapter for one opencode server.
func NewOpenCodeAdapter(baseURL, directory, password string, log *logger.Logger) *OpenCodeAdapter {
	a := &OpenCodeAdapter{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		directory:  directory,
		password:   password,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
	a.stream.defaults()
	return a
}

// SetStreamOptions overrides the stream tuning. Call before StreamEvents.
func (a *OpenCodeAdapter) SetStreamOptions(opts StreamOptions) {
	opts.defaults()
	a.stream = opts
}

// Kind implements Adapter.
func (a *OpenCodeAdapter) Kind() string { return "opencode" }

func (a *OpenCodeAdapter) authHeader() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte("opencode:"+a.password))
}

func (a *OpenCodeAdapter) url(path string) string {
	if a.directory == "" {
		return a.baseURL + path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return a.baseURL + path + sep + "directory=" + a.directory
}

func (a *OpenCodeAdapter) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.url(path), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if a.password != "" {
		req.Header.Set("Authorization", a.authHeader())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return a.httpClient.Do(req)
}

type sessionResponse struct {
	ID string `json:"id"`
}

// CreateSession implements Adapter.
func (a *OpenCodeAdapter) CreateSession(ctx context.Context) (string, error) {
	resp, err := a.doRequest(ctx, http.MethodPost, "/session", strings.NewReader("{}"))
	if err != nil {
		return "", fmt.Errorf("create session request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("create session failed: HTTP %d: %s", resp.StatusCode, string(body))
	}
	var session sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("parse session response: %w", err)
	}
	return session.ID, nil
}

type promptRequest struct {
	Parts []promptPart `json:"parts"`
}

type promptPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SendMessage implements Adapter.
func (a *OpenCodeAdapter) SendMessage(ctx context.Context, sessionID, text string) error {
	body, err := json.Marshal(promptRequest{Parts: []promptPart{{Type: "text", Text: text}}})
	if err != nil {
		return fmt.Errorf("marshal prompt request: %w", err)
	}
	resp, err := a.doRequest(ctx, http.MethodPost,
		fmt.Sprintf("/session/%s/message", sessionID), strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("send prompt request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("prompt failed: HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Abort implements Adapter. Errors are swallowed; the caller resolves the
// outcome from the event stream within its confirm window.
func (a *OpenCodeAdapter) Abort(ctx context.Context, sessionID string) error {
	abortCtx, cancel := context.WithTimeout(ctx, 800*time.Millisecond)
	defer cancel()

	resp, err := a.doRequest(abortCtx, http.MethodPost,
		fmt.Sprintf("/session/%s/abort", sessionID), nil)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	_, _ = io.ReadAll(resp.Body)
	return nil
}

type permissionReply struct {
	Reply   string `json:"reply"`
	Message string `json:"message,omitempty"`
}

// ResolveGate implements GateResolver.
func (a *OpenCodeAdapter) ResolveGate(ctx context.Context, sessionID, gateID string, approve bool, note string) error {
	reply := permissionReply{Reply: "reject", Message: note}
	if approve {
		reply.Reply = "accept"
	} else if reply.Message == "" {
		reply.Message = "User denied this tool use request"
	}

	body, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("marshal permission reply: %w", err)
	}
	resp, err := a.doRequest(ctx, http.MethodPost,
		fmt.Sprintf("/permission/%s/reply", gateID), strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("permission reply request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.ReadAll(resp.Body)
	return nil
}

type healthResponse struct {
	Healthy  bool              `json:"healthy"`
	Version  string            `json:"version"`
	Sessions map[string]string `json:"sessions"`
}

// Health implements Adapter.
func (a *OpenCodeAdapter) Health(ctx context.Context) (*Health, error) {
	resp, err := a.doRequest(ctx, http.MethodGet, "/global/health", nil)
	if err != nil {
		return &Health{Healthy: false}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Health{Healthy: false}, fmt.Errorf("read health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &Health{Healthy: false}, fmt.Errorf("health check HTTP %d: %s", resp.StatusCode, string(body))
	}
	var health healthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return &Health{Healthy: false}, fmt.Errorf("parse health response: %w", err)
	}
	return &Health{Healthy: health.Healthy, Version: health.Version, Sessions: health.Sessions}, nil
}

// WaitForHealth polls until the server reports healthy or the deadline
// passes.
func (a *OpenCodeAdapter) WaitForHealth(ctx context.Context, deadline time.Duration) error {
	until := time.Now().Add(deadline)
	var lastErr error
	for time.Now().Before(until) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		health, err := a.Health(ctx)
		if err == nil && health.Healthy {
			a.log.Info("builder healthy",
				zap.String("base_url", a.baseURL), zap.String("version", health.Version))
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("server reports unhealthy")
		}
		time.Sleep(150 * time.Millisecond)
	}
	if lastErr != nil {
		return fmt.Errorf("health check timeout: %w", lastErr)
	}
	return fmt.Errorf("health check timeout")
}

type remoteEnvelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// StreamEvents implements Adapter. The goroutine owns reconnects with
// exponential backoff; the channel closes on ctx cancellation, a terminal
// event, or reconnect exhaustion (after an EventLost).
func (a *OpenCodeAdapter) StreamEvents(ctx context.Context, sessionID string) (<-chan Event, error) {
	out := make(chan Event, 64)
	go a.streamLoop(ctx, sessionID, out)
	return out, nil
}

func (a *OpenCodeAdapter) streamLoop(ctx context.Context, sessionID string, out chan<- Event) {
	defer close(out)

	attempts := 0
	backoff := a.stream.InitialBackoff
	windowStart := time.Now()

	for {
		if ctx.Err() != nil {
			return
		}

		body, err := a.connectStream(ctx)
		if err != nil {
			if time.Since(windowStart) > a.stream.ReconnectWindow {
				attempts = 0
				windowStart = time.Now()
			}
			attempts++
			if attempts > a.stream.MaxReconnects {
				a.log.Warn("builder stream reconnects exhausted",
					zap.String("session_id", sessionID), zap.Error(err))
				emit(ctx, out, Event{Kind: EventLost, SessionID: sessionID,
					Reason: "event stream unreachable"})
				return
			}
			a.log.Debug("builder stream reconnect",
				zap.String("session_id", sessionID),
				zap.Int("attempt", attempts), zap.Error(err))
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > a.stream.MaxBackoff {
				backoff = a.stream.MaxBackoff
			}
			continue
		}

		attempts = 0
		backoff = a.stream.InitialBackoff
		windowStart = time.Now()

		terminal := a.consumeStream(ctx, sessionID, body, out)
		if terminal || ctx.Err() != nil {
			return
		}
		// Stream dropped mid-session; fall through to reconnect.
		attempts++
	}
}

func (a *OpenCodeAdapter) connectStream(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url("/event"), nil)
	if err != nil {
		return nil, fmt.Errorf("create event stream request: %w", err)
	}
	if a.password != "" {
		req.Header.Set("Authorization", a.authHeader())
	}
	req.Header.Set("Accept", "text/event-stream")

	// Long-lived stream, so no client timeout here.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("event stream HTTP %d: %s", resp.StatusCode, string(body))
	}
	return resp.Body, nil
}

// consumeStream reads one SSE connection. Returns true when a terminal
// event for the session was delivered.
func (a *OpenCodeAdapter) consumeStream(ctx context.Context, sessionID string, body io.ReadCloser, out chan<- Event) bool {
	defer body.Close()

	lines := make(chan string, 64)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	// Unblock the scanner goroutine when ctx ends.
	go func() {
		select {
		case <-ctx.Done():
			body.Close()
		case <-readDone:
		}
	}()

	idle := time.NewTimer(a.stream.IdleTimeout)
	defer idle.Stop()
	gated := false

	var data strings.Builder
	for {
		select {
		case <-ctx.Done():
			return false

		case <-idle.C:
			if gated {
				// A pending gate suspends the idle clock; the user may
				// take arbitrarily long.
				idle.Reset(a.stream.IdleTimeout)
				continue
			}
			// Idle is a connection problem, not a session outcome: drop
			// the connection and let the reconnect loop take over.
			a.log.Warn("builder stream idle, reconnecting",
				zap.String("session_id", sessionID))
			return false

		case line, ok := <-lines:
			if !ok {
				return false
			}
			if strings.HasPrefix(line, "data: ") {
				data.WriteString(strings.TrimPrefix(line, "data: "))
				continue
			}
			if line != "" || data.Len() == 0 {
				continue
			}

			raw := strings.TrimSpace(data.String())
			data.Reset()
			if raw == "" {
				continue
			}

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(a.stream.IdleTimeout)

			ev, ok := a.translate(sessionID, []byte(raw))
			if !ok {
				continue
			}
			gated = ev.Kind == EventGateRequested
			emit(ctx, out, ev)
			if ev.Kind == EventCompleted || ev.Kind == EventFailed {
				return true
			}
		}
	}
}

// translate maps one remote envelope to a domain-facing event. The mapping
// is total over the recognized set; anything else is logged at debug and
// dropped.
func (a *OpenCodeAdapter) translate(sessionID string, raw []byte) (Event, bool) {
	var envelope remoteEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		a.log.Warn("unparseable builder event", zap.Error(err))
		return Event{}, false
	}

	var props map[string]interface{}
	if envelope.Properties != nil {
		_ = json.Unmarshal(envelope.Properties, &props)
	}
	if id := propSessionID(envelope.Type, props); id != "" && id != sessionID {
		return Event{}, false
	}

	switch envelope.Type {
	case "session.status":
		status, _ := props["status"].(string)
		return Event{Kind: EventStatus, SessionID: sessionID, Status: status}, status != ""

	case "session.idle":
		return Event{Kind: EventCompleted, SessionID: sessionID}, true

	case "session.error":
		reason := "session error"
		if errObj, ok := props["error"].(map[string]interface{}); ok {
			if msg, ok := errObj["message"].(string); ok && msg != "" {
				reason = msg
			}
		}
		return Event{Kind: EventFailed, SessionID: sessionID, Reason: reason}, true

	case "permission.updated":
		gateID, _ := props["id"].(string)
		title, _ := props["title"].(string)
		return Event{Kind: EventGateRequested, SessionID: sessionID,
			GateID: gateID, GatePrompt: title}, gateID != ""

	case "file.edited":
		path, _ := props["file"].(string)
		return Event{Kind: EventArtifact, SessionID: sessionID,
			ArtifactPath: path, ArtifactKind: "file"}, path != ""

	case "message.part.updated":
		if part, ok := props["part"].(map[string]interface{}); ok {
			if partType, _ := part["type"].(string); partType == "text" {
				text, _ := part["text"].(string)
				return Event{Kind: EventText, SessionID: sessionID, Text: text}, text != ""
			}
		}
		return Event{}, false

	default:
		a.log.Debug("unrecognized builder event dropped",
			zap.String("type", envelope.Type))
		return Event{}, false
	}
}

func propSessionID(eventType string, props map[string]interface{}) string {
	if props == nil {
		return ""
	}
	if eventType == "message.part.updated" {
		if part, ok := props["part"].(map[string]interface{}); ok {
			if id, ok := part["sessionID"].(string); ok {
				return id
			}
		}
		return ""
	}
	if id, ok := props["sessionID"].(string); ok {
		return id
	}
	return ""
}

// QuickRun implements QuickRunner: throwaway session, one prompt, gather
// text until the session goes idle.
func (a *OpenCodeAdapter) QuickRun(ctx context.Context, command string) (string, error) {
	sessionID, err := a.CreateSession(ctx)
	if err != nil {
		return "", err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := a.StreamEvents(streamCtx, sessionID)
	if err != nil {
		return "", err
	}

	if err := a.SendMessage(ctx, sessionID, command); err != nil {
		return "", err
	}

	var output strings.Builder
	for {
		select {
		case <-ctx.Done():
			return output.String(), ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return output.String(), nil
			}
			switch ev.Kind {
			case EventText:
				output.WriteString(ev.Text)
			case EventCompleted:
				return output.String(), nil
			case EventFailed, EventLost:
				return output.String(), fmt.Errorf("quick run failed: %s", ev.Reason)
			}
		}
	}
}

func emit(ctx context.Context, out chan<- Event, ev Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

var (
	_ Adapter      = (*OpenCodeAdapter)(nil)
	_ GateResolver = (*OpenCodeAdapter)(nil)
	_ QuickRunner  = (*OpenCodeAdapter)(nil)
)
