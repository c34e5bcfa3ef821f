// Package browser manages the browser under automation through the Chrome
// DevTools Protocol. The browser is either an already-running instance
// reachable at a configured CDP URL or a headless-shell container launched
// for the run. The orchestrator never holds more than one concurrent
// instance.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pomelotool/pomelo/internal/config"
)

const devtoolsPort = "9222/tcp"

// Manager owns the CDP connection and the browser process lifecycle.
type Manager struct {
	cfg func() config.Browser

	container testcontainers.Container
	endpoint  string
	version   string

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *cdpMessage
	targets map[string]*Page
	closed  bool
}

type cdpMessage struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *cdpError       `json:"error,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewManager builds a manager that re-reads browser configuration on every
// strategy-sensitive check.
func NewManager(cfg func() config.Browser) *Manager {
	return &Manager{
		cfg:     cfg,
		pending: make(map[int64]chan *cdpMessage),
		targets: make(map[string]*Page),
	}
}

// Initialize launches (or connects to) the browser and opens the CDP
// websocket.
func (m *Manager) Initialize(ctx context.Context) error {
	cfg := m.cfg()

	if cfg.CDPURL != "" {
		m.endpoint = strings.TrimPrefix(strings.TrimPrefix(cfg.CDPURL, "http://"), "ws://")
		m.endpoint = strings.TrimSuffix(m.endpoint, "/")
	} else {
		if err := m.startContainer(ctx, cfg); err != nil {
			return err
		}
	}

	wsURL, version, err := m.debuggerURL(ctx)
	if err != nil {
		return err
	}
	m.version = version

	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dialing devtools socket: %w", err)
	}
	m.conn = conn

	go m.readLoop()

	log.Debug().Str("endpoint", m.endpoint).Str("version", version).Msg("browser ready")
	return nil
}

func (m *Manager) startContainer(ctx context.Context, cfg config.Browser) error {
	req := testcontainers.ContainerRequest{
		Image:        cfg.Image,
		ExposedPorts: []string{devtoolsPort},
		Cmd: []string{
			"--remote-debugging-address=0.0.0.0",
			"--remote-debugging-port=9222",
			"--no-sandbox",
			"--disable-gpu",
		},
		WaitingFor: wait.ForListeningPort(nat.Port(devtoolsPort)).
			WithStartupTimeout(60 * time.Second),
	}

	started := time.Now()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return fmt.Errorf("starting browser container: %w", err)
	}
	m.container = c

	host, err := c.Host(ctx)
	if err != nil {
		return fmt.Errorf("getting browser host: %w", err)
	}
	port, err := c.MappedPort(ctx, nat.Port(devtoolsPort))
	if err != nil {
		return fmt.Errorf("getting browser port: %w", err)
	}
	m.endpoint = fmt.Sprintf("%s:%s", host, port.Port())

	log.Debug().
		Str("image", cfg.Image).
		Str("endpoint", m.endpoint).
		Dur("duration", time.Since(started)).
		Msg("browser container ready")

	return nil
}

// debuggerURL asks the devtools HTTP endpoint for the browser websocket
// URL, rewriting its host to the mapped endpoint since a containerized
// browser reports its internal address.
func (m *Manager) debuggerURL(ctx context.Context) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+m.endpoint+"/json/version", nil)
	if err != nil {
		return "", "", err
	}
	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return "", "", fmt.Errorf("querying devtools version: %w", err)
	}
	defer resp.Body.Close()

	var info struct {
		Browser              string `json:"Browser"`
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", "", fmt.Errorf("decoding devtools version: %w", err)
	}

	wsURL := info.WebSocketDebuggerURL
	if i := strings.Index(wsURL, "/devtools/"); i >= 0 {
		wsURL = "ws://" + m.endpoint + wsURL[i:]
	}
	return wsURL, info.Browser, nil
}

func (m *Manager) readLoop() {
	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			m.failPending(err)
			return
		}

		var msg cdpMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug().Err(err).Msg("discarding unparsable devtools message")
			continue
		}

		if msg.ID != 0 {
			m.mu.Lock()
			ch := m.pending[msg.ID]
			delete(m.pending, msg.ID)
			m.mu.Unlock()
			if ch != nil {
				ch <- &msg
			}
			continue
		}

		if msg.Method == "Target.targetDestroyed" {
			var ev struct {
				TargetID string `json:"targetId"`
			}
			if json.Unmarshal(msg.Params, &ev) == nil {
				m.mu.Lock()
				if p := m.targets[ev.TargetID]; p != nil {
					p.markClosed()
					delete(m.targets, ev.TargetID)
				}
				m.mu.Unlock()
			}
		}
	}
}

func (m *Manager) failPending(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.pending {
		delete(m.pending, id)
		close(ch)
	}
	if !m.closed {
		log.Debug().Err(err).Msg("devtools socket closed")
	}
}

// call sends a CDP command and waits for its response.
func (m *Manager) call(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	if m.conn == nil {
		return nil, fmt.Errorf("browser not initialized")
	}

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	ch := make(chan *cdpMessage, 1)
	m.pending[id] = ch
	m.mu.Unlock()

	msg := cdpMessage{ID: id, Method: method, Params: raw, SessionID: sessionID}

	m.writeMu.Lock()
	err := m.conn.WriteJSON(msg)
	m.writeMu.Unlock()
	if err != nil {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: devtools connection lost", method)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %s", method, resp.Error.Message)
		}
		return resp.Result, nil
	}
}

// IsHealthy probes the browser with a cheap command.
func (m *Manager) IsHealthy(ctx context.Context) bool {
	if m.conn == nil {
		return false
	}
	probe, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := m.call(probe, "", "Target.getTargets", nil)
	return err == nil
}

// Version reports the browser version string.
func (m *Manager) Version(ctx context.Context) (string, error) {
	if m.version == "" {
		return "", fmt.Errorf("browser not initialized")
	}
	return m.version, nil
}

// NewPage opens a fresh page target and attaches to it.
func (m *Manager) NewPage(ctx context.Context) (*Page, error) {
	res, err := m.call(ctx, "", "Target.createTarget", map[string]any{"url": "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("creating page target: %w", err)
	}
	var created struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(res, &created); err != nil {
		return nil, err
	}

	res, err = m.call(ctx, "", "Target.attachToTarget", map[string]any{
		"targetId": created.TargetID,
		"flatten":  true,
	})
	if err != nil {
		return nil, fmt.Errorf("attaching to target: %w", err)
	}
	var attached struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(res, &attached); err != nil {
		return nil, err
	}

	p := &Page{mgr: m, targetID: created.TargetID, sessionID: attached.SessionID}

	m.mu.Lock()
	m.targets[p.targetID] = p
	m.mu.Unlock()

	return p, nil
}

// Close shuts the browser down: best-effort Browser.close, then the
// websocket, then the container if one was launched.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	if m.conn != nil {
		shutdown, cancel := context.WithTimeout(ctx, 5*time.Second)
		if _, err := m.call(shutdown, "", "Browser.close", nil); err != nil {
			log.Debug().Err(err).Msg("browser close command failed")
		}
		cancel()
		m.conn.Close()
		m.conn = nil
	}

	if m.container != nil {
		term, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.container.Terminate(term); err != nil {
			return fmt.Errorf("terminating browser container: %w", err)
		}
		m.container = nil
	}

	return nil
}
