package steps

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pomelotool/pomelo/internal/config"
	"github.com/pomelotool/pomelo/internal/stepdef"
)

// APILibrary provides HTTP request/assertion steps for API scenarios.
// Request state accumulates across steps within a scenario and is cleared
// by the registered Before hook.
type APILibrary struct {
	cfg    config.API
	client *http.Client

	requestHeaders map[string]string
	requestBody    []byte

	lastStatus int
	lastBody   []byte
}

func NewAPILibrary(cfg config.API) *APILibrary {
	return &APILibrary{
		cfg:            cfg,
		client:         &http.Client{Timeout: cfg.Timeout},
		requestHeaders: make(map[string]string),
	}
}

func (a *APILibrary) Name() string { return "steps/api" }

func (a *APILibrary) Register(r *stepdef.Registry) error {
	if err := registerCategory(r, a.Name(), a.Category()); err != nil {
		return err
	}
	return r.RegisterHook(stepdef.Before, func(ctx context.Context) error {
		a.reset()
		return nil
	}, stepdef.HookOptions{Order: 10})
}

func (a *APILibrary) reset() {
	a.requestHeaders = make(map[string]string)
	a.requestBody = nil
	a.lastStatus = 0
	a.lastBody = nil
}

func (a *APILibrary) Category() Category {
	return Category{
		Name:        "API",
		Description: "HTTP requests against the API under test",
		Steps: []Def{
			{
				Pattern:     "I set header {string} to {string}",
				Description: "Set a request header for the next request",
				Example:     `Given I set header "Content-Type" to "application/json"`,
				Handler:     a.setHeader,
			},
			{
				Pattern:     "I set request body to {string}",
				Description: "Set the body for the next request",
				Example:     `Given I set request body to "{\"name\":\"pomelo\"}"`,
				Handler:     a.setBody,
			},
			{
				Pattern:     "I send a {word} request to {string}",
				Description: "Send an HTTP request to a path under the configured base URL",
				Example:     `When I send a POST request to "/api/users"`,
				Handler:     a.sendRequest,
			},
			{
				Pattern:     "the response status should be {int}",
				Description: "Assert the status code of the last response",
				Example:     `Then the response status should be 201`,
				Handler:     a.assertStatus,
			},
			{
				Pattern:     "the response body should contain {string}",
				Description: "Assert the last response body contains a value",
				Example:     `Then the response body should contain "created"`,
				Handler:     a.assertBody,
			},
		},
	}
}

func (a *APILibrary) setHeader(ctx context.Context, args ...any) error {
	name, err := stringArg(args, 0)
	if err != nil {
		return err
	}
	value, err := stringArg(args, 1)
	if err != nil {
		return err
	}
	a.requestHeaders[name] = value
	return nil
}

func (a *APILibrary) setBody(ctx context.Context, args ...any) error {
	body, err := stringArg(args, 0)
	if err != nil {
		return err
	}
	a.requestBody = []byte(body)
	return nil
}

func (a *APILibrary) sendRequest(ctx context.Context, args ...any) error {
	method, err := stringArg(args, 0)
	if err != nil {
		return err
	}
	path, err := stringArg(args, 1)
	if err != nil {
		return err
	}

	url := path
	if !strings.HasPrefix(path, "http") {
		url = strings.TrimSuffix(a.cfg.BaseURL, "/") + path
	}

	var body io.Reader
	if a.requestBody != nil {
		body = bytes.NewReader(a.requestBody)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, body)
	if err != nil {
		return fmt.Errorf("building %s %s: %w", method, url, err)
	}
	for k, v := range a.requestHeaders {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	a.lastStatus = resp.StatusCode
	a.lastBody, err = io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return nil
}

func (a *APILibrary) assertStatus(ctx context.Context, args ...any) error {
	want, err := intArg(args, 0)
	if err != nil {
		return err
	}
	if a.lastStatus == 0 {
		return fmt.Errorf("no request has been sent")
	}
	if a.lastStatus != want {
		return fmt.Errorf("expected status %d, got %d", want, a.lastStatus)
	}
	return nil
}

func (a *APILibrary) assertBody(ctx context.Context, args ...any) error {
	want, err := stringArg(args, 0)
	if err != nil {
		return err
	}
	if !strings.Contains(string(a.lastBody), want) {
		return fmt.Errorf("response body does not contain %q", want)
	}
	return nil
}
