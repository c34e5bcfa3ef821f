package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
)

// PageHandle is the minimal page surface the lifecycle policy and the
// execution session need: identity and liveness.
type PageHandle interface {
	ID() string
	Closed() bool
}

// Page is an attached CDP page target. Element interaction goes through
// Runtime.evaluate, which keeps the protocol surface small.
type Page struct {
	mgr       *Manager
	targetID  string
	sessionID string
	closed    atomic.Bool
}

func (p *Page) ID() string { return p.targetID }

func (p *Page) Closed() bool { return p.closed.Load() }

func (p *Page) markClosed() { p.closed.Store(true) }

// Navigate loads a URL and waits for the navigation to be acknowledged.
func (p *Page) Navigate(ctx context.Context, url string) error {
	if p.Closed() {
		return fmt.Errorf("navigate: page %s is closed", p.targetID)
	}
	res, err := p.mgr.call(ctx, p.sessionID, "Page.navigate", map[string]any{"url": url})
	if err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	var nav struct {
		ErrorText string `json:"errorText"`
	}
	if json.Unmarshal(res, &nav) == nil && nav.ErrorText != "" {
		return fmt.Errorf("navigating to %s: %s", url, nav.ErrorText)
	}
	return nil
}

// Evaluate runs a JavaScript expression and returns its JSON value.
func (p *Page) Evaluate(ctx context.Context, expr string) (json.RawMessage, error) {
	if p.Closed() {
		return nil, fmt.Errorf("evaluate: page %s is closed", p.targetID)
	}
	res, err := p.mgr.call(ctx, p.sessionID, "Runtime.evaluate", map[string]any{
		"expression":    expr,
		"returnByValue": true,
		"awaitPromise":  true,
	})
	if err != nil {
		return nil, err
	}

	var eval struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(res, &eval); err != nil {
		return nil, err
	}
	if eval.ExceptionDetails != nil {
		return nil, fmt.Errorf("script exception: %s", eval.ExceptionDetails.Text)
	}
	return eval.Result.Value, nil
}

// evaluateString runs an expression expected to produce a string.
func (p *Page) evaluateString(ctx context.Context, expr string) (string, error) {
	v, err := p.Evaluate(ctx, expr)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", fmt.Errorf("expected string result, got %s", string(v))
	}
	return s, nil
}

// Title returns the document title.
func (p *Page) Title(ctx context.Context) (string, error) {
	return p.evaluateString(ctx, "document.title")
}

// URL returns the current location.
func (p *Page) URL(ctx context.Context) (string, error) {
	return p.evaluateString(ctx, "document.location.href")
}

// Click clicks the first element matching the CSS selector.
func (p *Page) Click(ctx context.Context, selector string) error {
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return "missing";
		el.click();
		return "ok";
	})()`, strconv.Quote(selector))
	status, err := p.evaluateString(ctx, expr)
	if err != nil {
		return fmt.Errorf("clicking %q: %w", selector, err)
	}
	if status != "ok" {
		return fmt.Errorf("clicking %q: element not found", selector)
	}
	return nil
}

// Fill sets the value of the first element matching the CSS selector and
// fires an input event.
func (p *Page) Fill(ctx context.Context, selector, value string) error {
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return "missing";
		el.value = %s;
		el.dispatchEvent(new Event("input", {bubbles: true}));
		return "ok";
	})()`, strconv.Quote(selector), strconv.Quote(value))
	status, err := p.evaluateString(ctx, expr)
	if err != nil {
		return fmt.Errorf("filling %q: %w", selector, err)
	}
	if status != "ok" {
		return fmt.Errorf("filling %q: element not found", selector)
	}
	return nil
}

// Text returns the text content of the first element matching the CSS
// selector.
func (p *Page) Text(ctx context.Context, selector string) (string, error) {
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		return el ? el.textContent : null;
	})()`, strconv.Quote(selector))
	v, err := p.Evaluate(ctx, expr)
	if err != nil {
		return "", fmt.Errorf("reading text of %q: %w", selector, err)
	}
	if string(v) == "null" || len(v) == 0 {
		return "", fmt.Errorf("reading text of %q: element not found", selector)
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", err
	}
	return s, nil
}

// WaitFor polls until an element matching the selector exists, bounded by
// the timeout. Polling is cooperative; each probe awaits completion before
// the next begins.
func (p *Page) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	const interval = 250 * time.Millisecond

	deadline := time.Now().Add(timeout)
	expr := fmt.Sprintf(`document.querySelector(%s) !== null`, strconv.Quote(selector))

	for {
		v, err := p.Evaluate(ctx, expr)
		if err != nil {
			return fmt.Errorf("waiting for %q: %w", selector, err)
		}
		if string(v) == "true" {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("waiting for %q: timed out after %s", selector, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Close destroys the page target.
func (p *Page) Close(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	_, err := p.mgr.call(ctx, "", "Target.closeTarget", map[string]any{"targetId": p.targetID})
	if err != nil {
		return fmt.Errorf("closing page %s: %w", p.targetID, err)
	}
	return nil
}
