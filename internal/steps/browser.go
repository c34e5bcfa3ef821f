package steps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pomelotool/pomelo/internal/browser"
	"github.com/pomelotool/pomelo/internal/stepdef"
)

// BrowserLibrary drives the page under automation. It owns the execution
// session and consults the page-object lifecycle before touching any
// cached state.
type BrowserLibrary struct {
	manager   *browser.Manager
	session   *browser.Session
	lifecycle *browser.Lifecycle
	waitLimit time.Duration
}

func NewBrowserLibrary(m *browser.Manager, s *browser.Session, l *browser.Lifecycle) *BrowserLibrary {
	return &BrowserLibrary{
		manager:   m,
		session:   s,
		lifecycle: l,
		waitLimit: 10 * time.Second,
	}
}

func (b *BrowserLibrary) Name() string { return "steps/browser" }

func (b *BrowserLibrary) Register(r *stepdef.Registry) error {
	return registerCategory(r, b.Name(), b.Category())
}

// page applies the lifecycle policy and returns a live page, opening one
// if the session has none.
func (b *BrowserLibrary) page(ctx context.Context) (*browser.Page, error) {
	b.lifecycle.Refresh()

	if b.session.Live() {
		if p, ok := b.session.Current().(*browser.Page); ok {
			return p, nil
		}
	}

	p, err := b.manager.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening page: %w", err)
	}
	b.session.SetPage(p)
	return p, nil
}

func (b *BrowserLibrary) Category() Category {
	return Category{
		Name:        "Browser",
		Description: "Navigate and interact with the page under automation",
		Steps: []Def{
			{
				Pattern:     "I navigate to {string}",
				Description: "Load a URL in the current page",
				Example:     `When I navigate to "https://example.com/login"`,
				Handler:     b.navigate,
			},
			{
				Pattern:     "I click {string}",
				Description: "Click the first element matching a CSS selector",
				Example:     `When I click "#submit"`,
				Handler:     b.click,
			},
			{
				Pattern:     "I fill {string} with {string}",
				Description: "Set the value of an input matching a CSS selector",
				Example:     `When I fill "#email" with "user@example.com"`,
				Handler:     b.fill,
			},
			{
				Pattern:     "I wait for element {string}",
				Description: "Wait until an element matching a CSS selector exists",
				Example:     `When I wait for element ".results"`,
				Handler:     b.waitFor,
			},
			{
				Pattern:     "the page title should be {string}",
				Description: "Assert the document title",
				Example:     `Then the page title should be "Dashboard"`,
				Handler:     b.assertTitle,
			},
			{
				Pattern:     "the element {string} should contain {string}",
				Description: "Assert an element's text content contains a value",
				Example:     `Then the element ".banner" should contain "Welcome"`,
				Handler:     b.assertText,
			},
		},
	}
}

func (b *BrowserLibrary) navigate(ctx context.Context, args ...any) error {
	url, err := stringArg(args, 0)
	if err != nil {
		return err
	}
	p, err := b.page(ctx)
	if err != nil {
		return err
	}
	return p.Navigate(ctx, url)
}

func (b *BrowserLibrary) click(ctx context.Context, args ...any) error {
	selector, err := stringArg(args, 0)
	if err != nil {
		return err
	}
	p, err := b.page(ctx)
	if err != nil {
		return err
	}
	return p.Click(ctx, selector)
}

func (b *BrowserLibrary) fill(ctx context.Context, args ...any) error {
	selector, err := stringArg(args, 0)
	if err != nil {
		return err
	}
	value, err := stringArg(args, 1)
	if err != nil {
		return err
	}
	p, err := b.page(ctx)
	if err != nil {
		return err
	}
	return p.Fill(ctx, selector, value)
}

func (b *BrowserLibrary) waitFor(ctx context.Context, args ...any) error {
	selector, err := stringArg(args, 0)
	if err != nil {
		return err
	}
	p, err := b.page(ctx)
	if err != nil {
		return err
	}
	return p.WaitFor(ctx, selector, b.waitLimit)
}

func (b *BrowserLibrary) assertTitle(ctx context.Context, args ...any) error {
	want, err := stringArg(args, 0)
	if err != nil {
		return err
	}
	p, err := b.page(ctx)
	if err != nil {
		return err
	}
	title, err := p.Title(ctx)
	if err != nil {
		return err
	}
	if title != want {
		return fmt.Errorf("expected title %q, got %q", want, title)
	}
	return nil
}

func (b *BrowserLibrary) assertText(ctx context.Context, args ...any) error {
	selector, err := stringArg(args, 0)
	if err != nil {
		return err
	}
	want, err := stringArg(args, 1)
	if err != nil {
		return err
	}
	p, err := b.page(ctx)
	if err != nil {
		return err
	}
	text, err := p.Text(ctx, selector)
	if err != nil {
		return err
	}
	if !strings.Contains(text, want) {
		return fmt.Errorf("expected element %q to contain %q, got %q", selector, want, text)
	}
	return nil
}
