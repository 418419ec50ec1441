package page

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	appLog "schedmirror/internal/log"
)

const (
	// DefaultQueryTimeout bounds FindSingle, which otherwise waits for the
	// selector to appear.
	DefaultQueryTimeout = 15 * time.Second
	// DefaultNavigateTimeout bounds the initial page load.
	DefaultNavigateTimeout = 60 * time.Second
)

// BrowserOptions configures the Chromium process behind a Browser.
type BrowserOptions struct {
	// Headless runs Chromium without a window. Turn it off to watch the
	// page being driven.
	Headless bool

	// ExecPath overrides the Chromium binary; empty means chromedp's lookup.
	ExecPath string

	// QueryTimeout bounds FindSingle. If zero, DefaultQueryTimeout is used.
	QueryTimeout time.Duration
}

// Browser is a Session backed by a single chromedp tab.
type Browser struct {
	ctx          context.Context
	cancel       context.CancelFunc
	queryTimeout time.Duration
}

// NewBrowser launches (or attaches to) Chromium and opens one tab.
// Close releases the tab and the process.
func NewBrowser(parent context.Context, opts BrowserOptions) (*Browser, error) {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(parent, allocOpts...)
	ctx, cancelCtx := chromedp.NewContext(allocCtx)

	// First Run starts the browser.
	if err := chromedp.Run(ctx); err != nil {
		cancelCtx()
		cancelAlloc()
		return nil, fmt.Errorf("page: starting browser: %w", err)
	}

	appLog.Info("browser started", "headless", opts.Headless, "exec_path", opts.ExecPath)

	return &Browser{
		ctx: ctx,
		cancel: func() {
			cancelCtx()
			cancelAlloc()
		},
		queryTimeout: opts.QueryTimeout,
	}, nil
}

// Close shuts the tab and the browser down.
func (b *Browser) Close() {
	b.cancel()
}

// run executes actions on the tab while honoring cancellation of the
// caller's ctx. Cancelling the derived context does not close the tab.
func (b *Browser) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(b.ctx)
	defer cancel()
	if timeout > 0 {
		var tcancel context.CancelFunc
		runCtx, tcancel = context.WithTimeout(runCtx, timeout)
		defer tcancel()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

func (b *Browser) Navigate(ctx context.Context, url string) error {
	if err := b.run(ctx, DefaultNavigateTimeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("page: navigate: %w", err)
	}
	return nil
}

// Evaluate wraps src in a function returning true so scripts evaluating to
// undefined do not trip result decoding.
func (b *Browser) Evaluate(ctx context.Context, src string) error {
	var ok bool
	wrapped := "(function(){\n" + src + "\n;return true;})()"
	if err := b.run(ctx, 0, chromedp.Evaluate(wrapped, &ok)); err != nil {
		return fmt.Errorf("page: evaluate: %w", err)
	}
	return nil
}

func (b *Browser) FindSingle(ctx context.Context, selector string) (Node, error) {
	var nodes []*cdp.Node
	err := b.run(ctx, b.queryTimeout, chromedp.Nodes(selector, &nodes, chromedp.ByQuery))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, selector)
		}
		return nil, fmt.Errorf("page: find %s: %w", selector, err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, selector)
	}
	return &cdpNode{b: b, id: nodes[0].BackendNodeID}, nil
}

func (b *Browser) FindAll(ctx context.Context, selector string) ([]Node, error) {
	var nodes []*cdp.Node
	err := b.run(ctx, b.queryTimeout, chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)))
	if err != nil {
		return nil, fmt.Errorf("page: find all %s: %w", selector, err)
	}
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, &cdpNode{b: b, id: n.BackendNodeID})
	}
	return out, nil
}

// Screenshot writes a full-page PNG of the current view to path.
func (b *Browser) Screenshot(ctx context.Context, path string) error {
	var png []byte
	if err := b.run(ctx, 30*time.Second, chromedp.FullScreenshot(&png, 90)); err != nil {
		return fmt.Errorf("page: screenshot: %w", err)
	}
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return fmt.Errorf("page: failed to write screenshot: %w", err)
	}
	return nil
}

// cdpNode refers to an element by backend node id, which stays stable for
// the element's lifetime regardless of DOM agent re-syncs.
type cdpNode struct {
	b  *Browser
	id cdp.BackendNodeID
}

// nodeProbe is what the injected accessor returns.
type nodeProbe struct {
	Detached bool    `json:"detached"`
	Value    *string `json:"value"`
}

func (n *cdpNode) Attribute(ctx context.Context, name string) (string, error) {
	return n.call(ctx, "this.getAttribute("+strconv.Quote(name)+")")
}

func (n *cdpNode) Text(ctx context.Context) (string, error) {
	return n.call(ctx, "this.innerText")
}

func (n *cdpNode) OuterHTML(ctx context.Context) (string, error) {
	return n.call(ctx, "this.outerHTML")
}

// call evaluates expr with this bound to the node. A node that was removed
// from the document, or that can no longer be resolved, is ErrDetached.
func (n *cdpNode) call(ctx context.Context, expr string) (string, error) {
	fn := "function(){ if (!this.isConnected) { return {detached: true}; } " +
		"const v = " + expr + "; return {detached: false, value: v == null ? null : String(v)}; }"

	var raw []byte
	err := n.b.run(ctx, 0, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, err := dom.ResolveNode().WithBackendNodeID(n.id).Do(ctx)
		if err != nil {
			if isMissingNode(err) {
				return ErrDetached
			}
			return err
		}
		defer func() {
			_ = cdpruntime.ReleaseObject(obj.ObjectID).Do(ctx)
		}()

		res, exc, err := cdpruntime.CallFunctionOn(fn).
			WithObjectID(obj.ObjectID).
			WithReturnByValue(true).
			Do(ctx)
		if err != nil {
			if isMissingNode(err) {
				return ErrDetached
			}
			return err
		}
		if exc != nil {
			return fmt.Errorf("page: script exception: %s", exc.Text)
		}
		if res == nil || len(res.Value) == 0 {
			return errors.New("page: empty accessor result")
		}
		raw = []byte(res.Value)
		return nil
	}))
	if err != nil {
		if errors.Is(err, ErrDetached) {
			return "", ErrDetached
		}
		return "", fmt.Errorf("page: node access: %w", err)
	}
	return decodeProbe(raw)
}

// decodeProbe turns the accessor's JSON result into a value or ErrDetached.
func decodeProbe(raw []byte) (string, error) {
	var probe nodeProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", fmt.Errorf("page: decoding accessor result: %w", err)
	}
	if probe.Detached {
		return "", ErrDetached
	}
	if probe.Value == nil {
		return "", nil
	}
	return *probe.Value, nil
}

// isMissingNode recognizes the protocol errors Chromium returns for node ids
// whose element was discarded.
func isMissingNode(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "No node with given id") ||
		strings.Contains(msg, "Could not find node") ||
		strings.Contains(msg, "Cannot find context with specified id")
}
