// Package pagetest provides an in-memory page.Session that mimics the
// schedule page's reload behavior: after a date-selection script runs, the
// previous day-header handle keeps answering for a few probes and then
// detaches.
package pagetest

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"schedmirror/internal/model"
	"schedmirror/internal/page"
)

// gotoPattern matches the Date constructor emitted by the navigator script.
var gotoPattern = regexp.MustCompile(`new Date\((\d+),\s*(\d+),\s*(\d+)\)`)

// Page is a fake schedule page showing one day at a time.
type Page struct {
	HeaderSelector    string
	ContainerSelector string
	DateAttribute     string
	DateLayout        string

	// Days maps a date to the inner HTML of the event container.
	Days map[model.Date]string

	// ReloadProbes is how many header probes succeed after a navigation
	// script before the old header detaches.
	ReloadProbes int
	// NeverReload keeps the old header attached forever.
	NeverReload bool
	// Land, if set, picks the date actually displayed after navigating to
	// target; nil means the page lands on target.
	Land func(target model.Date) model.Date
	// ProbeErr, if set, is returned by header probes while a reload is
	// pending.
	ProbeErr error
	// Hang makes header probes block until their ctx ends while a reload is
	// pending, like a browser that stopped answering.
	Hang bool

	mu         sync.Mutex
	current    model.Date
	generation int
	pending    *model.Date
	countdown  int
	scripts    []string
	navigated  []string
}

// New returns a fake page currently displaying current.
func New(current model.Date) *Page {
	return &Page{
		HeaderSelector:    ".dxscDateHeader_Metropolis",
		ContainerSelector: "#appointmentLayer",
		DateAttribute:     "title",
		DateLayout:        "Monday, January 2, 2006",
		Days:              map[model.Date]string{},
		ReloadProbes:      2,
		current:           current,
	}
}

// Current returns the displayed date.
func (p *Page) Current() model.Date {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Scripts returns every script passed to Evaluate.
func (p *Page) Scripts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.scripts...)
}

// Navigated returns every URL passed to Navigate.
func (p *Page) Navigated() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigated...)
}

func (p *Page) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigated = append(p.navigated, url)
	p.generation++
	return nil
}

func (p *Page) Evaluate(_ context.Context, src string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts = append(p.scripts, src)

	m := gotoPattern.FindStringSubmatch(src)
	if m == nil {
		return nil
	}
	y, _ := strconv.Atoi(m[1])
	mon, _ := strconv.Atoi(m[2])
	d, _ := strconv.Atoi(m[3])
	// JavaScript months are zero based.
	target := model.DateOf(time.Date(y, time.Month(mon+1), d, 12, 0, 0, 0, time.UTC))
	if p.Land != nil {
		target = p.Land(target)
	}
	p.pending = &target
	p.countdown = p.ReloadProbes
	return nil
}

func (p *Page) FindSingle(_ context.Context, selector string) (page.Node, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch selector {
	case p.HeaderSelector:
		return &node{p: p, gen: p.generation, kind: kindHeader}, nil
	case p.ContainerSelector:
		return &node{p: p, gen: p.generation, kind: kindContainer}, nil
	default:
		return nil, fmt.Errorf("%w: %s", page.ErrNotFound, selector)
	}
}

func (p *Page) FindAll(ctx context.Context, selector string) ([]page.Node, error) {
	n, err := p.FindSingle(ctx, selector)
	if err != nil {
		return nil, err
	}
	return []page.Node{n}, nil
}

// probe advances a pending reload by one step and reports whether the
// handle of generation gen is still attached.
func (p *Page) probe(gen int) bool {
	if gen != p.generation {
		return false
	}
	if p.pending == nil || p.NeverReload {
		return true
	}
	if p.countdown > 0 {
		p.countdown--
		return true
	}
	p.current = *p.pending
	p.pending = nil
	p.generation++
	return false
}

type nodeKind int

const (
	kindHeader nodeKind = iota
	kindContainer
)

type node struct {
	p    *Page
	gen  int
	kind nodeKind
}

func (n *node) Attribute(ctx context.Context, name string) (string, error) {
	n.p.mu.Lock()
	if n.p.pending != nil && n.p.Hang {
		n.p.mu.Unlock()
		<-ctx.Done()
		return "", ctx.Err()
	}
	defer n.p.mu.Unlock()
	if n.p.pending != nil && n.p.ProbeErr != nil {
		return "", n.p.ProbeErr
	}
	if !n.p.probe(n.gen) {
		return "", page.ErrDetached
	}
	if n.kind == kindHeader && name == n.p.DateAttribute {
		return n.p.current.At(0, 0, 0, time.UTC).Format(n.p.DateLayout), nil
	}
	return "", nil
}

func (n *node) Text(ctx context.Context) (string, error) {
	n.p.mu.Lock()
	defer n.p.mu.Unlock()
	if n.gen != n.p.generation {
		return "", page.ErrDetached
	}
	if n.kind == kindHeader {
		return n.p.current.At(0, 0, 0, time.UTC).Format(n.p.DateLayout), nil
	}
	return "", nil
}

func (n *node) OuterHTML(_ context.Context) (string, error) {
	n.p.mu.Lock()
	defer n.p.mu.Unlock()
	if n.gen != n.p.generation {
		return "", page.ErrDetached
	}
	if n.kind == kindHeader {
		return "<div></div>", nil
	}
	return `<div id="appointmentLayer">` + n.p.Days[n.p.current] + `</div>`, nil
}
