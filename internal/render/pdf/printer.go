package pdf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

var (
	ErrBrowserConnect = errors.New("failed to connect to browser")
	ErrPageCreate     = errors.New("failed to create browser page")
	ErrPageLoad       = errors.New("failed to load page")
	ErrPDFGeneration  = errors.New("failed to generate PDF")
)

// A4 geometry in inches with 2cm margins.
const (
	a4WidthInches  = 8.27
	a4HeightInches = 11.69
	marginInches   = 0.79
)

// PrintOptions controls the running header and footer.
type PrintOptions struct {
	Title string
}

// Printer turns a local HTML file into PDF bytes.
type Printer interface {
	Print(ctx context.Context, htmlPath string, opts PrintOptions) ([]byte, error)
	Close() error
}

// BrowserConfig selects the Chrome binary used for printing.
type BrowserConfig struct {
	Bin       string // empty lets rod locate or download a browser
	NoSandbox bool
	Timeout   time.Duration
}

// RodPrinter prints through a lazily launched headless Chrome shared by all jobs.
type RodPrinter struct {
	cfg     BrowserConfig
	mu      sync.Mutex
	browser *rod.Browser
}

var _ Printer = (*RodPrinter)(nil)

func NewRodPrinter(cfg BrowserConfig) *RodPrinter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &RodPrinter{cfg: cfg}
}

func (p *RodPrinter) ensureBrowser() (*rod.Browser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.browser != nil {
		return p.browser, nil
	}
	l := launcher.New().Headless(true)
	if p.cfg.Bin != "" {
		l = l.Bin(p.cfg.Bin)
	}
	if p.cfg.NoSandbox {
		l = l.NoSandbox(true)
	}
	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrowserConnect, err)
	}
	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrowserConnect, err)
	}
	p.browser = b
	return b, nil
}

func (p *RodPrinter) Print(ctx context.Context, htmlPath string, opts PrintOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	browser, err := p.ensureBrowser()
	if err != nil {
		return nil, err
	}

	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "file://" + htmlPath})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPageCreate, err)
	}
	defer func() { _ = page.Close() }()

	timeout := p.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}
	if err := page.Timeout(timeout).WaitLoad(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPageLoad, err)
	}

	reader, err := page.PDF(&proto.PagePrintToPDF{
		PaperWidth:          floatPtr(a4WidthInches),
		PaperHeight:         floatPtr(a4HeightInches),
		MarginTop:           floatPtr(marginInches),
		MarginBottom:        floatPtr(marginInches),
		MarginLeft:          floatPtr(marginInches),
		MarginRight:         floatPtr(marginInches),
		PrintBackground:     true,
		PreferCSSPageSize:   true,
		DisplayHeaderFooter: true,
		HeaderTemplate:      headerTemplate,
		FooterTemplate:      footerTemplate,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPDFGeneration, err)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: reading PDF stream: %v", ErrPDFGeneration, err)
	}
	return data, nil
}

// Chrome fills elements with class "title" and "pageNumber" itself.
const (
	headerTemplate = `<div style="font-size: 9px; font-family: Georgia, serif; color: #666; width: 100%; text-align: center;"><span class="title"></span></div>`
	footerTemplate = `<div style="font-size: 9px; font-family: Georgia, serif; color: #666; width: 100%; text-align: center;"><span class="pageNumber"></span></div>`
)

func (p *RodPrinter) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.browser == nil {
		return nil
	}
	err := p.browser.Close()
	p.browser = nil
	return err
}

func floatPtr(v float64) *float64 {
	return &v
}
