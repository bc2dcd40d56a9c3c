package render

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

const (
	bodyWaitTimeout = 8 * time.Second

	autoScrollJS = `new Promise((resolve) => {
  let total = 0;
  const timer = setInterval(() => {
    const scrollHeight = document.body.scrollHeight;
    window.scrollBy(0, 200);
    total += 200;
    if (total >= scrollHeight) {
      clearInterval(timer);
      resolve(true);
    }
  }, 50);
})`

	noPageBreakJS = `(() => {
  const style = document.createElement('style');
  style.textContent = '* { page-break-inside: avoid !important; break-inside: avoid !important; } body { overflow: visible !important; height: auto !important; }';
  document.head.appendChild(style);
  return true;
})()`
)

// ChromeConfig configures the headless browser.
type ChromeConfig struct {
	// ExecPath overrides the browser binary; empty means search PATH.
	ExecPath string
	// NoSandbox is required when running as root inside a container.
	NoSandbox bool
	// Verify parses every output with pdfcpu and rejects broken documents.
	Verify bool
	Logger *zap.Logger
}

// ChromeRenderer launches a fresh browser for every attempt and always
// tears it down before returning. Only one browser runs at a time.
type ChromeRenderer struct {
	cfg     ChromeConfig
	logger  *zap.Logger
	mu      sync.Mutex
	attempt attemptFunc
}

func NewChromeRenderer(cfg ChromeConfig) *ChromeRenderer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &ChromeRenderer{cfg: cfg, logger: logger}
	r.attempt = r.renderOnce
	return r
}

// Render retries failed attempts per the profile and returns a
// RenderError once they are exhausted.
func (r *ChromeRenderer) Render(ctx context.Context, url string, p Profile) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	data, err := retry(ctx, r.logger, url, p, r.attempt)
	if err != nil {
		return nil, err
	}

	r.logger.Info("PDF rendered",
		zap.String("url", url),
		zap.String("profile", p.Name),
		zap.String("size", humanize.Bytes(uint64(len(data)))),
		zap.Duration("duration", time.Since(start)))
	return data, nil
}

func (r *ChromeRenderer) allocatorOptions(p Profile) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("font-render-hinting", "none"),
		chromedp.WindowSize(p.ViewportWidth, p.ViewportHeight),
	)
	if r.cfg.NoSandbox {
		opts = append(opts,
			chromedp.NoSandbox,
			chromedp.Flag("disable-setuid-sandbox", true),
			chromedp.Flag("no-zygote", true),
		)
	}
	if r.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(r.cfg.ExecPath))
	}
	return opts
}

func (r *ChromeRenderer) renderOnce(ctx context.Context, url string, p Profile) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, r.allocatorOptions(p)...)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...interface{}) {
			r.logger.Debug(fmt.Sprintf(format, args...))
		}),
	)
	defer browserCancel()

	if err := chromedp.Run(browserCtx,
		emulation.SetDeviceMetricsOverride(int64(p.ViewportWidth), int64(p.ViewportHeight), 1, false),
	); err != nil {
		return nil, classify(ctx, p, "start browser", err)
	}

	resp, err := chromedp.RunResponse(browserCtx, chromedp.Navigate(url))
	if err != nil {
		return nil, classify(ctx, p, "navigate", err)
	}
	if resp == nil || resp.Status < 200 || resp.Status > 299 {
		status := int64(0)
		if resp != nil {
			status = resp.Status
		}
		return nil, NewRenderError(ErrCodeBadStatus, fmt.Sprintf("failed to load page, status %d", status), nil)
	}

	actions := []chromedp.Action{
		waitBody(),
	}
	if p.AutoScroll {
		actions = append(actions, chromedp.Evaluate(autoScrollJS, nil, awaitPromise))
	}
	actions = append(actions,
		chromedp.Sleep(p.WaitAfterLoad),
		emulation.SetEmulatedMedia().WithMedia("print"),
	)

	var pdf []byte
	if p.Format == FormatA4 {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			data, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithPreferCSSPageSize(true).
				WithPaperWidth(mmToInches(210)).
				WithPaperHeight(mmToInches(297)).
				WithMarginTop(mmToInches(20)).
				WithMarginBottom(mmToInches(20)).
				WithMarginLeft(mmToInches(15)).
				WithMarginRight(mmToInches(15)).
				Do(ctx)
			pdf = data
			return err
		}))
	} else {
		var height int64
		actions = append(actions,
			chromedp.Evaluate(`document.documentElement.scrollHeight`, &height),
			chromedp.Evaluate(noPageBreakJS, nil),
			chromedp.ActionFunc(func(ctx context.Context) error {
				w, h := p.pageSize(height)
				r.logger.Debug("measured page",
					zap.Int64("height_px", height),
					zap.Int("max_height_px", p.MaxHeightPx))
				data, _, err := page.PrintToPDF().
					WithPrintBackground(true).
					WithPreferCSSPageSize(false).
					WithScale(p.Scale).
					WithPaperWidth(w).
					WithPaperHeight(h).
					WithMarginTop(0).
					WithMarginBottom(0).
					WithMarginLeft(0).
					WithMarginRight(0).
					Do(ctx)
				pdf = data
				return err
			}),
		)
	}

	if err := chromedp.Run(browserCtx, actions...); err != nil {
		return nil, classify(ctx, p, "print", err)
	}

	if len(pdf) == 0 {
		return nil, NewRenderError(ErrCodeEmptyOutput, "generated PDF is empty", nil)
	}
	if r.cfg.Verify {
		if _, err := Inspect(pdf); err != nil {
			return nil, NewRenderError(ErrCodeInvalidOutput, "generated PDF is unreadable", err)
		}
	}
	return pdf, nil
}

func waitBody() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, bodyWaitTimeout)
		defer cancel()
		return chromedp.WaitReady("body", chromedp.ByQuery).Do(ctx)
	})
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

func classify(ctx context.Context, p Profile, stage string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewRenderError(ErrCodeRenderTimeout,
			fmt.Sprintf("%s timed out after %v", stage, p.Timeout), err)
	}
	return NewRenderError(ErrCodeRenderFailed, stage+" failed", err)
}

var _ Renderer = (*ChromeRenderer)(nil)
