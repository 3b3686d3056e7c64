// Package computeruse executes control actions against a Chrome instance
// exposed over the DevTools protocol.
package computeruse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/quillforge/quill-client/internal/engine"
)

const actionTimeout = 30 * time.Second

// Options configures the executor.
type Options struct {
	Logger *slog.Logger
	// DebugURL is the DevTools endpoint, e.g. http://localhost:9222.
	DebugURL string
}

// Executor drives a remote Chrome tab. It connects lazily on the first action
// and keeps the tab context for the life of the session.
type Executor struct {
	log      *slog.Logger
	debugURL string

	mu          sync.Mutex
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
}

func New(opts Options) (*Executor, error) {
	debugURL := strings.TrimSpace(opts.DebugURL)
	if debugURL == "" {
		return nil, errors.New("missing chrome debug url")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{log: logger, debugURL: debugURL}, nil
}

// Close releases the browser connection.
func (e *Executor) Close() {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tabCancel != nil {
		e.tabCancel()
		e.tabCancel = nil
		e.tabCtx = nil
	}
	if e.allocCancel != nil {
		e.allocCancel()
		e.allocCancel = nil
	}
}

func (e *Executor) tab() (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tabCtx != nil && e.tabCtx.Err() == nil {
		return e.tabCtx, nil
	}
	if e.tabCancel != nil {
		e.tabCancel()
	}
	if e.allocCancel != nil {
		e.allocCancel()
	}
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), e.debugURL)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	e.allocCancel = allocCancel
	e.tabCtx = tabCtx
	e.tabCancel = tabCancel
	return tabCtx, nil
}

// Execute performs one control action and returns the resulting screenshot
// and page location. Every action, including screenshot itself, ends with a
// capture so the model always sees the post-action state.
func (e *Executor) Execute(ctx context.Context, action engine.ComputerAction) (engine.ActionResult, error) {
	if e == nil {
		return engine.ActionResult{}, errors.New("nil executor")
	}
	if err := ctx.Err(); err != nil {
		return engine.ActionResult{}, err
	}

	tabCtx, err := e.tab()
	if err != nil {
		return engine.ActionResult{}, err
	}
	runCtx, cancel := context.WithTimeout(tabCtx, actionTimeout)
	defer cancel()
	go func() {
		// Propagate engine-side cancellation into the browser context.
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	actions, err := buildActions(action)
	if err != nil {
		return engine.ActionResult{}, err
	}

	var shot []byte
	var location string
	actions = append(actions,
		chromedp.CaptureScreenshot(&shot),
		chromedp.Location(&location),
	)
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return engine.ActionResult{}, ctx.Err()
		}
		return engine.ActionResult{}, fmt.Errorf("browser action %s: %w", action.Type, err)
	}
	return engine.ActionResult{Screenshot: shot, CurrentURL: location}, nil
}

func buildActions(action engine.ComputerAction) ([]chromedp.Action, error) {
	switch action.Type {
	case "screenshot":
		return nil, nil

	case "click":
		return []chromedp.Action{
			chromedp.MouseClickXY(float64(action.X), float64(action.Y), chromedp.Button(buttonName(action.Button))),
		}, nil

	case "double_click":
		return []chromedp.Action{
			chromedp.MouseClickXY(float64(action.X), float64(action.Y), chromedp.ClickCount(2)),
		}, nil

	case "move":
		return []chromedp.Action{
			chromedp.MouseEvent(input.MouseMoved, float64(action.X), float64(action.Y)),
		}, nil

	case "type":
		return []chromedp.Action{input.InsertText(action.Text)}, nil

	case "keypress":
		out := make([]chromedp.Action, 0, len(action.Keys))
		for _, key := range action.Keys {
			out = append(out, chromedp.KeyEvent(keyChord(key)))
		}
		return out, nil

	case "scroll":
		script := fmt.Sprintf("window.scrollBy(%d, %d)", action.ScrollX, action.ScrollY)
		return []chromedp.Action{chromedp.Evaluate(script, nil)}, nil

	case "drag":
		if len(action.Path) < 2 {
			return nil, errors.New("drag requires at least two path points")
		}
		out := []chromedp.Action{
			chromedp.MouseEvent(input.MousePressed, float64(action.Path[0].X), float64(action.Path[0].Y), chromedp.Button("left")),
		}
		for _, p := range action.Path[1:] {
			out = append(out, chromedp.MouseEvent(input.MouseMoved, float64(p.X), float64(p.Y)))
		}
		last := action.Path[len(action.Path)-1]
		out = append(out, chromedp.MouseEvent(input.MouseReleased, float64(last.X), float64(last.Y), chromedp.Button("left")))
		return out, nil

	case "wait":
		return []chromedp.Action{chromedp.Sleep(time.Second)}, nil

	default:
		return nil, fmt.Errorf("unsupported action type: %s", action.Type)
	}
}

func buttonName(button string) string {
	switch strings.ToLower(strings.TrimSpace(button)) {
	case "", "left":
		return "left"
	case "right":
		return "right"
	case "middle":
		return "middle"
	default:
		return "left"
	}
}

// keyChord maps wire key names onto DevTools key runes.
func keyChord(key string) string {
	switch strings.ToUpper(strings.TrimSpace(key)) {
	case "ENTER", "RETURN":
		return kb.Enter
	case "TAB":
		return kb.Tab
	case "BACKSPACE":
		return kb.Backspace
	case "DELETE":
		return kb.Delete
	case "ESC", "ESCAPE":
		return kb.Escape
	case "SPACE":
		return " "
	case "ARROWUP", "UP":
		return kb.ArrowUp
	case "ARROWDOWN", "DOWN":
		return kb.ArrowDown
	case "ARROWLEFT", "LEFT":
		return kb.ArrowLeft
	case "ARROWRIGHT", "RIGHT":
		return kb.ArrowRight
	case "PAGEUP":
		return kb.PageUp
	case "PAGEDOWN":
		return kb.PageDown
	case "HOME":
		return kb.Home
	case "END":
		return kb.End
	default:
		return key
	}
}
