package devtools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/tidwall/gjson"

	"github.com/vincentbai/target-inspector/internal/inspector"
	"github.com/vincentbai/target-inspector/internal/log"
	"github.com/vincentbai/target-inspector/internal/models"
)

// ErrConflict is returned when another debugger already owns the page.
var ErrConflict = errors.New("another debugger is attached to the page")

// measureScript reads paint, navigation and resource timing in the page.
const measureScript = `(() => {
  const paint = performance.getEntriesByType('paint').find((e) => e.name === 'first-contentful-paint');
  const nav = performance.getEntriesByType('navigation')[0];
  return {
    url: location.href,
    timeOrigin: performance.timeOrigin,
    fcp: paint ? Math.round(paint.startTime) : null,
    pageLoad: nav && nav.loadEventEnd > 0 ? Math.round(nav.loadEventEnd) : null,
    resources: performance.getEntriesByType('resource').map((r) => ({
      name: r.name,
      startTime: r.startTime,
      responseEnd: r.responseEnd,
      duration: r.duration,
    })),
  };
})()`

// Session is the protocol connection an Observer drives.
type Session interface {
	cdp.Executor
	Events() <-chan *cdproto.Message
	Done() <-chan struct{}
	Err() error
}

// Observer translates the protocol events of one page into inspector calls
// and serves body fetches and page measurements back to the inspector.
type Observer struct {
	contextID string
	session   Session
	manager   *inspector.Manager
	logger    *log.Logger
}

func NewObserver(contextID string, session Session, manager *inspector.Manager, logger *log.Logger) *Observer {
	return &Observer{
		contextID: contextID,
		session:   session,
		manager:   manager,
		logger:    logger,
	}
}

// Run enables the network and page domains and dispatches events until the
// session ends or ctx is done. A conflicting debugger is reported to the
// manager as a fallback activity and returned as ErrConflict.
func (o *Observer) Run(ctx context.Context) error {
	cctx := cdp.WithExecutor(ctx, o.session)
	if err := network.Enable().Do(cctx); err != nil {
		return o.attachFailed(fmt.Errorf("enabling network domain: %w", err))
	}
	if err := page.Enable().Do(cctx); err != nil {
		return o.attachFailed(fmt.Errorf("enabling page domain: %w", err))
	}

	o.manager.Attach(o.contextID, o, o)
	defer o.manager.Detach(o.contextID)

	for {
		select {
		case msg, ok := <-o.session.Events():
			if !ok {
				return o.session.Err()
			}
			o.dispatch(msg)
		case <-ctx.Done():
			return nil
		}
	}
}

func (o *Observer) attachFailed(err error) error {
	if IsConflict(err) {
		o.manager.ReportConflict(o.contextID, err)
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// IsConflict reports whether err means the page is owned by another client.
func IsConflict(err error) bool {
	if errors.Is(err, ErrConflict) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already attached") || strings.Contains(msg, "another debugger")
}

func (o *Observer) dispatch(msg *cdproto.Message) {
	switch msg.Method {
	case cdproto.EventNetworkRequestWillBeSent,
		cdproto.EventNetworkResponseReceived,
		cdproto.EventNetworkLoadingFinished,
		cdproto.EventPageFrameNavigated,
		cdproto.EventPageLoadEventFired:
	default:
		return
	}

	ev, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		o.logger.Debugf("Observer:dispatch", "tab:%s decoding %s: %v", o.contextID, msg.Method, err)
		return
	}

	switch ev := ev.(type) {
	case *network.EventRequestWillBeSent:
		o.onRequestWillBeSent(ev, msg.Params)
	case *network.EventResponseReceived:
		o.onResponseReceived(ev)
	case *network.EventLoadingFinished:
		o.manager.OnLoadingFinished(o.contextID, string(ev.RequestID))
	case *page.EventFrameNavigated:
		if ev.Frame != nil && ev.Frame.ParentID == "" {
			o.manager.Navigated(o.contextID, ev.Frame.URL)
		}
	case *page.EventLoadEventFired:
		o.manager.PageLoaded(o.contextID)
	}
}

func (o *Observer) onRequestWillBeSent(ev *network.EventRequestWillBeSent, raw []byte) {
	req := ev.Request
	if req == nil {
		return
	}
	o.manager.OnRequestSent(o.contextID, inspector.Request{
		ID:       string(ev.RequestID),
		URL:      req.URL + req.URLFragment,
		Method:   req.Method,
		Headers:  headers(req.Headers),
		PostData: postData(req, raw),
	})
}

func (o *Observer) onResponseReceived(ev *network.EventResponseReceived) {
	resp := ev.Response
	if resp == nil {
		return
	}
	var timing *models.Timing
	if resp.Timing != nil {
		timing = &models.Timing{
			SendStart:         resp.Timing.SendStart,
			ReceiveHeadersEnd: resp.Timing.ReceiveHeadersEnd,
		}
	}
	o.manager.OnResponseReceived(o.contextID, inspector.Response{
		RequestID: string(ev.RequestID),
		Status:    resp.Status,
		Headers:   headers(resp.Headers),
		MimeType:  resp.MimeType,
		Timing:    timing,
	})
}

func headers(h network.Headers) map[string]any {
	if h == nil {
		return map[string]any{}
	}
	return map[string]any(h)
}

// postData collects the inline body of a request. Byte entries are read
// from the raw event since not every protocol revision carries them.
func postData(req *network.Request, raw []byte) *models.PostData {
	pd := &models.PostData{Text: req.PostData}
	for _, e := range gjson.GetBytes(raw, "request.postDataEntries.#.bytes").Array() {
		pd.Entries = append(pd.Entries, e.String())
	}
	if pd.Empty() {
		return nil
	}
	return pd
}

// ResponseBody fetches the body of a finished request.
func (o *Observer) ResponseBody(ctx context.Context, requestID string) ([]byte, error) {
	return network.GetResponseBody(network.RequestID(requestID)).Do(cdp.WithExecutor(ctx, o.session))
}

// RequestPostData fetches a request body that was too large to be inlined
// in the request-sent event.
func (o *Observer) RequestPostData(ctx context.Context, requestID string) (string, error) {
	return network.GetRequestPostData(network.RequestID(requestID)).Do(cdp.WithExecutor(ctx, o.session))
}

// Measure evaluates measureScript in the page.
func (o *Observer) Measure(ctx context.Context) (models.PageTiming, error) {
	var timing models.PageTiming
	res, exp, err := runtime.Evaluate(measureScript).
		WithReturnByValue(true).
		Do(cdp.WithExecutor(ctx, o.session))
	if err != nil {
		return timing, err
	}
	if exp != nil {
		return timing, fmt.Errorf("measurement script: %s", exp.Text)
	}
	if res == nil || len(res.Value) == 0 {
		return timing, errors.New("measurement script returned no value")
	}
	if err := json.Unmarshal(res.Value, &timing); err != nil {
		return timing, fmt.Errorf("decoding page timing: %w", err)
	}
	return timing, nil
}
