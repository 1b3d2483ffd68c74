// Package interceptor implements the gateway's request path: account
// selection, token refresh, request transformation, upstream dispatch,
// failure classification, and rotation.
package interceptor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/opencode-plugins/codex-auto-switch/internal/account"
	"github.com/opencode-plugins/codex-auto-switch/internal/config"
	"github.com/opencode-plugins/codex-auto-switch/internal/logging"
	"github.com/opencode-plugins/codex-auto-switch/internal/misc"
	"github.com/opencode-plugins/codex-auto-switch/internal/transform"
	"github.com/opencode-plugins/codex-auto-switch/internal/util"
)

// ErrNoAccounts is returned when the pool is empty or every account is
// disabled; fatal to the current request.
var ErrNoAccounts = errors.New("no accounts available")

// defaultMaxRetries is the rotation budget per request.
const defaultMaxRetries = 3

// retryableStatuses feed the rotation loop; everything else is surfaced
// after one attempt.
var retryableStatuses = map[int]bool{
	http.StatusTooManyRequests:    true,
	http.StatusNotFound:           true,
	http.StatusServiceUnavailable: true,
	529:                           true,
}

// Gateway intercepts outbound Codex responses-API calls. It implements
// http.RoundTripper so hosts can mount it as a transport.
type Gateway struct {
	cfg       *config.Config
	manager   *account.Manager
	transport http.RoundTripper
	reqLog    *logging.RequestLogger

	// hostPrompt caches the host agent's system prompt for stable
	// stripping; set once at startup.
	hostPrompt string
}

// New builds a gateway. transport may be nil to use the default transport.
func New(cfg *config.Config, manager *account.Manager, reqLog *logging.RequestLogger, transport http.RoundTripper) *Gateway {
	if cfg == nil {
		cfg = config.Default()
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Gateway{cfg: cfg, manager: manager, transport: transport, reqLog: reqLog}
}

func (g *Gateway) maxRetries() int {
	if g.cfg.Tuning.MaxRetries > 0 {
		return g.cfg.Tuning.MaxRetries
	}
	return defaultMaxRetries
}

// RoundTrip dispatches one model call through the account pool. Requests
// that do not target a responses endpoint pass through untouched.
func (g *Gateway) RoundTrip(req *http.Request) (*http.Response, error) {
	if !isResponsesRequest(req) {
		return g.transport.RoundTrip(req)
	}

	original, err := readRequestBody(req)
	if err != nil {
		return nil, fmt.Errorf("interceptor: read request body: %w", err)
	}
	isStream := gjson.GetBytes(original, "stream").Bool()

	// The body is rewritten once; retries resend the same bytes.
	body := transform.RewriteRequest(original, g.transformOptions())
	url := rewriteURL(req)

	acct := g.manager.SelectAccount()
	if acct == nil {
		return nil, ErrNoAccounts
	}

	attempt := 0
	for {
		refreshed := g.manager.EnsureAccessToken(req.Context(), acct)
		if refreshed == nil {
			if attempt < g.maxRetries() {
				attempt++
				if acct = g.manager.SelectAccount(); acct != nil {
					continue
				}
			}
			return nil, ErrNoAccounts
		}
		acct = refreshed

		resp, err := g.send(req, url, body, acct)
		if err != nil {
			// Network failure or host cancellation: no penalty recorded.
			return nil, err
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			g.manager.RecordSuccess(acct.Index)
			if isStream {
				transform.EnsureEventStreamHeaders(resp)
				return resp, nil
			}
			return transform.CollapseToJSON(resp), nil
		}

		if retryableStatuses[resp.StatusCode] {
			text := drainBody(resp)
			log.Debugf("interceptor: upstream %d body: %s", resp.StatusCode, util.TruncateLog(text, 1024))
			reason := transform.Classify(resp.StatusCode, text)
			if resp.StatusCode == http.StatusNotFound && reason == account.ReasonUnknown {
				// A real 404, surfaced unchanged without rotation.
				return resp, nil
			}
			g.manager.MarkRateLimited(acct.Index, reason)
			if attempt < g.maxRetries() {
				if next := g.manager.SelectAccount(); next != nil {
					attempt++
					acct = next
					continue
				}
			}
			return remap(resp, text), nil
		}

		if resp.StatusCode == http.StatusUnauthorized {
			g.manager.RecordFailure(acct.Index)
			if attempt < g.maxRetries() {
				if next := g.manager.SelectAccount(); next != nil {
					attempt++
					acct = next
					continue
				}
			}
			return resp, nil
		}

		return resp, nil
	}
}

// send performs a single upstream attempt.
func (g *Gateway) send(req *http.Request, url string, body []byte, acct *account.Account) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(req.Context(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	promptCacheKey := gjson.GetBytes(body, "prompt_cache_key").String()
	composeHeaders(httpReq, req.Header, acct, promptCacheKey)

	dumpID := g.reqLog.BeginRequest(url, acct.Label(), body)
	resp, err := g.transport.RoundTrip(httpReq)
	if err != nil {
		g.reqLog.AppendResponse(dumpID, []byte(fmt.Sprintf("transport error: %v", err)))
		g.reqLog.EndRequest(dumpID)
		return nil, err
	}
	log.Debugf("interceptor: %s -> %d (account %s)", url, resp.StatusCode, acct.Label())
	if g.reqLog.Enabled() {
		g.reqLog.AppendResponse(dumpID, []byte(fmt.Sprintf("status: %d", resp.StatusCode)))
		resp.Body = &loggedBody{inner: resp.Body, reqLog: g.reqLog, id: dumpID}
	}
	return resp, nil
}

// SetKnownHostPrompt caches the host agent's system prompt text so the
// transformer can strip it by prefix comparison.
func (g *Gateway) SetKnownHostPrompt(prompt string) {
	g.hostPrompt = prompt
}

func (g *Gateway) transformOptions() transform.Options {
	return transform.Options{
		CodexMode:       g.cfg.CodexMode,
		KnownHostPrompt: g.hostPrompt,
	}
}

// isResponsesRequest matches POSTs to a responses endpoint; everything
// else is outside the gateway's scope.
func isResponsesRequest(req *http.Request) bool {
	if req == nil || req.URL == nil || req.Method != http.MethodPost {
		return false
	}
	path := strings.TrimSuffix(req.URL.Path, "/")
	return strings.HasSuffix(path, "/responses")
}

// rewriteURL replaces the trailing /responses path segment with
// /codex/responses, leaving the rest of the URL untouched.
func rewriteURL(req *http.Request) string {
	u := *req.URL
	path := u.Path
	if strings.HasSuffix(path, "/responses") && !strings.HasSuffix(path, "/codex/responses") {
		u.Path = strings.TrimSuffix(path, "/responses") + "/codex/responses"
	}
	return u.String()
}

// composeHeaders builds the upstream header set from the host request.
func composeHeaders(httpReq *http.Request, original http.Header, acct *account.Account, promptCacheKey string) {
	h := httpReq.Header
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+acct.AccessToken)
	if acct.AccountID != "" {
		h.Set("Chatgpt-Account-Id", acct.AccountID)
	}
	misc.EnsureHeader(h, original, "Version", "0.21.0")
	misc.EnsureHeader(h, original, "Openai-Beta", "responses=experimental")
	h.Set("Originator", "codex_cli_rs")
	h.Set("Accept", "text/event-stream")
	h.Set("Connection", "Keep-Alive")
	h.Del("X-Api-Key")
	if promptCacheKey != "" {
		h.Set("Conversation_id", promptCacheKey)
		h.Set("Session_id", promptCacheKey)
	} else {
		h.Del("Conversation_id")
		h.Del("Session_id")
	}
}

// readRequestBody consumes and restores the host request body.
func readRequestBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	_ = req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// drainBody reads an error response fully and restores it for surfacing.
func drainBody(resp *http.Response) string {
	if resp.Body == nil {
		return ""
	}
	data, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		log.Debugf("interceptor: error body read failed: %v", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return string(data)
}

// remap applies the 404-to-429 correction before surfacing an exhausted
// response.
func remap(resp *http.Response, text string) *http.Response {
	mapped := transform.RemapStatus(resp.StatusCode, text)
	if mapped != resp.StatusCode {
		resp.StatusCode = mapped
		resp.Status = fmt.Sprintf("%d %s", mapped, http.StatusText(mapped))
	}
	return resp
}

// loggedBody tees response bytes into the request dump.
type loggedBody struct {
	inner  io.ReadCloser
	reqLog *logging.RequestLogger
	id     string
}

func (b *loggedBody) Read(p []byte) (int, error) {
	n, err := b.inner.Read(p)
	if n > 0 {
		b.reqLog.AppendResponse(b.id, p[:n])
	}
	return n, err
}

func (b *loggedBody) Close() error {
	b.reqLog.EndRequest(b.id)
	return b.inner.Close()
}
