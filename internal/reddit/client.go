// Package reddit implements discovery, posting and replying against the
// Reddit HTTP API.
//
// Reads go to the public JSON listing endpoints; writes go to the OAuth host
// with the acting user's bearer token. All requests share one token-bucket
// limiter sized to the API's per-client quota.
package reddit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"socialpilot/internal/automation"
	logx "socialpilot/pkg/logx"
)

var (
	// ErrRateLimited is returned on HTTP 429.
	ErrRateLimited = errors.New("reddit: rate limited")
	// ErrUnauthorized is returned on HTTP 401/403.
	ErrUnauthorized = errors.New("reddit: unauthorized")
)

// APIError is a non-2xx response or an error list in a write response.
type APIError struct {
	Status int
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("reddit: http %d: %s", e.Status, e.Msg)
}

type Config struct {
	PublicURL      string
	OAuthURL       string
	UserAgent      string
	RequestsPerMin int
	Timeout        time.Duration
	SearchLimit    int
	QuestionsOnly  bool
}

func (c Config) withDefaults() Config {
	if c.PublicURL == "" {
		c.PublicURL = "https://www.reddit.com"
	}
	if c.OAuthURL == "" {
		c.OAuthURL = "https://oauth.reddit.com"
	}
	if c.UserAgent == "" {
		c.UserAgent = "socialpilot/1.0"
	}
	if c.RequestsPerMin <= 0 {
		c.RequestsPerMin = 60
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.SearchLimit <= 0 || c.SearchLimit > 100 {
		c.SearchLimit = 50
	}
	return c
}

type Client struct {
	cfg     Config
	public  *resty.Client
	oauth   *resty.Client
	limiter *rate.Limiter
	now     func() time.Time
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	mk := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(strings.TrimRight(base, "/")).
			SetTimeout(cfg.Timeout).
			SetHeader("User-Agent", cfg.UserAgent)
	}
	perSec := rate.Limit(float64(cfg.RequestsPerMin) / 60)
	return &Client{
		cfg:     cfg,
		public:  mk(cfg.PublicURL),
		oauth:   mk(cfg.OAuthURL),
		limiter: rate.NewLimiter(perSec, max(1, cfg.RequestsPerMin/10)),
		now:     time.Now,
		log:     log.With(logx.Comp("reddit")),
	}
}

type listing struct {
	Data struct {
		Children []struct {
			Data post `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type post struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Selftext    string  `json:"selftext"`
	Subreddit   string  `json:"subreddit"`
	Author      string  `json:"author"`
	Score       int     `json:"score"`
	NumComments int     `json:"num_comments"`
	CreatedUTC  float64 `json:"created_utc"`
	Permalink   string  `json:"permalink"`
	Stickied    bool    `json:"stickied"`
	Locked      bool    `json:"locked"`
	Over18      bool    `json:"over_18"`
}

// Search lists recent threads in channel matching any keyword. Stickied,
// locked and NSFW threads are dropped. With QuestionsOnly, so are titles
// without a question mark.
func (c *Client) Search(ctx context.Context, channel string, keywords []string, maxAgeHours float64) ([]automation.CandidateThread, error) {
	channel = strings.TrimPrefix(strings.TrimSpace(channel), "r/")
	if channel == "" {
		return nil, errors.New("reddit: channel is empty")
	}
	req := c.public.R().SetQueryParam("limit", strconv.Itoa(c.cfg.SearchLimit)).SetQueryParam("raw_json", "1")
	path := "/r/" + url.PathEscape(channel) + "/new.json"
	if q := searchQuery(keywords); q != "" {
		path = "/r/" + url.PathEscape(channel) + "/search.json"
		req.SetQueryParams(map[string]string{
			"q":           q,
			"restrict_sr": "1",
			"sort":        "new",
			"t":           timeWindow(maxAgeHours),
		})
	}

	var out listing
	if err := c.do(ctx, req.SetResult(&out), http.MethodGet, path); err != nil {
		return nil, err
	}

	now := c.now()
	threads := make([]automation.CandidateThread, 0, len(out.Data.Children))
	for _, ch := range out.Data.Children {
		p := ch.Data
		if p.ID == "" || p.Stickied || p.Locked || p.Over18 {
			continue
		}
		if c.cfg.QuestionsOnly && !strings.Contains(p.Title, "?") {
			continue
		}
		created := time.Unix(int64(p.CreatedUTC), 0)
		age := now.Sub(created).Hours()
		if age < 0 {
			age = 0
		}
		threads = append(threads, automation.CandidateThread{
			ID:       p.ID,
			Title:    p.Title,
			Body:     p.Selftext,
			Channel:  p.Subreddit,
			Score:    p.Score,
			Comments: p.NumComments,
			AgeHours: age,
			Author:   p.Author,
			URL:      c.cfg.PublicURL + p.Permalink,
		})
	}
	return threads, nil
}

type writeResponse struct {
	JSON struct {
		Errors [][]any `json:"errors"`
		Data   struct {
			ID     string `json:"id"`
			Name   string `json:"name"`
			URL    string `json:"url"`
			Things []struct {
				Data struct {
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"data"`
			} `json:"things"`
		} `json:"data"`
	} `json:"json"`
}

func (w writeResponse) err() error {
	if len(w.JSON.Errors) == 0 {
		return nil
	}
	parts := make([]string, 0, len(w.JSON.Errors))
	for _, e := range w.JSON.Errors {
		parts = append(parts, fmt.Sprint(e...))
	}
	return &APIError{Status: http.StatusOK, Msg: strings.Join(parts, "; ")}
}

// Post submits a self post to channel as the credentialed user.
func (c *Client) Post(ctx context.Context, creds automation.Credentials, channel, title, body string) (string, string, error) {
	var out writeResponse
	req := c.authed(creds).SetFormData(map[string]string{
		"sr":       strings.TrimPrefix(channel, "r/"),
		"kind":     "self",
		"title":    title,
		"text":     body,
		"api_type": "json",
	}).SetResult(&out)
	if err := c.do(ctx, req, http.MethodPost, "/api/submit"); err != nil {
		return "", "", err
	}
	if err := out.err(); err != nil {
		return "", "", err
	}
	return out.JSON.Data.ID, out.JSON.Data.URL, nil
}

// Reply comments on threadID as the credentialed user.
func (c *Client) Reply(ctx context.Context, creds automation.Credentials, threadID, body string) (string, error) {
	fullname := threadID
	if !strings.HasPrefix(fullname, "t3_") {
		fullname = "t3_" + threadID
	}
	var out writeResponse
	req := c.authed(creds).SetFormData(map[string]string{
		"thing_id": fullname,
		"text":     body,
		"api_type": "json",
	}).SetResult(&out)
	if err := c.do(ctx, req, http.MethodPost, "/api/comment"); err != nil {
		return "", err
	}
	if err := out.err(); err != nil {
		return "", err
	}
	if len(out.JSON.Data.Things) == 0 {
		return "", &APIError{Status: http.StatusOK, Msg: "comment response has no things"}
	}
	return out.JSON.Data.Things[0].Data.ID, nil
}

func (c *Client) authed(creds automation.Credentials) *resty.Request {
	return c.oauth.R().SetAuthScheme("bearer").SetAuthToken(creds.AccessToken)
}

func (c *Client) do(ctx context.Context, req *resty.Request, method, path string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := req.SetContext(ctx).Execute(method, path)
	if err != nil {
		return fmt.Errorf("reddit: %s %s: %w", method, path, err)
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusTooManyRequests:
		c.log.Warn("rate limited", logx.String("path", path), logx.String("retry_after", resp.Header().Get("Retry-After")))
		return fmt.Errorf("%w: %s", ErrRateLimited, path)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %s (http %d)", ErrUnauthorized, path, code)
	case code >= 300:
		return &APIError{Status: code, Msg: truncate(resp.String(), 200)}
	}
	return nil
}

func searchQuery(keywords []string) string {
	parts := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if strings.ContainsAny(k, " \t") {
			k = `"` + k + `"`
		}
		parts = append(parts, k)
	}
	return strings.Join(parts, " OR ")
}

// timeWindow maps a maximum age onto Reddit's coarse search windows.
func timeWindow(maxAgeHours float64) string {
	switch {
	case maxAgeHours <= 0:
		return "day"
	case maxAgeHours <= 1:
		return "hour"
	case maxAgeHours <= 24:
		return "day"
	case maxAgeHours <= 24*7:
		return "week"
	default:
		return "month"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
