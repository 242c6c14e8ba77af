package reddit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"socialpilot/internal/automation"
	logx "socialpilot/pkg/logx"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(Config{PublicURL: srv.URL, OAuthURL: srv.URL, RequestsPerMin: 6000, QuestionsOnly: true}, logx.Nop())
	c.now = func() time.Time { return fixedNow }
	return c
}

func writeJSON(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

func TestSearchBuildsQueryAndFilters(t *testing.T) {
	t.Parallel()
	created := fixedNow.Add(-3 * time.Hour).Unix()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/r/personalfinance/search.json" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("q") != `budget OR "emergency fund"` || q.Get("restrict_sr") != "1" || q.Get("t") != "day" {
			t.Errorf("query = %v", q)
		}
		writeJSON(w, http.StatusOK, fmt.Sprintf(`{"data":{"children":[
			{"data":{"id":"a1","title":"How big should my emergency fund be?","selftext":"details","subreddit":"personalfinance","author":"x","score":12,"num_comments":4,"created_utc":%d,"permalink":"/r/personalfinance/comments/a1/"}},
			{"data":{"id":"a2","title":"Weekly thread?","stickied":true,"created_utc":%d}},
			{"data":{"id":"a3","title":"My budget spreadsheet","created_utc":%d}}
		]}}`, created, created, created))
	})

	got, err := c.Search(context.Background(), "r/personalfinance", []string{"budget", " emergency fund "}, 24)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("threads = %+v, want 1", got)
	}
	th := got[0]
	if th.ID != "a1" || th.Score != 12 || th.Comments != 4 || th.AgeHours != 3 || th.Channel != "personalfinance" {
		t.Fatalf("thread = %+v", th)
	}
}

func TestSearchWithoutKeywordsListsNew(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/r/investing/new.json" {
			t.Errorf("path = %s", r.URL.Path)
		}
		writeJSON(w, http.StatusOK, `{"data":{"children":[]}}`)
	})
	if _, err := c.Search(context.Background(), "investing", nil, 24); err != nil {
		t.Fatalf("Search: %v", err)
	}
}

func TestPostSendsFormWithBearer(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/submit" || r.Method != http.MethodPost {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		_ = r.ParseForm()
		if r.Form.Get("sr") != "investing" || r.Form.Get("kind") != "self" || r.Form.Get("title") != "T" {
			t.Errorf("form = %v", r.Form)
		}
		writeJSON(w, http.StatusOK, `{"json":{"errors":[],"data":{"id":"p9","name":"t3_p9","url":"https://www.reddit.com/r/investing/comments/p9/t/"}}}`)
	})
	id, url, err := c.Post(context.Background(), automation.Credentials{AccessToken: "tok"}, "investing", "T", "B")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if id != "p9" || url == "" {
		t.Fatalf("id = %q, url = %q", id, url)
	}
}

func TestReplyUsesFullnameAndReportsAPIErrors(t *testing.T) {
	t.Parallel()
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = r.ParseForm()
		if r.Form.Get("thing_id") != "t3_a1" {
			t.Errorf("thing_id = %q", r.Form.Get("thing_id"))
		}
		if calls == 1 {
			writeJSON(w, http.StatusOK, `{"json":{"errors":[],"data":{"things":[{"data":{"id":"c7","name":"t1_c7"}}]}}}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"json":{"errors":[["THREAD_LOCKED","that thread is locked","parent"]]}}`)
	})
	id, err := c.Reply(context.Background(), automation.Credentials{AccessToken: "tok"}, "a1", "answer")
	if err != nil || id != "c7" {
		t.Fatalf("Reply = %q, %v", id, err)
	}
	_, err = c.Reply(context.Background(), automation.Credentials{AccessToken: "tok"}, "t3_a1", "answer")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
}

func TestStatusMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code int
		want error
	}{
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrUnauthorized},
	}
	for _, tt := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, tt.code, `{}`)
		})
		if _, err := c.Search(context.Background(), "x", nil, 24); !errors.Is(err, tt.want) {
			t.Fatalf("http %d: err = %v, want %v", tt.code, err, tt.want)
		}
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, `upstream`)
	})
	_, err := c.Search(context.Background(), "x", nil, 24)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadGateway {
		t.Fatalf("err = %v", err)
	}
}

func TestTimeWindow(t *testing.T) {
	t.Parallel()
	for h, want := range map[float64]string{0: "day", 0.5: "hour", 24: "day", 48: "week", 1000: "month"} {
		if got := timeWindow(h); got != want {
			t.Fatalf("timeWindow(%v) = %q, want %q", h, got, want)
		}
	}
}
