package mockcollector

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/obsidianstack/emitter/pkg/types"
)

func post(t *testing.T, h http.Handler, path, body string, mutate func(*http.Request)) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestCollector_Behaviors(t *testing.T) {
	tests := []struct {
		behavior Behavior
		want     []int
	}{
		{AlwaysAccept, []int{200, 200, 200, 200}},
		{AlwaysReject, []int{404, 404, 404, 404}},
		{SometimesReject, []int{200, 404, 404, 200, 200, 404, 404, 200}},
	}
	for _, tc := range tests {
		t.Run(tc.behavior.String(), func(t *testing.T) {
			c := New(Options{Behavior: tc.behavior})
			for i, want := range tc.want {
				if got := post(t, c, "/metrics", `{"data":{"n":1}}`, nil); got != want {
					t.Errorf("call %d: status %d, want %d", i+1, got, want)
				}
			}
			if c.Calls() != len(tc.want) {
				t.Errorf("Calls() = %d, want %d", c.Calls(), len(tc.want))
			}
		})
	}
}

func TestCollector_RecordsMessages(t *testing.T) {
	var seen []types.Record
	c := New(Options{URIContext: "context", OnAccept: func(r types.Record) { seen = append(seen, r) }})

	post(t, c, "/context", `{"formParam":{"test":"foo","fingerprint":"fp","machine":7}}`, nil)

	msgs := c.Messages()
	if len(msgs) != 1 || len(seen) != 1 {
		t.Fatalf("Messages() = %d, OnAccept calls = %d, want 1 and 1", len(msgs), len(seen))
	}
	p, ok := Payload(msgs[0], "formParam")
	if !ok {
		t.Fatalf("Payload() missing formParam in %s", msgs[0])
	}
	if v, _ := p.Get("test"); v != "foo" {
		t.Errorf("test = %v, want foo", v)
	}
	if v, _ := p.Get("machine"); v != int64(7) {
		t.Errorf("machine = %v, want 7", v)
	}
}

func TestCollector_BasicAuth(t *testing.T) {
	c := New(Options{Username: "endlessos", Password: "sosseldne"})

	if got := post(t, c, "/metrics", `{"data":{}}`, nil); got != http.StatusUnauthorized {
		t.Errorf("no credentials: status %d, want 401", got)
	}
	wrong := func(r *http.Request) { r.SetBasicAuth("endlessos", "nope") }
	if got := post(t, c, "/metrics", `{"data":{}}`, wrong); got != http.StatusUnauthorized {
		t.Errorf("wrong password: status %d, want 401", got)
	}
	right := func(r *http.Request) { r.SetBasicAuth("endlessos", "sosseldne") }
	if got := post(t, c, "/metrics", `{"data":{}}`, right); got != http.StatusOK {
		t.Errorf("valid credentials: status %d, want 200", got)
	}
	if c.Calls() != 1 {
		t.Errorf("Calls() = %d, want 1 (unauthenticated calls are not counted)", c.Calls())
	}
}

func TestCollector_Gzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte(`{"data":{"z":true}}`))
	_ = zw.Close()

	c := New(Options{})
	req := httptest.NewRequest(http.MethodPost, "/metrics", &buf)
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	p, _ := Payload(c.Messages()[0], "data")
	if v, _ := p.Get("z"); v != true {
		t.Errorf("z = %v, want true", v)
	}
}

func TestCollector_BadRequests(t *testing.T) {
	c := New(Options{})

	if got := post(t, c, "/other", `{}`, nil); got != http.StatusNotFound {
		t.Errorf("wrong path: status %d, want 404", got)
	}
	if got := post(t, c, "/metrics", `not json`, nil); got != http.StatusBadRequest {
		t.Errorf("bad body: status %d, want 400", got)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: status %d, want 405", rec.Code)
	}
}

func TestParseBehavior(t *testing.T) {
	for _, b := range []Behavior{AlwaysAccept, AlwaysReject, SometimesReject} {
		got, err := ParseBehavior(b.String())
		if err != nil || got != b {
			t.Errorf("ParseBehavior(%q) = %v, %v", b.String(), got, err)
		}
	}
	if _, err := ParseBehavior("flaky"); err == nil {
		t.Error("ParseBehavior(flaky) = nil error, want error")
	}
}
