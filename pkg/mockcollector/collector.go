package mockcollector

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/obsidianstack/emitter/pkg/types"
)

// Behavior selects how the collector answers uploads.
type Behavior int

const (
	// AlwaysAccept answers 200 and records every message.
	AlwaysAccept Behavior = iota
	// AlwaysReject answers 404 to every upload.
	AlwaysReject
	// SometimesReject cycles accept, reject, reject, accept per call.
	SometimesReject
)

func (b Behavior) String() string {
	switch b {
	case AlwaysAccept:
		return "accept"
	case AlwaysReject:
		return "reject"
	case SometimesReject:
		return "sometimes"
	default:
		return fmt.Sprintf("behavior(%d)", int(b))
	}
}

// ParseBehavior accepts the names returned by Behavior.String.
func ParseBehavior(s string) (Behavior, error) {
	switch strings.ToLower(s) {
	case "accept", "":
		return AlwaysAccept, nil
	case "reject":
		return AlwaysReject, nil
	case "sometimes":
		return SometimesReject, nil
	}
	return 0, fmt.Errorf("mockcollector: unknown behavior %q", s)
}

// Options configures a Collector.
type Options struct {
	Behavior Behavior

	// URIContext is the path uploads are accepted on, without the leading
	// slash. Defaults to "metrics".
	URIContext string

	// Username and Password enable HTTP basic auth when Username is set.
	Username string
	Password string

	// OnAccept, if set, is called with every accepted message body.
	OnAccept func(types.Record)
}

// Collector is an http.Handler that stands in for the remote metrics
// collector. It is safe for concurrent use.
type Collector struct {
	opts Options

	mu       sync.Mutex
	calls    int
	messages []types.Record
}

// New creates a Collector.
func New(opts Options) *Collector {
	if opts.URIContext == "" {
		opts.URIContext = "metrics"
	}
	return &Collector{opts: opts}
}

// Path returns the upload path, e.g. "/metrics".
func (c *Collector) Path() string { return "/" + strings.TrimLeft(c.opts.URIContext, "/") }

func (c *Collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != c.Path() {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if c.opts.Username != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != c.opts.Username || pass != c.opts.Password {
			w.Header().Set("WWW-Authenticate", `Basic realm="collector"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	if !c.accept() {
		slog.Debug("mockcollector: rejecting upload", "behavior", c.opts.Behavior)
		w.WriteHeader(http.StatusNotFound)
		return
	}

	msg, err := readMessage(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()

	if c.opts.OnAccept != nil {
		c.opts.OnAccept(msg)
	}
	w.WriteHeader(http.StatusOK)
}

// accept counts the call and decides its fate.
func (c *Collector) accept() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	switch c.opts.Behavior {
	case AlwaysReject:
		return false
	case SometimesReject:
		n := c.calls % 4
		return n == 0 || n == 1
	default:
		return true
	}
}

func readMessage(r *http.Request) (types.Record, error) {
	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return types.Record{}, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		body = zr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return types.Record{}, fmt.Errorf("read body: %w", err)
	}
	msg, err := types.ParseRecord(data)
	if err != nil {
		return types.Record{}, fmt.Errorf("parse body: %w", err)
	}
	return msg, nil
}

// Messages returns the accepted message bodies in arrival order.
func (c *Collector) Messages() []types.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Record, len(c.messages))
	copy(out, c.messages)
	return out
}

// Calls returns how many authenticated uploads reached the behavior switch.
func (c *Collector) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Payload unwraps the record posted under formParam from a message body.
func Payload(msg types.Record, formParam string) (types.Record, bool) {
	v, ok := msg.Get(formParam)
	if !ok {
		return types.Record{}, false
	}
	r, ok := v.(types.Record)
	return r, ok
}
