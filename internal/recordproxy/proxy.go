package recordproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	unknownStandBody = "unknown stand"
	shutdownTimeout  = 5 * time.Second
)

type routeKey struct{}

func routeOf(r *http.Request) *Route {
	rt, _ := r.Context().Value(routeKey{}).(*Route)
	return rt
}

// Proxy is the recording reverse proxy handler.
type Proxy struct {
	routes map[string]*Route
	rp     *httputil.ReverseProxy
	log    *logrus.Entry
}

// Options configure a Proxy.
type Options struct {
	// Upstream forwards requests to the stands; nil clones
	// http.DefaultTransport.
	Upstream http.RoundTripper
	Log      *logrus.Entry
}

// New builds the proxy over routes, logging in to every stand that has a
// login form. Requests are appended to rec before being forwarded.
func New(ctx context.Context, routes map[string]*Route, rec *Recorder, opts Options) (*Proxy, error) {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	for _, rt := range routes {
		if err := rt.Login(ctx, log); err != nil {
			return nil, err
		}
	}

	upstream := opts.Upstream
	if upstream == nil {
		upstream = http.DefaultTransport.(*http.Transport).Clone()
	}

	p := &Proxy{routes: routes, log: log}
	p.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			rt := routeOf(pr.In)
			pr.Out.URL.Scheme = rt.Upstream.Scheme
			pr.Out.URL.Host = rt.Upstream.Host
			pr.Out.Host = pr.In.Host
		},
		Transport: &stripTransport{
			next: &authTransport{
				next: &recordTransport{rec: rec, next: upstream, log: log},
			},
			log: log,
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.WithError(err).WithField("url", r.URL.String()).Warn("Upstream request failed")
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	return p, nil
}

// Route returns the route serving host, ignoring any port.
func (p *Proxy) Route(host string) (*Route, bool) {
	if rt, ok := p.routes[host]; ok {
		return rt, true
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		rt, ok := p.routes[h]
		return rt, ok
	}
	return nil, false
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt, ok := p.Route(r.Host)
	if !ok {
		p.log.WithField("host", r.Host).Warn("Unknown stand")
		http.Error(w, unknownStandBody, http.StatusBadRequest)
		return
	}
	p.rp.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), routeKey{}, rt)))
}

// stripTransport answers requests to the stand's strip URLs itself so that
// crawlers cannot log themselves out.
type stripTransport struct {
	next http.RoundTripper
	log  *logrus.Entry
}

func (t *stripTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	target := r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	if rt := routeOf(r); rt != nil {
		for _, prefix := range rt.Stand.StripURLs {
			if strings.HasPrefix(target, prefix) {
				t.log.WithField("url", target).Info("Strip URL")
				if r.Body != nil {
					r.Body.Close()
				}
				return &http.Response{
					Status:        "200 OK",
					StatusCode:    http.StatusOK,
					Proto:         "HTTP/1.1",
					ProtoMajor:    1,
					ProtoMinor:    1,
					Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
					Body:          io.NopCloser(strings.NewReader("ok")),
					ContentLength: 2,
					Request:       r,
				}, nil
			}
		}
	}
	return t.next.RoundTrip(r)
}

// authTransport replaces the client's cookies with the stand's session
// cookies.
type authTransport struct {
	next http.RoundTripper
}

func (t *authTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if rt := routeOf(r); rt != nil {
		for _, name := range sortedKeys(rt.Cookies) {
			removeCookie(r.Header, name)
			r.AddCookie(&http.Cookie{Name: name, Value: rt.Cookies[name]})
		}
	}
	return t.next.RoundTrip(r)
}

// removeCookie drops every name=value pair called name from the Cookie
// header, leaving the other pairs untouched.
func removeCookie(h http.Header, name string) {
	c := h.Get("Cookie")
	if c == "" {
		return
	}
	var kept []string
	for _, part := range strings.Split(c, ";") {
		if !strings.HasPrefix(strings.TrimSpace(part), name+"=") {
			kept = append(kept, part)
		}
	}
	if len(kept) == 0 {
		h.Del("Cookie")
		return
	}
	h.Set("Cookie", strings.Join(kept, ";"))
}

type recordTransport struct {
	rec  *Recorder
	next http.RoundTripper
	log  *logrus.Entry
}

func (t *recordTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	rec, err := NewRecord(r)
	if err != nil {
		return nil, err
	}
	t.log.Infof("%s %s", r.Method, rec.URL)
	if err := t.rec.Write(rec); err != nil {
		return nil, err
	}
	return t.next.RoundTrip(r)
}

// Serve runs h on ln until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, ln net.Listener, h http.Handler, log *logrus.Entry) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 30 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithField("addr", ln.Addr().String()).Info("Start proxy")
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("proxy server: %w", err)
	case <-ctx.Done():
		log.Info("Shutting down proxy")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
