// Package recordproxy implements the HTTP reverse proxy that sits between a
// crawler and the stands. It routes by Host header, injects session cookies,
// short-circuits configured URLs and appends every forwarded request to a
// newline-delimited JSON log.
package recordproxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"

	"bytemomo/crawlbench/internal/domain"

	"github.com/sirupsen/logrus"
)

// Route binds a proxied hostname to the stand serving it.
type Route struct {
	Host     string
	Stand    domain.Stand
	Upstream *url.URL

	// Cookies start as the configured values and gain whatever the login
	// form hands out. They are fixed once the proxy serves requests.
	Cookies map[string]string
}

// Routes maps every stand hostname of c to its upstream. A non-empty only
// keeps that single stand.
func Routes(c *domain.Campaign, only string) (map[string]*Route, error) {
	if only != "" {
		if _, ok := c.Stands.Get(only); !ok {
			return nil, domain.E("recordproxy.routes", domain.ErrConfig, fmt.Errorf("chosen stand %q not found", only))
		}
	}
	routes := make(map[string]*Route, len(c.Stands))
	for _, st := range c.Stands {
		if only != "" && st.Name != only {
			continue
		}
		if st.Port <= 0 {
			return nil, domain.E("recordproxy.routes", domain.ErrConfig, fmt.Errorf("stand %q has no port", st.Name))
		}
		cookies := make(map[string]string, len(st.Cookies.Values))
		for k, v := range st.Cookies.Values {
			cookies[k] = v
		}
		host := c.Hostname(st.Name)
		routes[host] = &Route{
			Host:  host,
			Stand: st,
			Upstream: &url.URL{
				Scheme: "http",
				Host:   net.JoinHostPort(c.StandsAddr, strconv.Itoa(st.Port)),
			},
			Cookies: cookies,
		}
	}
	return routes, nil
}

// Login submits the stand's login form and keeps the cookies it receives.
// A non-2xx/3xx answer is logged but the cookies are still kept.
func (rt *Route) Login(ctx context.Context, log *logrus.Entry) error {
	login := rt.Stand.Cookies.Login
	if login == nil {
		return nil
	}
	loginURL, err := url.JoinPath(rt.Upstream.String(), login.URL)
	if err != nil {
		return fmt.Errorf("login url: %w", err)
	}
	form := make(url.Values, len(login.Form))
	for k, v := range login.Form {
		form.Set(k, v)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	log = log.WithFields(logrus.Fields{"stand": rt.Stand.Name, "url": loginURL})
	log.Info("Logging in")
	resp, err := (&http.Client{Jar: jar}).Do(req)
	if err != nil {
		return fmt.Errorf("login %s: %w", rt.Stand.Name, err)
	}
	resp.Body.Close()

	if class := resp.StatusCode / 100; class != 2 && class != 3 {
		log.WithField("status", resp.StatusCode).Warn("Login answered with an unexpected status")
	}
	received := jar.Cookies(resp.Request.URL)
	if len(received) == 0 {
		log.Warn("Login returned no cookies")
		return nil
	}
	for _, c := range received {
		rt.Cookies[c.Name] = c.Value
	}
	log.WithFields(logrus.Fields{"status": resp.StatusCode, "cookies": len(received)}).Info("Logged in")
	return nil
}
