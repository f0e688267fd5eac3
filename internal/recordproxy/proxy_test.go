package recordproxy

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bytemomo/crawlbench/internal/domain"

	"github.com/go-json-experiment/json"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Records(t *testing.T) []Record {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Record
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec Record
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

type stand struct {
	srv  *httptest.Server
	hits atomic.Int64

	mu      sync.Mutex
	host    string
	cookies string
}

func newStand(t *testing.T) *stand {
	t.Helper()
	s := &stand{}
	mux := http.NewServeMux()
	mux.HandleFunc("/login.php", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("username") != "admin" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "PHPSESSID", Value: "s3ss10n", Path: "/"})
		http.Redirect(w, r, "/index.php", http.StatusFound)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		s.mu.Lock()
		s.host, s.cookies = r.Host, r.Header.Get("Cookie")
		s.mu.Unlock()
		io.WriteString(w, "stand "+r.URL.Path)
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stand) port(t *testing.T) int {
	t.Helper()
	_, p, err := net.SplitHostPort(s.srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return port
}

func (s *stand) seen() (host, cookies string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host, s.cookies
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func campaignFor(st domain.Stand) *domain.Campaign {
	return &domain.Campaign{
		DNSSuffix:  "lab",
		StandsAddr: "127.0.0.1",
		Stands:     domain.Stands{st},
	}
}

func startProxy(t *testing.T, c *domain.Campaign) (*httptest.Server, *syncBuffer) {
	t.Helper()
	routes, err := Routes(c, "")
	require.NoError(t, err)
	out := &syncBuffer{}
	p, err := New(context.Background(), routes, NewRecorder(out), Options{Log: testLog()})
	require.NoError(t, err)
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)
	return srv, out
}

func get(t *testing.T, srv *httptest.Server, host, path string, cookies ...*http.Cookie) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	req.Host = host
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestRemoveCookie(t *testing.T) {
	r, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)
	r.AddCookie(&http.Cookie{Name: "JSESSIONID", Value: "k3aOXzOQinlcJ1Yk9PLJLT8u7BpA0LBywphpW6QP"})
	r.AddCookie(&http.Cookie{Name: "85f1607f955c66a279eb54fd830a768c", Value: "om11uutt4bk9ddd8sojnmrcurm"})
	r.AddCookie(&http.Cookie{Name: "security", Value: "medium"})

	removeCookie(r.Header, "85f1607f955c66a279eb54fd830a768c")

	require.Len(t, r.Cookies(), 2)
	jsessionid, err := r.Cookie("JSESSIONID")
	require.NoError(t, err)
	assert.Equal(t, "k3aOXzOQinlcJ1Yk9PLJLT8u7BpA0LBywphpW6QP", jsessionid.Value)
	security, err := r.Cookie("security")
	require.NoError(t, err)
	assert.Equal(t, "medium", security.Value)

	removeCookie(r.Header, "JSESSIONID")
	removeCookie(r.Header, "security")
	assert.Empty(t, r.Header.Get("Cookie"))
}

func TestRoutes_DNSSuffixAndOnly(t *testing.T) {
	c := &domain.Campaign{
		DNSSuffix:  "lab",
		StandsAddr: "10.0.0.5",
		Stands: domain.Stands{
			{Name: "dvwa", Port: 8081, Cookies: domain.Cookies{Values: map[string]string{"security": "low"}}},
			{Name: "wivet", Port: 8082},
		},
	}

	routes, err := Routes(c, "")
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.Equal(t, "http://10.0.0.5:8081", routes["dvwa.lab"].Upstream.String())
	assert.Equal(t, map[string]string{"security": "low"}, routes["dvwa.lab"].Cookies)

	routes, err = Routes(c, "wivet")
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Contains(t, routes, "wivet.lab")

	_, err = Routes(c, "mybb")
	assert.ErrorIs(t, err, domain.ErrConfig)
}

func TestProxy_ForwardsAndRecords(t *testing.T) {
	st := newStand(t)
	srv, out := startProxy(t, campaignFor(domain.Stand{Name: "dvwa", Port: st.port(t)}))

	code, body := get(t, srv, "dvwa.lab", "/vulnerabilities/?id=1&Submit")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "stand /vulnerabilities/", body)

	host, _ := st.seen()
	assert.Equal(t, "dvwa.lab", host)

	recs := out.Records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, http.MethodGet, recs[0].Method)
	assert.Contains(t, recs[0].URL, "/vulnerabilities/?id=1&Submit")
	assert.Equal(t, []Param{{Name: "id", Value: "1"}, {Name: "Submit", Value: ""}}, recs[0].QueryString)
	assert.Nil(t, recs[0].PostData)
}

func TestProxy_HostWithPort(t *testing.T) {
	st := newStand(t)
	srv, _ := startProxy(t, campaignFor(domain.Stand{Name: "dvwa", Port: st.port(t)}))

	code, _ := get(t, srv, "dvwa.lab:8000", "/")
	assert.Equal(t, http.StatusOK, code)
}

func TestProxy_UnknownStand(t *testing.T) {
	st := newStand(t)
	srv, out := startProxy(t, campaignFor(domain.Stand{Name: "dvwa", Port: st.port(t)}))

	code, body := get(t, srv, "mybb.lab", "/")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, unknownStandBody, strings.TrimSpace(body))
	assert.Zero(t, st.hits.Load())
	assert.Empty(t, out.Records(t))
}

func TestProxy_StripURL(t *testing.T) {
	st := newStand(t)
	srv, out := startProxy(t, campaignFor(domain.Stand{
		Name:      "dvwa",
		Port:      st.port(t),
		StripURLs: []string{"/logout.php", "/setup.php?reset"},
	}))

	code, body := get(t, srv, "dvwa.lab", "/logout.php")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, body = get(t, srv, "dvwa.lab", "/setup.php?reset=1")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	assert.Zero(t, st.hits.Load())
	assert.Empty(t, out.Records(t))

	_, body = get(t, srv, "dvwa.lab", "/setup.php")
	assert.Equal(t, "stand /setup.php", body)
}

func TestProxy_InjectsCookies(t *testing.T) {
	st := newStand(t)
	srv, _ := startProxy(t, campaignFor(domain.Stand{
		Name:    "dvwa",
		Port:    st.port(t),
		Cookies: domain.Cookies{Values: map[string]string{"security": "low"}},
	}))

	get(t, srv, "dvwa.lab", "/", &http.Cookie{Name: "security", Value: "impossible"}, &http.Cookie{Name: "lang", Value: "en"})

	_, cookies := st.seen()
	assert.Contains(t, cookies, "lang=en")
	assert.Contains(t, cookies, "security=low")
	assert.NotContains(t, cookies, "impossible")
}

func TestProxy_Login(t *testing.T) {
	st := newStand(t)
	srv, _ := startProxy(t, campaignFor(domain.Stand{
		Name: "dvwa",
		Port: st.port(t),
		Cookies: domain.Cookies{Login: &domain.Login{
			URL:  "/login.php",
			Form: map[string]string{"username": "admin", "password": "password"},
		}},
	}))

	get(t, srv, "dvwa.lab", "/index.php")
	_, cookies := st.seen()
	assert.Contains(t, cookies, "PHPSESSID=s3ss10n")
}

func TestProxy_UpstreamDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	srv, out := startProxy(t, campaignFor(domain.Stand{Name: "dvwa", Port: port}))
	code, _ := get(t, srv, "dvwa.lab", "/")
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Len(t, out.Records(t), 1)
}

func TestNewRecord_FormBody(t *testing.T) {
	form := url.Values{"user": {"admin"}, "pass": {"x"}}
	r := httptest.NewRequest(http.MethodPost, "http://dvwa.lab/login.php?next=%2F", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec, err := NewRecord(r)
	require.NoError(t, err)
	require.NotNil(t, rec.PostData)
	assert.Equal(t, "application/x-www-form-urlencoded", rec.PostData.MimeType)
	assert.Equal(t, form.Encode(), rec.PostData.Text)
	assert.Equal(t, []Param{{Name: "pass", Value: "x"}, {Name: "user", Value: "admin"}}, rec.PostData.Params)
	assert.Equal(t, []Param{{Name: "next", Value: "%2F"}}, rec.QueryString)

	again, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	assert.Equal(t, form.Encode(), string(again))
}

func TestNewRecord_Multipart(t *testing.T) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("title", "hello"))
	fw, err := mw.CreateFormFile("upload", "shell.php")
	require.NoError(t, err)
	_, err = fw.Write([]byte("<?php ?>"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, "http://dvwa.lab/upload", bytes.NewReader(body.Bytes()))
	r.Header.Set("Content-Type", mw.FormDataContentType())

	rec, err := NewRecord(r)
	require.NoError(t, err)
	require.NotNil(t, rec.PostData)
	assert.Equal(t, []Param{{Name: "title", Value: "hello"}, {Name: "upload", Value: "<FILE>"}}, rec.PostData.Params)
}

func TestNewRecord_EmptyGet(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://dvwa.lab/", nil)
	rec, err := NewRecord(r)
	require.NoError(t, err)
	assert.Nil(t, rec.PostData)
	assert.Nil(t, rec.QueryString)
}

func TestServe_GracefulShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, ln, http.NotFoundHandler(), testLog())
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
