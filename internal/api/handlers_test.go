package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/labring/sealos-tty-agent/internal/config"
	"github.com/labring/sealos-tty-agent/internal/gateway"
	"github.com/labring/sealos-tty-agent/internal/ticket"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestHandlers(mutate func(*config.Config)) (*Handlers, *ticket.Store) {
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	tickets := ticket.NewStore(cfg.TicketTTL(), logger)
	gw := gateway.New(cfg, logger, nil, tickets)
	return NewHandlers(cfg, logger, tickets, nil, gw), tickets
}

func doRequest(h *Handlers, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("bad body %q: %v", w.Body.String(), err)
	}
	return m
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandlers(nil)
	w := doRequest(h, http.MethodGet, "/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["name"] != "sealos-tty-agent" || body["ok"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestCreateTicket(t *testing.T) {
	h, tickets := newTestHandlers(nil)
	w := doRequest(h, http.MethodPost, "/ws-ticket",
		`{"kubeconfig":"apiVersion: v1","namespace":"default","pod":"p","container":"c"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["ok"] != true {
		t.Fatalf("body = %v", body)
	}
	id, _ := body["ticket"].(string)
	if id == "" {
		t.Fatal("no ticket in response")
	}
	if _, ok := body["expiresAt"].(float64); !ok {
		t.Errorf("expiresAt missing: %v", body)
	}

	kubeconfig, target, err := tickets.Consume(id, ticket.Meta{})
	if err != nil {
		t.Fatalf("issued ticket not consumable: %v", err)
	}
	if kubeconfig != "apiVersion: v1" {
		t.Errorf("kubeconfig = %q", kubeconfig)
	}
	if target.Namespace != "default" || target.Pod != "p" || target.Container != "c" {
		t.Errorf("target = %+v", target)
	}
}

func TestCreateTicketWithCommand(t *testing.T) {
	h, tickets := newTestHandlers(nil)
	w := doRequest(h, http.MethodPost, "/ws-ticket",
		`{"kubeconfig":"kc","namespace":"ns","pod":"p","command":["/bin/busybox","sh"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	id := decodeBody(t, w)["ticket"].(string)
	_, target, err := tickets.Consume(id, ticket.Meta{})
	if err != nil {
		t.Fatal(err)
	}
	if len(target.Command) != 2 || target.Command[0] != "/bin/busybox" {
		t.Errorf("command = %v", target.Command)
	}
}

func TestCreateTicketValidation(t *testing.T) {
	h, _ := newTestHandlers(nil)
	cases := map[string]string{
		"missing kubeconfig": `{"namespace":"ns","pod":"p"}`,
		"blank kubeconfig":   `{"kubeconfig":"   ","namespace":"ns","pod":"p"}`,
		"missing namespace":  `{"kubeconfig":"kc","pod":"p"}`,
		"missing pod":        `{"kubeconfig":"kc","namespace":"ns"}`,
		"blank pod":          `{"kubeconfig":"kc","namespace":"ns","pod":"  "}`,
		"blank container":    `{"kubeconfig":"kc","namespace":"ns","pod":"p","container":" "}`,
		"empty command":      `{"kubeconfig":"kc","namespace":"ns","pod":"p","command":[]}`,
		"blank command arg":  `{"kubeconfig":"kc","namespace":"ns","pod":"p","command":["sh",""]}`,
		"unknown field":      `{"kubeconfig":"kc","namespace":"ns","pod":"p","shell":"zsh"}`,
		"not json":           `kubeconfig=kc`,
	}
	for name, body := range cases {
		w := doRequest(h, http.MethodPost, "/ws-ticket", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, body = %s", name, w.Code, w.Body.String())
			continue
		}
		resp := decodeBody(t, w)
		if resp["ok"] != false {
			t.Errorf("%s: body = %v", name, resp)
		}
	}
}

func TestCreateTicketKubeconfigTooLarge(t *testing.T) {
	h, _ := newTestHandlers(func(cfg *config.Config) { cfg.WsTicketMaxKubeconfigBytes = 64 })

	kubeconfig := strings.Repeat("a", 65)
	body := `{"kubeconfig":"` + kubeconfig + `","namespace":"ns","pod":"p"}`
	w := doRequest(h, http.MethodPost, "/ws-ticket", body)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", w.Code)
	}
	if decodeBody(t, w)["error"] != "kubeconfig too large." {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestCreateTicketBodyTooLarge(t *testing.T) {
	h, _ := newTestHandlers(func(cfg *config.Config) { cfg.WsTicketMaxKubeconfigBytes = 64 })

	// Exceed limit + the 16 KiB envelope margin.
	filler := strings.Repeat("a", 64+bodyMargin)
	body := `{"kubeconfig":"` + filler + `","namespace":"ns","pod":"p"}`
	w := doRequest(h, http.MethodPost, "/ws-ticket", body)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", w.Code)
	}
	if decodeBody(t, w)["error"] != "Payload too large." {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestOptionsCORS(t *testing.T) {
	h, _ := newTestHandlers(nil)
	w := doRequest(h, http.MethodOptions, "/ws-ticket", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	headers := w.Header()
	if headers.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("allow-origin = %q", headers.Get("Access-Control-Allow-Origin"))
	}
	if headers.Get("Access-Control-Allow-Methods") != "GET,POST,OPTIONS" {
		t.Errorf("allow-methods = %q", headers.Get("Access-Control-Allow-Methods"))
	}
	if headers.Get("Access-Control-Allow-Headers") != "content-type" {
		t.Errorf("allow-headers = %q", headers.Get("Access-Control-Allow-Headers"))
	}
	if headers.Get("Access-Control-Max-Age") != "600" {
		t.Errorf("max-age = %q", headers.Get("Access-Control-Max-Age"))
	}
}

func TestCORSHeadersOnPost(t *testing.T) {
	h, _ := newTestHandlers(nil)
	w := doRequest(h, http.MethodGet, "/", "")
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS headers missing on plain requests")
	}
}
