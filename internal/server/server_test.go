package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/eventlog"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	cfg := config.Default("gateline")
	e, err := engine.New(eventlog.NewMemStore(), cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret, DevLogin: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, actor string, roles ...string) map[string]string {
	t.Helper()
	tok, err := SignToken(testSecret, actor, roles, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + tok}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func storyDef(seq int, paths ...string) domain.StoryDefinition {
	return domain.StoryDefinition{
		Epic:       "AUTH",
		Type:       "FEAT",
		Sequence:   seq,
		Title:      "login",
		Wave:       1,
		Priority:   1,
		AgentClass: "backend",
		OwnedPaths: paths,
		Criteria: []domain.AcceptanceCriterion{
			{ID: "AC-1", Trigger: "given a user", Behavior: "they can log in"},
		},
	}
}

func passingChecklist(t *testing.T, e *engine.Engine, gate int) map[string]domain.CheckResult {
	t.Helper()
	g, ok := e.Gates.Gate(gate)
	if !ok {
		t.Fatalf("unknown gate %d", gate)
	}
	out := map[string]domain.CheckResult{}
	for _, item := range g.Items {
		res := domain.CheckResult{Pass: true}
		if item.MinScore != nil {
			v := *item.MinScore
			res.Score = &v
		}
		out[item.Name] = res
	}
	return out
}

func TestStoryLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	pm := bearer(t, "pm", RoleApprover)
	agent := bearer(t, "agent-1", RoleAgent)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/stories", map[string]any{
		"stories": []domain.StoryDefinition{storyDef(1, "/svc/login.go")},
	}, pm)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create stories status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/waves/1/launch", nil, pm)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("launch status %d: %s", res.StatusCode, string(data))
	}
	var launched PlanResponse
	if err := json.Unmarshal(data, &launched); err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}
	if len(launched.Phases) != 1 || launched.Phases[0].Stories[0] != "AUTH-FEAT-001" {
		t.Fatalf("unexpected plan %+v", launched)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/dispatch", map[string]any{"agent_class": "backend"}, agent)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dispatch status %d: %s", res.StatusCode, string(data))
	}
	var assignment engine.Assignment
	if err := json.Unmarshal(data, &assignment); err != nil {
		t.Fatalf("unmarshal assignment: %v", err)
	}
	if assignment.Story == nil || assignment.Story.ID != "AUTH-FEAT-001" {
		t.Fatalf("expected AUTH-FEAT-001 dispatched, got %s", string(data))
	}

	for gate := 0; gate <= domain.GateMerge; gate++ {
		s, err := srv.Engine.Story(context.Background(), "AUTH-FEAT-001")
		if err != nil {
			t.Fatalf("story: %v", err)
		}
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/stories/AUTH-FEAT-001/reports", map[string]any{
			"gate":      s.Gate,
			"attempt":   s.Attempt,
			"checklist": passingChecklist(t, srv.Engine, s.Gate),
			"criteria":  []string{"AC-1"},
		}, agent)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("report gate %d status %d: %s", s.Gate, res.StatusCode, string(data))
		}
		var v engine.Verdict
		if err := json.Unmarshal(data, &v); err != nil {
			t.Fatalf("unmarshal verdict: %v", err)
		}
		if v.Outcome != domain.OutcomePass {
			t.Fatalf("gate %d failed: %v", s.Gate, v.Reasons)
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status?scope=story&id=AUTH-FEAT-001", nil, pm)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var rep engine.StatusReport
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if len(rep.Stories) != 1 || rep.Stories[0].Status != domain.StatusComplete {
		t.Fatalf("expected complete story, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?kind=gate_result&limit=3", nil, pm)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 3 || page.NextCursor == "" {
		t.Fatalf("expected a full page with cursor, got %s", string(data))
	}
	if page.Items[0].Seq <= page.Items[1].Seq {
		t.Fatalf("expected newest first, got %d then %d", page.Items[0].Seq, page.Items[1].Seq)
	}
}

func TestAuthErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/stories", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/stories", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/waves/1/launch", nil, bearer(t, "agent-1", RoleAgent))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for agent launching a wave, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "dev", "roles": []string{RoleApprover}}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"actor_id":"dev"`) {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
}

func TestErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	pm := bearer(t, "pm", RoleApprover)
	agent := bearer(t, "agent-1", RoleAgent)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/stories/AUTH-FEAT-404", nil, pm)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected 404 not_found, got %d: %s", res.StatusCode, string(data))
	}

	bad := storyDef(1)
	bad.Criteria = nil
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/stories", map[string]any{"stories": []domain.StoryDefinition{bad}}, pm)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for story without criteria, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/stories", map[string]any{
		"stories": []domain.StoryDefinition{storyDef(1, "/svc/a.go")},
	}, pm)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	if res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/waves/1/launch", nil, pm); res.StatusCode != http.StatusOK {
		t.Fatalf("launch status %d: %s", res.StatusCode, string(data))
	}
	if res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/dispatch", map[string]any{"agent_class": "backend"}, agent); res.StatusCode != http.StatusOK {
		t.Fatalf("dispatch status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/anomalies", map[string]any{
		"story_id": "AUTH-FEAT-001", "class": "security", "severity": "critical", "description": "token leak",
	}, agent)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("anomaly status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/stories/AUTH-FEAT-001/attempts", nil, agent)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "escalation_required" {
		t.Fatalf("expected 409 escalation_required, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/escalations?open=true", nil, pm)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("escalations status %d: %s", res.StatusCode, string(data))
	}
	var escs EscalationsResponse
	if err := json.Unmarshal(data, &escs); err != nil {
		t.Fatalf("unmarshal escalations: %v", err)
	}
	if len(escs.Items) == 0 {
		t.Fatalf("expected an open escalation")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/escalations/"+escs.Items[0].ID+"/resolve", map[string]any{"decision": "resume"}, agent)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for agent resolving, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/escalations/"+escs.Items[0].ID+"/resolve", map[string]any{"decision": "resume"}, pm)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil, pm)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d: %s", res.StatusCode, string(data))
	}
}

func TestIrreversibleRollbackConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	pm := bearer(t, "pm", RoleApprover)

	def := storyDef(1, "/db/migrations/0002.sql")
	def.DataImpact = domain.DataImpactIrreversible
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/stories", map[string]any{"stories": []domain.StoryDefinition{def}}, pm); res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/stories/AUTH-FEAT-001/rollback", map[string]any{"reason": "bad migration"}, pm)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "irreversible_rollback" {
		t.Fatalf("expected 409 irreversible_rollback, got %d: %s", res.StatusCode, string(data))
	}
}

func TestReplanAfterRollback(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	pm := bearer(t, "pm", RoleApprover)

	first := storyDef(1, "/svc/a.go")
	first.DataImpact = domain.DataImpactReversible
	second := storyDef(2, "/svc/b.go")
	second.BlockedBy = []string{"AUTH-FEAT-001"}
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/stories", map[string]any{"stories": []domain.StoryDefinition{first, second}}, pm); res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/waves/1/launch", nil, pm); res.StatusCode != http.StatusOK {
		t.Fatalf("launch status %d: %s", res.StatusCode, string(data))
	}
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/stories/AUTH-FEAT-001/rollback", map[string]any{"reason": "wrong approach"}, pm); res.StatusCode != http.StatusOK {
		t.Fatalf("rollback status %d: %s", res.StatusCode, string(data))
	}

	body := map[string]any{
		"stories":    []domain.StoryDefinition{storyDef(3, "/svc/a.go")},
		"blocked_by": map[string][]string{"AUTH-FEAT-002": {"AUTH-FEAT-003"}},
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/waves/1/replan", body, bearer(t, "agent-1", RoleAgent))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for agent replan, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/waves/1/replan", body, pm)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("replan status %d: %s", res.StatusCode, string(data))
	}
	var out ReplanResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode replan: %v", err)
	}
	if len(out.Released) != 1 || out.Released[0] != "AUTH-FEAT-002" {
		t.Fatalf("expected AUTH-FEAT-002 released, got %v", out.Released)
	}
	if len(out.Created) != 1 || out.Created[0] != "AUTH-FEAT-003" {
		t.Fatalf("expected AUTH-FEAT-003 created, got %v", out.Created)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/waves/1/replan", body, pm)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "configuration_error" {
		t.Fatalf("expected 400 configuration_error on repeated replan, got %d: %s", res.StatusCode, string(data))
	}
}

func TestOpenAPIHasBearerScheme(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	if !strings.Contains(string(data), `"bearerAuth"`) {
		t.Fatalf("expected bearerAuth security scheme")
	}
	paths, _ := doc["paths"].(map[string]any)
	for _, p := range []string{"/v0/dispatch", "/v0/stories/{story_id}/reports", "/v0/escalations/{escalation_id}/resolve"} {
		if _, ok := paths[p]; !ok {
			t.Fatalf("expected path %s in openapi", p)
		}
	}
}

func TestEventStream(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	tok, err := SignToken(testSecret, "watcher", []string{RoleApprover}, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/events/stream?after=0&kinds=story_created&access_token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	if _, err := srv.Engine.CreateStories(context.Background(), []domain.StoryDefinition{storyDef(1), storyDef(2)}, "pm"); err != nil {
		t.Fatalf("create stories: %v", err)
	}

	var got []string
	for len(got) < 2 {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var evt EventResponse
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("read websocket: %v", err)
		}
		if evt.Kind != string(domain.KindStoryCreated) {
			t.Fatalf("unexpected kind %s", evt.Kind)
		}
		got = append(got, evt.StoryID)
	}
	if got[0] != "AUTH-FEAT-001" || got[1] != "AUTH-FEAT-002" {
		t.Fatalf("unexpected stream order %v", got)
	}
}

func TestEventStreamRequiresAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/events/stream"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected dial to fail without credentials")
	}
	if res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %v", res)
	}
}
