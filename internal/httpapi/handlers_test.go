package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"voice-campaigns/internal/auth"
	"voice-campaigns/internal/campaign"
	"voice-campaigns/internal/telephony"

	"github.com/gin-gonic/gin"
)

type testAPI struct {
	router   *gin.Engine
	repo     *campaign.MemoryRepo
	provider *telephony.SimulatedProvider
}

func newTestAPI(t *testing.T, workspaceID string) *testAPI {
	return newTestAPIWithRepo(t, workspaceID, campaign.NewMemoryRepo())
}

func newTestAPIWithRepo(t *testing.T, workspaceID string, repo *campaign.MemoryRepo) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	provider := telephony.NewSimulatedProvider()
	defaults := campaign.DispatchConfig{
		ConcurrencyLimit: 10,
		ChunkSize:        10,
		MaxAttempts:      3,
		CallTimeout:      time.Second,
		LeaseTTL:         time.Minute,
		PhoneNumberID:    "pn-1",
	}
	h := Handlers{
		Campaigns: campaign.NewService(repo, provider, nil, nil, campaign.ServiceConfig{Defaults: defaults, PhoneRegion: "US"}),
		Processor: campaign.NewProcessor(repo, campaign.NewDispatcher(provider, nil)),
	}

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if workspaceID != "" {
			ctx := auth.WithIdentity(c.Request.Context(), "u-1", workspaceID, "owner")
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}, ClientIP())

	v1 := r.Group("/v1/campaigns")
	v1.POST("", h.CreateCampaign)
	v1.GET("/:id", h.GetCampaign)
	v1.DELETE("/:id", h.DeleteCampaign)
	v1.POST("/:id/recipients", h.ImportRecipients)
	v1.POST("/:id/start", h.StartCampaign)
	v1.POST("/:id/pause", h.PauseCampaign)
	v1.POST("/:id/resume", h.ResumeCampaign)
	v1.POST("/:id/terminate", h.TerminateCampaign)
	v1.GET("/:id/progress", h.Progress)
	v1.POST("/:id/queue/reinitialize", h.ReinitializeQueue)
	r.POST("/internal/campaigns/:id/process-chunk", h.ProcessChunk)

	return &testAPI{router: r, repo: repo, provider: provider}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func (a *testAPI) createCampaign(t *testing.T) campaign.Campaign {
	t.Helper()
	w := a.do(t, http.MethodPost, "/v1/campaigns", gin.H{"name": "winback", "agent_id": "agent-1", "agent_external_id": "asst-1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decode[campaign.Campaign](t, w)
}

func TestCampaignLifecycle_OverHTTP(t *testing.T) {
	api := newTestAPI(t, "ws-1")
	c := api.createCampaign(t)
	base := "/v1/campaigns/" + c.ID

	recipients := []gin.H{
		{"phone_number": "(650) 253-0000"},
		{"phone_number": "+16502530001"},
		{"phone_number": "+16502530001"},
		{"phone_number": "not a number"},
	}
	w := api.do(t, http.MethodPost, base+"/recipients", gin.H{"recipients": recipients})
	if w.Code != http.StatusOK {
		t.Fatalf("import: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	rep := decode[campaign.ImportReport](t, w)
	if rep.Imported != 2 || rep.Duplicates != 1 || len(rep.Invalid) != 1 {
		t.Fatalf("unexpected import report: %+v", rep)
	}

	if w := api.do(t, http.MethodPost, base+"/start", nil); w.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := api.do(t, http.MethodPost, base+"/start", nil); w.Code != http.StatusConflict {
		t.Fatalf("second start: expected 409, got %d", w.Code)
	}

	w = api.do(t, http.MethodPost, "/internal/campaigns/"+c.ID+"/process-chunk", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("process: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[campaign.ChunkResponse](t, w)
	if resp.HasMore || resp.StopReason != campaign.StopCompleted || resp.Chunk == nil || resp.Chunk.Initiated != 2 {
		t.Fatalf("unexpected chunk response: %+v", resp)
	}

	w = api.do(t, http.MethodGet, base+"/progress", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("progress: expected 200, got %d", w.Code)
	}
	prog := decode[campaign.Progress](t, w)
	if prog.Campaign.Status != campaign.StatusCompleted || prog.Stats.InProgress != 2 {
		t.Fatalf("unexpected progress: %+v", prog)
	}
}

func TestCreateCampaign_Validation(t *testing.T) {
	api := newTestAPI(t, "ws-1")
	if w := api.do(t, http.MethodPost, "/v1/campaigns", gin.H{"name": "x"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing agent, got %d", w.Code)
	}
	body := gin.H{
		"name": "x", "agent_id": "a", "agent_external_id": "b",
		"settings": gin.H{"business_hours": gin.H{"timezone": "UTC", "schedule": gin.H{"funday": []gin.H{{"start": "09:00", "end": "17:00"}}}}},
	}
	if w := api.do(t, http.MethodPost, "/v1/campaigns", body); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad schedule, got %d: %s", w.Code, w.Body.String())
	}
}

func TestStart_WithoutRecipientsConflicts(t *testing.T) {
	api := newTestAPI(t, "ws-1")
	c := api.createCampaign(t)
	if w := api.do(t, http.MethodPost, "/v1/campaigns/"+c.ID+"/start", nil); w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestPauseResumeTerminate(t *testing.T) {
	api := newTestAPI(t, "ws-1")
	c := api.createCampaign(t)
	base := "/v1/campaigns/" + c.ID

	rs := make([]gin.H, 5)
	for i := range rs {
		rs[i] = gin.H{"phone_number": fmt.Sprintf("+1650253%04d", i)}
	}
	api.do(t, http.MethodPost, base+"/recipients", gin.H{"recipients": rs})
	api.do(t, http.MethodPost, base+"/start", nil)

	for _, step := range []struct {
		action string
		want   campaign.Status
	}{
		{"pause", campaign.StatusPaused},
		{"resume", campaign.StatusActive},
		{"terminate", campaign.StatusCancelled},
	} {
		w := api.do(t, http.MethodPost, base+"/"+step.action, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", step.action, w.Code, w.Body.String())
		}
		if got := decode[campaign.Campaign](t, w); got.Status != step.want {
			t.Fatalf("%s: expected %s, got %s", step.action, step.want, got.Status)
		}
	}

	if w := api.do(t, http.MethodPost, "/internal/campaigns/"+c.ID+"/process-chunk", nil); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for stopped queue, got %d", w.Code)
	}
	if len(api.provider.Calls()) != 0 {
		t.Fatalf("expected no calls after termination")
	}
}

func TestReinitializeQueue_RequiresFailedQueue(t *testing.T) {
	api := newTestAPI(t, "ws-1")
	c := api.createCampaign(t)
	if w := api.do(t, http.MethodPost, "/v1/campaigns/"+c.ID+"/queue/reinitialize", nil); w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestWorkspaceIsolation(t *testing.T) {
	api := newTestAPI(t, "ws-1")
	c := api.createCampaign(t)

	other := newTestAPIWithRepo(t, "ws-2", api.repo)
	if w := api.do(t, http.MethodGet, "/v1/campaigns/"+c.ID, nil); w.Code != http.StatusOK {
		t.Fatalf("owner: expected 200, got %d", w.Code)
	}
	if w := other.do(t, http.MethodGet, "/v1/campaigns/"+c.ID, nil); w.Code != http.StatusNotFound {
		t.Fatalf("other workspace: expected 404, got %d", w.Code)
	}
	if w := other.do(t, http.MethodPost, "/v1/campaigns/"+c.ID+"/start", nil); w.Code != http.StatusNotFound {
		t.Fatalf("other workspace start: expected 404, got %d", w.Code)
	}
	if w := api.do(t, http.MethodGet, "/v1/campaigns/missing", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestMissingWorkspace(t *testing.T) {
	api := newTestAPI(t, "")
	if w := api.do(t, http.MethodGet, "/v1/campaigns/x", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestDeleteCampaign(t *testing.T) {
	api := newTestAPI(t, "ws-1")
	c := api.createCampaign(t)
	if w := api.do(t, http.MethodDelete, "/v1/campaigns/"+c.ID, nil); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w := api.do(t, http.MethodGet, "/v1/campaigns/"+c.ID, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", w.Code)
	}
}

func TestImportRecipients_RejectsEmptyBody(t *testing.T) {
	api := newTestAPI(t, "ws-1")
	c := api.createCampaign(t)
	if w := api.do(t, http.MethodPost, "/v1/campaigns/"+c.ID+"/recipients", gin.H{"recipients": []gin.H{}}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
