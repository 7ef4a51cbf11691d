package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newTestRouter(t *testing.T) (*gin.Engine, *MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore(100)
	detector := NewDetector(DefaultConfig(), store, slog.Default())
	handler := NewHandler(detector, store)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	return r, store
}

type eventsPage struct {
	Events     []*ThreatEvent `json:"events"`
	Count      int            `json:"count"`
	NextCursor string         `json:"next_cursor"`
	HasMore    bool           `json:"has_more"`
}

func getEventsPage(t *testing.T, r *gin.Engine, rawQuery string) eventsPage {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/security/events?"+rawQuery, nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var page eventsPage
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return page
}

func TestListEventsPagination(t *testing.T) {
	r, store := newTestRouter(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		event := &ThreatEvent{
			ID:        fmt.Sprintf("evt_page_%d", i),
			Source:    "api-client-1",
			Type:      ThreatAPIAbuse,
			Level:     LevelMedium,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.SaveEvent(context.Background(), event); err != nil {
			t.Fatal(err)
		}
	}

	first := getEventsPage(t, r, "limit=2")
	if first.Count != 2 || !first.HasMore || first.NextCursor == "" {
		t.Fatalf("unexpected first page: %+v", first)
	}
	if first.Events[0].ID != "evt_page_4" {
		t.Errorf("expected newest first, got %s", first.Events[0].ID)
	}

	second := getEventsPage(t, r, "limit=2&cursor="+url.QueryEscape(first.NextCursor))
	if second.Count != 2 || !second.HasMore {
		t.Fatalf("unexpected second page: %+v", second)
	}
	if second.Events[0].ID != "evt_page_2" {
		t.Errorf("expected continuation after cursor, got %s", second.Events[0].ID)
	}

	last := getEventsPage(t, r, "limit=2&cursor="+url.QueryEscape(second.NextCursor))
	if last.Count != 1 || last.HasMore || last.NextCursor != "" {
		t.Fatalf("unexpected last page: %+v", last)
	}
	if last.Events[0].ID != "evt_page_0" {
		t.Errorf("expected oldest event last, got %s", last.Events[0].ID)
	}
}

func TestListEventsRejectsBadCursor(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/security/events?cursor=%25%25not-base64", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad cursor, got %d", w.Code)
	}
}
