package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(t *testing.T, target string) Params {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	return FromContext(e.NewContext(req, rec))
}

func TestFromContext_Defaults(t *testing.T) {
	p := paramsFor(t, "/")
	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p := paramsFor(t, "/?limit=50&offset=10")
	if p.Limit != 50 {
		t.Errorf("expected limit 50, got %d", p.Limit)
	}
	if p.Offset != 10 {
		t.Errorf("expected offset 10, got %d", p.Offset)
	}
}

func TestFromContext_MaxLimit(t *testing.T) {
	p := paramsFor(t, "/?limit=500")
	if p.Limit != MaxLimit {
		t.Errorf("expected limit capped at %d, got %d", MaxLimit, p.Limit)
	}
}

func TestFromContext_NegativeOffset(t *testing.T) {
	p := paramsFor(t, "/?offset=-5")
	if p.Offset != 0 {
		t.Errorf("expected offset clamped to 0, got %d", p.Offset)
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]string{"a", "b"}, 25, 10, 0)
	if resp.Total != 25 || resp.Limit != 10 || resp.Offset != 0 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if !resp.HasMore {
		t.Error("expected HasMore with 25 total and first page of 10")
	}

	last := NewResponse([]string{"a"}, 25, 10, 20)
	if last.HasMore {
		t.Error("expected HasMore false on last page")
	}
}

func TestOffsetNavigation(t *testing.T) {
	p := Params{Limit: 10, Offset: 20}
	if !p.HasNext(31) {
		t.Error("expected HasNext with more rows remaining")
	}
	if p.HasNext(30) {
		t.Error("expected no next page at the end")
	}
	if got := p.NextOffset(); got != 30 {
		t.Errorf("NextOffset = %d, want 30", got)
	}
	if got := p.PreviousOffset(); got != 10 {
		t.Errorf("PreviousOffset = %d, want 10", got)
	}
	if got := (Params{Limit: 10, Offset: 5}).PreviousOffset(); got != 0 {
		t.Errorf("PreviousOffset should clamp at 0, got %d", got)
	}
}
