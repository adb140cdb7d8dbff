package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newContext(query string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?"+query, nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec)
}

func TestFromContextDefaults(t *testing.T) {
	p := FromContext(newContext(""))
	if p.Limit != DefaultLimit {
		t.Errorf("limit = %d, want %d", p.Limit, DefaultLimit)
	}
	if p.Offset != 0 {
		t.Errorf("offset = %d, want 0", p.Offset)
	}
}

func TestFromContextClampsLimit(t *testing.T) {
	p := FromContext(newContext("limit=5000"))
	if p.Limit != MaxLimit {
		t.Errorf("limit = %d, want %d", p.Limit, MaxLimit)
	}
}

func TestFromContextParsesValues(t *testing.T) {
	p := FromContext(newContext("limit=30&offset=60"))
	if p.Limit != 30 || p.Offset != 60 {
		t.Errorf("got %+v, want limit=30 offset=60", p)
	}
}

func TestFromContextIgnoresGarbage(t *testing.T) {
	p := FromContext(newContext("limit=abc&offset=-5"))
	if p.Limit != DefaultLimit || p.Offset != 0 {
		t.Errorf("got %+v, want defaults", p)
	}
}

func TestSQL(t *testing.T) {
	p := Params{Limit: 10, Offset: 40}
	if got := p.SQL(); got != "LIMIT 10 OFFSET 40" {
		t.Errorf("SQL() = %q", got)
	}
}

func TestHasMore(t *testing.T) {
	r := NewResponse(nil, 100, 20, 60)
	if !r.HasMore {
		t.Error("expected HasMore for offset 60 of 100")
	}
	r = NewResponse(nil, 100, 20, 80)
	if r.HasMore {
		t.Error("did not expect HasMore on last page")
	}
}
