package webapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lattice-hq/lattice/internal/domain/record"
	"github.com/lattice-hq/lattice/internal/port/source"
	"github.com/lattice-hq/lattice/internal/registry"
)

func noToken(context.Context) (string, error) { return "", nil }

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(map[string]string{}, noToken); err == nil {
		t.Fatal("expected error for missing base_url")
	}
}

func TestListGroupsPagesAndSendsBearer(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/groups" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")

		switch r.URL.Query().Get("page_token") {
		case "":
			writePage(w, `{"groups":[{"id":"g1","name":"Alpha"}],"next_token":"p2"}`)
		case "p2":
			writePage(w, `{"groups":[{"id":"g2","name":"Beta","description":"second"}]}`)
		default:
			t.Errorf("unexpected page token %q", r.URL.Query().Get("page_token"))
		}
	}))
	defer srv.Close()

	src, err := New(map[string]string{"base_url": srv.URL}, func(context.Context) (string, error) {
		return "tok-1", nil
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	page, err := src.ListGroups(ctx, "", 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Groups) != 1 || page.Groups[0].ExternalID != "g1" || page.NextToken != "p2" {
		t.Fatalf("first page = %+v", page)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("auth header = %q", gotAuth)
	}

	page, err = src.ListGroups(ctx, "p2", 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Groups) != 1 || page.Groups[0].Name != "Beta" || page.NextToken != "" {
		t.Fatalf("second page = %+v", page)
	}
}

func TestListRecordsExpandsGroupPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/groups/g1/records" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("limit") != "25" {
			t.Errorf("limit = %s", r.URL.Query().Get("limit"))
		}
		writePage(w, `{"records":[{"id":"r1","title":"Doc","content":"body","revision":"v3"}]}`)
	}))
	defer srv.Close()

	src, err := New(map[string]string{"base_url": srv.URL}, noToken)
	if err != nil {
		t.Fatal(err)
	}

	page, err := src.ListRecords(context.Background(), "g1", "", 25)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Records) != 1 {
		t.Fatalf("got %d records", len(page.Records))
	}
	rec := page.Records[0]
	if rec.ExternalID != "r1" || rec.Title != "Doc" || rec.Revision != "v3" {
		t.Errorf("record = %+v", rec)
	}
}

func TestListPermissionsMapsKinds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writePage(w, `{"permissions":[
			{"subject":"amy@example.com","kind":"editor"},
			{"subject":"bob@example.com","kind":"admin"},
			{"subject":"eve@example.com","kind":"viewer"}]}`)
	}))
	defer srv.Close()

	src, err := New(map[string]string{"base_url": srv.URL}, noToken)
	if err != nil {
		t.Fatal(err)
	}

	page, err := src.ListPermissions(context.Background(), "r1", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []record.PermissionKind{record.PermissionWrite, record.PermissionOwner, record.PermissionRead}
	if len(page.Permissions) != len(want) {
		t.Fatalf("got %d permissions", len(page.Permissions))
	}
	for i, p := range page.Permissions {
		if p.Kind != want[i] {
			t.Errorf("permission %d kind = %s, want %s", i, p.Kind, want[i])
		}
	}
}

func TestListSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	src, err := New(map[string]string{"base_url": srv.URL}, noToken)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := src.ListGroups(context.Background(), "", 10); err == nil {
		t.Fatal("expected error for 403 response")
	}
}

func TestTokenErrorAbortsRequest(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	defer srv.Close()

	src, err := New(map[string]string{"base_url": srv.URL}, func(context.Context) (string, error) {
		return "", fmt.Errorf("token expired")
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := src.ListGroups(context.Background(), "", 10); err == nil {
		t.Fatal("expected token error")
	}
	if called {
		t.Error("request was sent despite token failure")
	}
}

func TestRegister(t *testing.T) {
	reg := registry.New[source.Factory]()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}

	factory, ok := reg.Get(SourceType)
	if !ok {
		t.Fatal("factory not registered")
	}
	src, err := factory(map[string]string{"base_url": "http://example.test"}, noToken)
	if err != nil {
		t.Fatal(err)
	}
	if src.Name() != SourceType {
		t.Errorf("name = %s", src.Name())
	}
}

func writePage(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

var _ source.Source = (*Source)(nil)
