package media

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/trailbook/trailbook/internal/remote"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		BaseURL: srv.URL,
		Token:   remote.StaticToken("tok-123"),
		Logger:  log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c, srv
}

func TestUploadRoundTrip(t *testing.T) {
	var uploaded []byte
	var presignAuth, grantHeader string

	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/api/v1/media/presign-upload", func(w http.ResponseWriter, r *http.Request) {
		presignAuth = r.Header.Get("Authorization")
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["content_type"] != "image/jpeg" {
			t.Errorf("content_type = %q", body["content_type"])
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Presigned{
			ObjectName: "obj-1.jpg",
			URL:        srv.URL + "/bucket/obj-1.jpg",
			Headers:    map[string]string{"X-Grant": "g-1"},
			ExpiresAt:  time.Now().Add(time.Minute),
		})
	})
	mux.HandleFunc("/bucket/obj-1.jpg", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("transfer method = %s, want PUT", r.Method)
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("transfer request must not carry the API credential")
		}
		grantHeader = r.Header.Get("X-Grant")
		uploaded, _ = io.ReadAll(r.Body)
	})

	c, s := testClient(t, mux)
	srv = s

	ctx := context.Background()
	grant, err := c.PresignUpload(ctx, "image/jpeg")
	if err != nil {
		t.Fatalf("PresignUpload failed: %v", err)
	}
	if grant.ObjectName != "obj-1.jpg" {
		t.Errorf("ObjectName = %q", grant.ObjectName)
	}
	if presignAuth != "Bearer tok-123" {
		t.Errorf("presign Authorization = %q, want bearer token", presignAuth)
	}

	if err := c.Upload(ctx, grant, strings.NewReader("jpeg bytes")); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if string(uploaded) != "jpeg bytes" {
		t.Errorf("uploaded %q", uploaded)
	}
	if grantHeader != "g-1" {
		t.Errorf("grant header = %q, want forwarded verbatim", grantHeader)
	}
}

func TestDownloadRoundTrip(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/api/v1/media/presign-download", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["object_name"] != "obj-2.gpx" {
			t.Errorf("object_name = %q", body["object_name"])
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Presigned{
			ObjectName: "obj-2.gpx",
			URL:        srv.URL + "/bucket/obj-2.gpx",
		})
	})
	mux.HandleFunc("/bucket/obj-2.gpx", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<gpx/>"))
	})

	c, s := testClient(t, mux)
	srv = s

	ctx := context.Background()
	grant, err := c.PresignDownload(ctx, "obj-2.gpx")
	if err != nil {
		t.Fatalf("PresignDownload failed: %v", err)
	}
	content, err := c.Download(ctx, grant)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if string(content) != "<gpx/>" {
		t.Errorf("content = %q", content)
	}
}

func TestPresignRejectsIncompleteGrant(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Presigned{ObjectName: "obj-3"})
	}))

	if _, err := c.PresignUpload(context.Background(), "image/png"); err == nil {
		t.Error("expected error for a grant without a URL")
	}
}

func TestRemoveToleratesUnknownObject(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	if err := c.Remove(context.Background(), "obj-gone"); err != nil {
		t.Errorf("Remove of unknown object = %v, want nil", err)
	}
}
