package web

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/r0bb10/gumball-dispenser/internal/config"
)

type fakeSource struct{}

func (fakeSource) Hostname() string      { return "Gumball_abc" }
func (fakeSource) LocalIP() string       { return "192.168.1.42" }
func (fakeSource) SocketConnected() bool { return true }

type firmware struct {
	path string
	size int64
}

func newTestServer(t *testing.T) (*Server, string, *[]firmware) {
	t.Helper()
	dir := t.TempDir()
	hash, err := bcrypt.GenerateFromPassword([]byte("tw1l10ns"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	var got []firmware
	s := NewServer(
		config.HTTPConfig{StaticDir: dir},
		config.OTAConfig{User: "twilio", PasswordHash: string(hash), ImagePath: filepath.Join(dir, "fw", "image.bin")},
		"1.0.0", fakeSource{},
		func(path string, size int64) { got = append(got, firmware{path, size}) },
	)
	return s, dir, &got
}

func TestStatus(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var st map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"hostname", "version", "ip", "wsConnected", "platform"} {
		if _, ok := st[key]; !ok {
			t.Errorf("status lacks %q: %s", key, rec.Body)
		}
	}
	if st["hostname"] != "Gumball_abc" || st["wsConnected"] != true || st["version"] != "1.0.0" {
		t.Errorf("status = %v", st)
	}
}

func TestIndexAndNotFound(t *testing.T) {
	s, dir, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing index status = %d", rec.Code)
	}

	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>candy</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{"/", "/index.html"} {
		rec = httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || rec.Body.String() != "<h1>candy</h1>" {
			t.Errorf("GET %s = %d %q", path, rec.Code, rec.Body)
		}
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d", rec.Code)
	}
}

func uploadRequest(t *testing.T, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("firmware", "image.bin")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write(content)
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/update", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUpdateRequiresAuth(t *testing.T) {
	s, _, got := newTestServer(t)
	for _, creds := range [][2]string{{"", ""}, {"twilio", "wrong"}, {"admin", "tw1l10ns"}} {
		req := uploadRequest(t, []byte("image"))
		if creds[0] != "" {
			req.SetBasicAuth(creds[0], creds[1])
		}
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("creds %v status = %d", creds, rec.Code)
		}
	}
	if len(*got) != 0 {
		t.Error("firmware callback fired without auth")
	}
}

func TestUpdateStoresImage(t *testing.T) {
	s, dir, got := newTestServer(t)
	req := uploadRequest(t, []byte("new firmware"))
	req.SetBasicAuth("twilio", "tw1l10ns")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body)
	}
	path := filepath.Join(dir, "fw", "image.bin")
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "new firmware" {
		t.Errorf("stored image = %q, %v", data, err)
	}
	if len(*got) != 1 || (*got)[0].path != path || (*got)[0].size != int64(len("new firmware")) {
		t.Errorf("callback = %+v", *got)
	}
}

func TestUpdateDisabledWithoutHash(t *testing.T) {
	s := NewServer(config.HTTPConfig{}, config.OTAConfig{User: "admin"}, "dev", fakeSource{}, nil)
	req := uploadRequest(t, []byte("x"))
	req.SetBasicAuth("admin", "")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", rec.Code)
	}
}

type advertisement struct {
	host string
	port int
	ips  []string
}

func TestStartRetriesAndAdvertisesIdentity(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := busy.Addr().(*net.TCPAddr)

	s := NewServer(config.HTTPConfig{Listen: addr.String()}, config.OTAConfig{}, "1.0.0", fakeSource{}, nil)
	var ads []advertisement
	stopped := 0
	s.advertise = func(host string, port int, ips, _ []string) (func(), error) {
		ads = append(ads, advertisement{host, port, ips})
		return func() { stopped++ }, nil
	}
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	s.Start()
	if len(ads) != 0 {
		t.Fatalf("advertised without a listener: %+v", ads)
	}

	busy.Close()
	s.Start()
	want := []advertisement{{"Gumball_abc", addr.Port, []string{"192.168.1.42"}}}
	if !reflect.DeepEqual(ads, want) {
		t.Fatalf("advertisements = %+v, want %+v", ads, want)
	}

	s.Start()
	if len(ads) != 1 {
		t.Errorf("advertised %d times", len(ads))
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if stopped != 1 {
		t.Errorf("mDNS withdrawn %d times", stopped)
	}
}
