package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/backup-keeper/internal/api"
)

func withTmpConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("BK_TOKEN", "")
	t.Setenv("BK_URL", "")
	t.Setenv("BK_CREDENTIAL", "")
	return filepath.Join(dir, "backup-keeper")
}

func mintJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), args, &out, io.Discard)
	return out.String(), err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func Test_cfgDir_And_Paths(t *testing.T) {
	base := withTmpConfig(t)
	if got := cfgDir(); got != base {
		t.Fatalf("cfgDir=%q, want %q", got, base)
	}
	if !strings.HasPrefix(tokenPath(), base) || !strings.HasSuffix(tokenPath(), "token.json") {
		t.Fatalf("tokenPath unexpected: %s", tokenPath())
	}
}

func Test_token_SaveLoad(t *testing.T) {
	_ = withTmpConfig(t)

	if _, err := loadToken(); err == nil {
		t.Fatalf("expected error when token file missing")
	}
	if err := saveToken("tok", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("saveToken: %v", err)
	}
	tok, err := loadToken()
	if err != nil || tok != "tok" {
		t.Fatalf("loadToken: tok=%q err=%v", tok, err)
	}
	fi, err := os.Stat(tokenPath())
	if err != nil || fi.Mode().Perm() != 0o600 {
		t.Fatalf("token file mode: %v %v", fi, err)
	}
	if err := saveToken("tok2", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("saveToken expired: %v", err)
	}
	if _, err := loadToken(); err == nil {
		t.Fatalf("want error for expired token")
	}
}

func Test_callerToken_EnvWins(t *testing.T) {
	_ = withTmpConfig(t)
	if err := saveToken("saved", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("saveToken: %v", err)
	}
	t.Setenv("BK_TOKEN", "from-env")
	tok, err := callerToken()
	if err != nil || tok != "from-env" {
		t.Fatalf("callerToken: %q %v", tok, err)
	}
}

func Test_tokenExpiry(t *testing.T) {
	t.Parallel()

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	got, err := tokenExpiry(mintJWT(t, exp))
	if err != nil || !got.Equal(exp) {
		t.Fatalf("tokenExpiry: %v %v, want %v", got, err, exp)
	}
	if _, err := tokenExpiry("not-a-jwt"); err == nil {
		t.Fatalf("want error for malformed token")
	}
}

func Test_loadTLS_Variants(t *testing.T) {
	t.Parallel()

	tc, err := loadTLS("", true)
	if err != nil || tc == nil || !tc.InsecureSkipVerify {
		t.Fatalf("insecure: %v %v", tc, err)
	}

	tc, err = loadTLS("", false)
	if err != nil || tc != nil {
		t.Fatalf("default tls should use system roots: %v %v", tc, err)
	}

	tmp := filepath.Join(t.TempDir(), "bad.pem")
	_ = os.WriteFile(tmp, []byte("not pem"), 0o600)
	tc, err = loadTLS(tmp, false)
	if err == nil || tc != nil {
		t.Fatalf("bad CA should error, got tc=%v err=%v", tc, err)
	}

	hc, err := httpClient("", false)
	if err != nil || hc.Timeout != 0 {
		t.Fatalf("httpClient: %v %v", hc, err)
	}
}

func Test_run_UsageAndVersion(t *testing.T) {
	_ = withTmpConfig(t)

	if _, err := runCLI(t); !errors.Is(err, errUsage) {
		t.Fatalf("no args: %v", err)
	}
	if _, err := runCLI(t, "frobnicate"); !errors.Is(err, errUsage) {
		t.Fatalf("unknown cmd: %v", err)
	}
	out, err := runCLI(t, "version")
	if err != nil || !strings.HasPrefix(out, "bk dev") {
		t.Fatalf("version: %q %v", out, err)
	}
	if _, err := runCLI(t, "list"); err == nil || !strings.Contains(err.Error(), "bk login") {
		t.Fatalf("list without token: %v", err)
	}
	if _, err := runCLI(t, "upload", "-db", "x"); err == nil {
		t.Fatalf("upload without -file must fail")
	}
}

func Test_login_ThenList(t *testing.T) {
	_ = withTmpConfig(t)
	tok := mintJWT(t, time.Now().Add(time.Hour))
	id := uuid.Must(uuid.NewV4())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+tok {
			writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Status: api.StatusError, Error: "Unauthorized"})
			return
		}
		if r.URL.Query().Get("db") != "sales" {
			t.Errorf("db filter not sent: %s", r.URL.RawQuery)
		}
		writeJSON(w, http.StatusOK, api.ListResponse{Count: 1, Backups: []api.Backup{{
			ID: id, ServerName: "sql-prod-1", DatabaseName: "sales", Status: "completed", SizeBytes: 42,
		}}})
	}))
	defer srv.Close()

	if _, err := runCLI(t, "login", "-token", mintJWT(t, time.Now().Add(-time.Minute))); err == nil {
		t.Fatalf("expired token must be refused")
	}
	out, err := runCLI(t, "login", "-token", tok)
	if err != nil || !strings.HasPrefix(out, "ok") {
		t.Fatalf("login: %q %v", out, err)
	}

	out, err = runCLI(t, "-url", srv.URL, "list", "-db", "sales")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, id.String()) || !strings.Contains(out, "sql-prod-1") {
		t.Fatalf("list output: %s", out)
	}
}

func Test_upload(t *testing.T) {
	_ = withTmpConfig(t)
	t.Setenv("BK_CREDENTIAL", "bk_0123456789ab_secret")
	id := uuid.Must(uuid.NewV4())
	data := []byte("backup bytes")
	file := filepath.Join(t.TempDir(), "sales.bak")
	_ = os.WriteFile(file, data, 0o600)

	var gotSum string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer bk_0123456789ab_secret" {
			writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Status: api.StatusError, Error: "Unauthorized"})
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("multipart: %v", err)
		}
		gotSum = r.FormValue(api.FieldChecksum)
		writeJSON(w, http.StatusCreated, api.UploadResponse{Status: api.StatusOK, BackupID: id})
	}))
	defer srv.Close()

	out, err := runCLI(t, "-url", srv.URL, "upload",
		"-file", file, "-db", "sales", "-started", "2024-03-01T12:00:00Z", "-attempts", "1")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if strings.TrimSpace(out) != id.String() {
		t.Fatalf("upload printed %q", out)
	}
	sum := sha256.Sum256(data)
	if gotSum != hex.EncodeToString(sum[:]) {
		t.Fatalf("checksum field %q", gotSum)
	}

	if _, err := runCLI(t, "-url", srv.URL, "upload", "-file", file, "-db", "sales", "-started", "yesterday"); err == nil {
		t.Fatalf("bad -started must fail")
	}
}

// restoreServer grants a URL that points back at itself and serves payload once.
func restoreServer(t *testing.T, payload []byte, checksum string) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	redeemed := false
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/grants"):
			writeJSON(w, http.StatusCreated, api.GrantResponse{URL: srv.URL + "/backups/x/stream?token=t", Token: "t"})
		case strings.HasSuffix(r.URL.Path, "/stream"):
			if redeemed {
				writeJSON(w, http.StatusGone, api.ErrorResponse{Status: api.StatusError, Error: "GrantConsumed"})
				return
			}
			redeemed = true
			w.Header().Set("X-Checksum-Sha256", checksum)
			_, _ = w.Write(payload)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func Test_restore(t *testing.T) {
	_ = withTmpConfig(t)
	t.Setenv("BK_TOKEN", "jwt")
	payload := []byte("restored")
	sum := sha256.Sum256(payload)
	id := uuid.Must(uuid.NewV4()).String()

	srv := restoreServer(t, payload, hex.EncodeToString(sum[:]))
	dst := filepath.Join(t.TempDir(), "out.bak")
	if _, err := runCLI(t, "-url", srv.URL, "restore", "-id", id, "-out", dst); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("restored file: %q %v", got, err)
	}

	// a corrupted stream leaves nothing behind
	bad := restoreServer(t, payload, strings.Repeat("0", 64))
	dir := t.TempDir()
	if _, err := runCLI(t, "-url", bad.URL, "restore", "-id", id, "-out", filepath.Join(dir, "out.bak")); err == nil {
		t.Fatalf("digest mismatch must fail")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("partial files left: %v", entries)
	}

	if _, err := runCLI(t, "-url", srv.URL, "restore", "-id", "nope", "-out", dst); err == nil {
		t.Fatalf("bad -id must fail")
	}
}

func Test_fetch_ToStdout(t *testing.T) {
	_ = withTmpConfig(t)
	payload := []byte("to stdout")
	sum := sha256.Sum256(payload)
	srv := restoreServer(t, payload, hex.EncodeToString(sum[:]))

	out, err := runCLI(t, "fetch", "-url", srv.URL+"/backups/x/stream?token=t", "-out", "-")
	if err != nil || out != string(payload) {
		t.Fatalf("fetch: %q %v", out, err)
	}
	if _, err := runCLI(t, "fetch", "-url", srv.URL+"/backups/x/stream?token=t", "-out", "-"); err == nil {
		t.Fatalf("second redemption must fail")
	}
}
