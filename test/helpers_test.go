package test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"leakmark/cfg"
	"leakmark/pkg/secrets"
	"leakmark/pkg/token"
	"leakmark/svc/cache"
	"leakmark/svc/db"
	"leakmark/svc/svc"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joho/godotenv"
)

const (
	testMasterSecret = "0123456789abcdef0123456789abcdef"
	testAPIToken     = "integration-test-token-12345"
)

var (
	envLoadOnce sync.Once
	envLoadErr  error
)

func loadTestEnv() error {
	envLoadOnce.Do(func() {

		paths := []string{
			".env.test",
			"../.env.test",
			"../../.env.test",
		}

		for _, p := range paths {
			if absPath, err := filepath.Abs(p); err == nil {
				if _, err := os.Stat(absPath); err == nil {
					if err := godotenv.Load(absPath); err == nil {
						return
					}
				}
			}
		}
	})
	return envLoadErr
}

func createTestConfig() *cfg.Cfg {
	_ = loadTestEnv()

	return &cfg.Cfg{
		Port:            "0",
		Environment:     "test",
		LogLevel:        "error",
		DatabasePath:    ":memory:",
		MasterSecret:    cfg.NewSecret(testMasterSecret),
		APIToken:        cfg.NewSecret(testAPIToken),
		MaxFileSize:     4 * 1024 * 1024,
		EmbedWorkers:    4,
		BundleCacheSize: 64,
		DEKCacheTTL:     10 * time.Minute,
		RateLimit: cfg.RateLimitCfg{
			RPM:   100000,
			Burst: 10000,
		},
		ContextTimeout: 30 * time.Second,
		DBMaxOpenConns: 50,
		DBMaxIdleConns: 10,
		DBQueryTimeout: 10 * time.Second,
	}
}

func createTestDB(t *testing.T, c *cfg.Cfg) *db.SQLite {
	dsn := fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", time.Now().UnixNano())

	sqlDB, err := db.NewSQLiteWithConfig(dsn, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		t.Fatal(err)
	}
	return sqlDB
}

func createTestLRU(t *testing.T, size int) *cache.LRU {
	lru, err := cache.NewLRU(size)
	if err != nil {
		t.Fatal(err)
	}
	return lru
}

func createTestAdapter(t *testing.T) *secrets.Adapter {
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("AWS_REGION", "")

	adapter, err := secrets.NewAdapter(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := adapter.EnableLocalFallback([]byte(testMasterSecret)); err != nil {
		t.Fatal(err)
	}
	return adapter
}

func createTestRegistry(t *testing.T, c *cfg.Cfg, sqlDB *db.SQLite) *svc.Registry {
	key, err := token.DeriveKey([]byte(testMasterSecret))
	if err != nil {
		t.Fatal(err)
	}
	registry, err := svc.NewRegistry(sqlDB, createTestAdapter(t), createTestLRU(t, c.BundleCacheSize), key, c)
	if err != nil {
		t.Fatal(err)
	}
	return registry
}

// textDoc builds a plain-text document large enough for fingerprint embedding.
func textDoc(lines int) []byte {
	var b strings.Builder
	for i := 0; i < lines; i++ {
		fmt.Fprintf(&b, "Quarterly report line %d with enough payload to matter.\n", i)
	}
	return []byte(b.String())
}

func multipartBody(t *testing.T, fileName string, content []byte, recipients string) (*bytes.Buffer, string) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteField("recipients", recipients); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, w.FormDataContentType()
}

func authedPost(t *testing.T, client *http.Client, url string, body io.Reader, contentType, bearer string) *http.Response {
	req, err := http.NewRequest(http.MethodPost, url, body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", contentType)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}
