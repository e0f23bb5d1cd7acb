package test

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"leakmark/svc/api"
	"leakmark/svc/lim"
	"leakmark/svc/svc"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func setupSecurityTestServer(t *testing.T) (*httptest.Server, func()) {
	c := createTestConfig()
	sqlDB := createTestDB(t, c)
	registry := createTestRegistry(t, c, sqlDB)
	matcher := svc.NewMatcher(registry)
	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, nil)
	server := api.NewServer(c, registry, matcher, limiter, sqlDB)

	ts := httptest.NewServer(server)
	cleanup := func() {
		ts.Close()
		registry.Shutdown()
		limiter.Stop()
		sqlDB.Close()
	}
	return ts, cleanup
}

func TestSecuritySQLInjectionInRecipients(t *testing.T) {
	ts, cleanup := setupSecurityTestServer(t)
	defer cleanup()

	injectionPayloads := []string{
		"'; DROP TABLE distributions; --",
		"' OR '1'='1",
		"1' UNION SELECT * FROM copies--",
		"'; DELETE FROM token_shares WHERE share_key='",
		"admin'--",
	}

	for _, payload := range injectionPayloads {
		t.Run(sanitizeTestName(payload), func(t *testing.T) {
			body, contentType := multipartBody(t, "report.txt", textDoc(40), payload)
			resp := authedPost(t, http.DefaultClient, ts.URL+"/api/distribute", body, contentType, testAPIToken)
			defer resp.Body.Close()

			if resp.StatusCode >= 500 {
				t.Errorf("injection payload caused server error: %s", payload)
			}

			healthResp, err := http.Get(ts.URL + "/health")
			if err != nil || healthResp.StatusCode != http.StatusOK {
				t.Error("service unhealthy after injection attempt")
			}
			if healthResp != nil {
				healthResp.Body.Close()
			}
		})
	}
}

func TestSecurityAuthTokenBruteForce(t *testing.T) {
	ts, cleanup := setupSecurityTestServer(t)
	defer cleanup()

	attempts := 100
	successCount := 0
	for i := 0; i < attempts; i++ {
		randomToken := make([]byte, 16)
		rand.Read(randomToken)
		fakeToken := fmt.Sprintf("%x", randomToken)

		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/admin/distributions", nil)
		req.Header.Set("Authorization", "Bearer "+fakeToken)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			continue
		}
		if resp.StatusCode == http.StatusOK {
			successCount++
		}
		resp.Body.Close()
	}

	if successCount > 0 {
		t.Errorf("random bearer token accepted %d/%d times", successCount, attempts)
	}
}

func TestSecurityScanWithHostileContent(t *testing.T) {
	ts, cleanup := setupSecurityTestServer(t)
	defer cleanup()

	hostilePayloads := [][]byte{
		[]byte("<script>alert('XSS')</script>\n" + string(textDoc(20))),
		append([]byte("%PDF-1.4\n"), bytesOf(0xFF, 4096)...),
		append([]byte("PK\x03\x04"), bytesOf(0x00, 512)...),
		bytesOf(0x89, 2048),
	}

	for i, payload := range hostilePayloads {
		body, contentType := multipartBody(t, fmt.Sprintf("hostile%d.bin", i), payload, "")
		resp := authedPost(t, http.DefaultClient, ts.URL+"/api/scan", body, contentType, testAPIToken)

		if resp.StatusCode >= 500 {
			t.Errorf("hostile payload %d caused server error", i)
		}
		var result map[string]any
		if resp.StatusCode == http.StatusOK {
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				t.Errorf("hostile payload %d produced malformed response: %v", i, err)
			}
		}
		resp.Body.Close()
	}
}

func TestSecurityConcurrentLoadStability(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}

	ts, cleanup := setupSecurityTestServer(t)
	defer cleanup()

	var wg sync.WaitGroup
	errorCount := int64(0)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			body, contentType := multipartBody(t, "report.txt", textDoc(40), fmt.Sprintf("load%d@corp.example", idx))
			resp := authedPost(t, http.DefaultClient, ts.URL+"/api/distribute", body, contentType, testAPIToken)
			if resp.StatusCode >= 500 {
				atomic.AddInt64(&errorCount, 1)
			}
			resp.Body.Close()
		}(i)
	}

	wg.Wait()
	if errorCount > 0 {
		t.Errorf("%d/100 requests failed under concurrent load", errorCount)
	}
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func sanitizeTestName(s string) string {
	name := s
	if len(name) > 50 {
		name = name[:50]
	}
	replacer := strings.NewReplacer(
		"'", "", "\"", "", " ", "_", "/", "_", "\\", "_",
		";", "_", "-", "_", "(", "", ")", "", "<", "", ">", "",
		"|", "_", "&", "_", "$", "_", "`", "_", "\n", "_", "\r", "_",
	)
	return replacer.Replace(name)
}
