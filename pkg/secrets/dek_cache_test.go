package secrets

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"
)

func localAdapter(t *testing.T) *Adapter {
	t.Helper()
	a := &Adapter{failClosed: true}
	if err := a.EnableLocalFallback([]byte("test-master-secret-0123456789abcdef-xyz")); err != nil {
		t.Fatalf("EnableLocalFallback failed: %v", err)
	}
	return a
}

func TestDEKWrapRoundTrip(t *testing.T) {
	a := localAdapter(t)
	ctx := context.Background()
	dek, err := GenerateDEK()
	if err != nil {
		t.Fatalf("GenerateDEK failed: %v", err)
	}
	wrapped, err := a.Encrypt(ctx, dek)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if bytes.Equal(wrapped, dek) {
		t.Fatal("wrapped DEK equals plaintext DEK")
	}
	unwrapped, err := a.Decrypt(ctx, wrapped)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(unwrapped, dek) {
		t.Error("unwrapped DEK differs from original")
	}
}

func TestAEADSealOpen(t *testing.T) {
	dek, _ := GenerateDEK()
	plaintext := []byte("fingerprinted copy bytes")
	sealed, err := AEADSeal(plaintext, dek)
	if err != nil {
		t.Fatalf("AEADSeal failed: %v", err)
	}
	opened, err := AEADOpen(sealed, dek)
	if err != nil {
		t.Fatalf("AEADOpen failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Error("AEAD round trip mismatch")
	}
	sealed[len(sealed)-1] ^= 0x01
	if _, err := AEADOpen(sealed, dek); err == nil {
		t.Error("tampered ciphertext accepted")
	}
}

func TestDEKCacheReuse(t *testing.T) {
	a := localAdapter(t)
	cache := NewDEKCache(a, time.Minute)
	defer cache.Stop()
	ctx := context.Background()

	dek, _ := GenerateDEK()
	wrapped, err := a.Encrypt(ctx, dek)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	var wg sync.WaitGroup
	results := make([][]byte, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := cache.Decrypt(ctx, wrapped)
			if err != nil {
				t.Errorf("cache Decrypt failed: %v", err)
				return
			}
			results[i] = out
		}(i)
	}
	wg.Wait()
	for i, out := range results {
		if !bytes.Equal(out, dek) {
			t.Fatalf("result %d differs from DEK", i)
		}
	}
}

func TestDEKCacheStopWipes(t *testing.T) {
	a := localAdapter(t)
	cache := NewDEKCache(a, time.Minute)
	ctx := context.Background()
	dek, _ := GenerateDEK()
	wrapped, _ := a.Encrypt(ctx, dek)
	if _, err := cache.Decrypt(ctx, wrapped); err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	cache.Stop()
	if _, err := cache.Decrypt(ctx, wrapped); err == nil {
		t.Error("stopped cache still serving")
	}
}
