package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrProviderUnavailable = errors.New("secrets provider unavailable")
	ErrNoLocalFallback     = errors.New("no secrets provider and local fallback not enabled")
)

// Provider wraps a key-management backend: it can wrap/unwrap data keys and
// fetch named secrets.
type Provider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
	GetSecret(ctx context.Context, key string) (string, error)
}

// Adapter selects Vault, then AWS KMS/Secrets Manager, and finally a local
// master-secret-derived key for wrapping distribution DEKs.
type Adapter struct {
	primary    Provider
	fallback   Provider
	failClosed bool
}

func NewAdapter(ctx context.Context) (*Adapter, error) {
	var primary Provider
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		vp, err := newVaultProvider(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "vault provider")
		}
		primary = vp
	}
	if primary == nil {
		if region := os.Getenv("AWS_REGION"); region != "" {
			ap, err := newAWSProvider(ctx)
			if err != nil {
				return nil, errors.Wrap(err, "aws provider")
			}
			primary = ap
		}
	}
	failClosed := os.Getenv("SECRETS_FAIL_CLOSED") != "false"
	return &Adapter{primary: primary, failClosed: failClosed}, nil
}

// EnableLocalFallback derives a local key-encryption key from the master
// secret so DEK wrapping works without any external provider.
func (a *Adapter) EnableLocalFallback(master []byte) error {
	lp, err := newLocalProvider(master)
	if err != nil {
		return err
	}
	a.fallback = lp
	return nil
}

func (a *Adapter) HasProvider() bool {
	return a.primary != nil
}

func (a *Adapter) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if a.primary != nil {
		ct, err := a.primary.Encrypt(ctx, plaintext)
		if err == nil {
			return ct, nil
		}
		if a.failClosed {
			return nil, errors.Wrap(err, "encrypt (fail-closed)")
		}
	}
	if a.fallback != nil {
		return a.fallback.Encrypt(ctx, plaintext)
	}
	return nil, ErrNoLocalFallback
}

func (a *Adapter) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if a.primary != nil {
		pt, err := a.primary.Decrypt(ctx, ciphertext)
		if err == nil {
			return pt, nil
		}
		if a.failClosed {
			return nil, errors.Wrap(err, "decrypt (fail-closed)")
		}
	}
	if a.fallback != nil {
		return a.fallback.Decrypt(ctx, ciphertext)
	}
	return nil, ErrNoLocalFallback
}

func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	if a.primary == nil {
		return "", ErrProviderUnavailable
	}
	return a.primary.GetSecret(ctx, key)
}

type vaultProvider struct {
	client     *vault.Client
	mountPath  string
	keyID      string
	secretPath string
}

func newVaultProvider(ctx context.Context) (*vaultProvider, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = os.Getenv("VAULT_ADDR")
	cfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		raw, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, errors.Wrap(err, "read VAULT_TOKEN_FILE")
		}
		client.SetToken(strings.TrimSpace(string(raw)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, errors.Wrap(err, "vault health check")
	}
	return &vaultProvider{
		client:     client,
		mountPath:  envOr("VAULT_MOUNT_PATH", "transit"),
		keyID:      envOr("VAULT_KEY_ID", "leakmark-master"),
		secretPath: envOr("VAULT_SECRET_PATH", "secret/data/leakmark"),
	}, nil
}

func (v *vaultProvider) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	path := fmt.Sprintf("%s/encrypt/%s", v.mountPath, v.keyID)
	secret, err := v.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	})
	if err != nil {
		return nil, err
	}
	ct, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, errors.New("vault: ciphertext not found")
	}
	return []byte(ct), nil
}

func (v *vaultProvider) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	path := fmt.Sprintf("%s/decrypt/%s", v.mountPath, v.keyID)
	secret, err := v.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"ciphertext": string(ciphertext),
	})
	if err != nil {
		return nil, err
	}
	ptB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, errors.New("vault: plaintext not found")
	}
	return base64.StdEncoding.DecodeString(ptB64)
}

func (v *vaultProvider) GetSecret(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, fmt.Sprintf("%s/%s", v.secretPath, key))
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", errors.Errorf("secret not found: %s", key)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}

type awsProvider struct {
	kmsClient *kms.Client
	smClient  *secretsmanager.Client
	keyID     string
}

func newAWSProvider(ctx context.Context) (*awsProvider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(os.Getenv("AWS_REGION")))
	if err != nil {
		return nil, err
	}
	return &awsProvider{
		kmsClient: kms.NewFromConfig(cfg),
		smClient:  secretsmanager.NewFromConfig(cfg),
		keyID:     envOr("KMS_MASTER_KEY_ID", "alias/leakmark-master"),
	}, nil
}

func (a *awsProvider) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	out, err := a.kmsClient.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     &a.keyID,
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, errors.Wrap(err, "aws kms encrypt")
	}
	return out.CiphertextBlob, nil
}

func (a *awsProvider) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	out, err := a.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: ciphertext})
	if err != nil {
		return nil, errors.Wrap(err, "aws kms decrypt")
	}
	return out.Plaintext, nil
}

func (a *awsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	out, err := a.smClient.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &key})
	if err != nil {
		return "", errors.Wrapf(err, "get secret %s", key)
	}
	if out.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *out.SecretString, nil
}

// localProvider wraps DEKs with AES-GCM under a key derived from the master
// secret. Used when neither Vault nor AWS is configured.
type localProvider struct {
	aead cipher.AEAD
}

func newLocalProvider(master []byte) (*localProvider, error) {
	if len(master) < 32 {
		return nil, errors.New("master secret must be at least 32 bytes")
	}
	r := hkdf.New(sha256.New, master, nil, []byte("leakmark/kek/v1"))
	kek := make([]byte, 32)
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, errors.Wrap(err, "derive local kek")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &localProvider{aead: aead}, nil
}

func (l *localProvider) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	nonce := make([]byte, l.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return l.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (l *localProvider) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	ns := l.aead.NonceSize()
	if len(ciphertext) < ns {
		return nil, errors.New("ciphertext too short")
	}
	return l.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
}

func (l *localProvider) GetSecret(ctx context.Context, key string) (string, error) {
	val, ok := os.LookupEnv(key)
	if !ok {
		return "", errors.Errorf("secret not found: %s", key)
	}
	return val, nil
}

// GenerateDEK returns a fresh 256-bit data encryption key.
func GenerateDEK() ([]byte, error) {
	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return nil, err
	}
	return dek, nil
}

// AEADSeal encrypts copy content under a distribution DEK.
func AEADSeal(plaintext, dek []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// AEADOpen decrypts copy content sealed by AEADSeal.
func AEADOpen(ciphertext, dek []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	ns := aead.NonceSize()
	if len(ciphertext) < ns {
		return nil, errors.New("ciphertext too short")
	}
	return aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
