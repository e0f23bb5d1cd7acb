package svc

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"leakmark/cfg"
	"leakmark/metrics"
	"leakmark/pkg/domain"
	"leakmark/pkg/secrets"
	"leakmark/pkg/token"
	"leakmark/svc/cache"
	"leakmark/svc/codec"
	"leakmark/svc/db"
	"leakmark/svc/util"
)

const bundleCacheTTL = 30 * time.Minute

// Registry owns distributions: it fingerprints one copy per recipient, seals
// copy content with a per-distribution DEK, and keeps the reverse index used
// by the matcher.
type Registry struct {
	db       *db.SQLite
	codecs   *codec.Set
	adapter  *secrets.Adapter
	dekCache *secrets.DEKCache
	bundles  *cache.LRU
	cfg      *cfg.Cfg
	tokenKey []byte
	index    *shareIndex
	group    singleflight.Group
	shutdown atomic.Bool
	opWg     sync.WaitGroup
}

func NewRegistry(sqlDB *db.SQLite, adapter *secrets.Adapter, bundles *cache.LRU, tokenKey []byte, c *cfg.Cfg) (*Registry, error) {
	if sqlDB == nil || adapter == nil || bundles == nil || c == nil {
		panic("registry: nil dependency (sqlDB, adapter, bundles, or cfg)")
	}
	if len(tokenKey) < 32 {
		return nil, errors.New("registry: token key too short")
	}
	r := &Registry{
		db:       sqlDB,
		codecs:   codec.NewSet(),
		adapter:  adapter,
		dekCache: secrets.NewDEKCache(adapter, c.DEKCacheTTL),
		bundles:  bundles,
		cfg:      c,
		tokenKey: tokenKey,
		index:    newShareIndex(),
	}
	if err := r.loadIndex(context.Background()); err != nil {
		return nil, errors.Wrap(err, "load share index")
	}
	return r, nil
}

func (r *Registry) loadIndex(ctx context.Context) error {
	entries, err := r.db.ShareEntries(ctx)
	if err != nil {
		return err
	}
	r.index.addEntries(entries)
	util.Info().Int("tokens", r.index.size()).Msg("share index rebuilt")
	return nil
}

func (r *Registry) Shutdown() {
	r.shutdown.Store(true)
	r.opWg.Wait()
	r.dekCache.Stop()
	util.Debug().Msg("registry shutdown complete")
}

// CreateDistribution fingerprints content for every recipient and commits the
// distribution whole-or-none: the row stays invisible until copies and shares
// are finalized, and the reverse index is updated only after the commit, so a
// concurrent scan either sees the whole distribution or none of it. The slow
// embed work runs outside any database lock, so creations do not serialize
// against each other.
func (r *Registry) CreateDistribution(ctx context.Context, fileName string, content []byte, recipients []string) (*domain.Distribution, error) {
	if r.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	r.opWg.Add(1)
	defer r.opWg.Done()
	if len(recipients) == 0 {
		return nil, domain.ErrEmptyRecipientList
	}
	if int64(len(content)) > r.cfg.MaxFileSize {
		return nil, domain.ErrFileTooLarge
	}
	c, err := r.codecs.Detect(content, fileName)
	if err != nil {
		return nil, err
	}
	if len(content) < c.MinSize() {
		return nil, domain.ErrContentTooSmall
	}

	dek, err := secrets.GenerateDEK()
	if err != nil {
		return nil, errors.Wrap(err, "generate dek")
	}
	defer util.Wipe(dek)
	encryptedDEK, err := r.adapter.Encrypt(ctx, dek)
	if err != nil {
		return nil, errors.Wrap(err, "wrap dek")
	}

	hash := sha256.Sum256(content)
	d := &domain.Distribution{
		FileName:     filepath.Base(fileName),
		MediaType:    c.Media(),
		ContentHash:  hex.EncodeToString(hash[:]),
		EncryptedDEK: encryptedDEK,
		CreatedAt:    time.Now().UTC(),
	}

	var entries []domain.ShareEntry
	plain := make([][]byte, len(recipients))
	id, err := r.db.CreateDistribution(ctx, d, func(id int64) ([]domain.RecipientCopy, error) {
		copies := make([]domain.RecipientCopy, len(recipients))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.cfg.EmbedWorkers)
		for i, recipient := range recipients {
			i, recipient := i, recipient
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				tok, err := token.Generate(r.tokenKey, id, recipient)
				if err != nil {
					return errors.Wrapf(err, "recipient %s", util.RedactRecipient(recipient))
				}
				marked, err := c.Embed(content, tok)
				if err != nil {
					return errors.Wrapf(err, "recipient %s", util.RedactRecipient(recipient))
				}
				sealed, err := secrets.AEADSeal(marked, dek)
				if err != nil {
					return errors.Wrapf(err, "seal copy for %s", util.RedactRecipient(recipient))
				}
				cp := domain.RecipientCopy{
					Recipient:        recipient,
					TokenHex:         tok.Hex(),
					EncryptedContent: sealed,
				}
				for _, sh := range tok.Shares() {
					cp.ShareKeys = append(cp.ShareKeys, sh.Key())
				}
				copies[i] = cp
				plain[i] = marked
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for _, cp := range copies {
			for _, key := range cp.ShareKeys {
				entries = append(entries, domain.ShareEntry{
					ShareKey:       key,
					TokenHex:       cp.TokenHex,
					DistributionID: id,
					Recipient:      cp.Recipient,
					CreatedAt:      d.CreatedAt,
				})
			}
		}
		d.Copies = copies
		return copies, nil
	})
	if err != nil {
		return nil, err
	}
	d.ID = id

	r.index.addEntries(entries)

	if r.cfg.OutputDir != "" {
		r.persistCopies(d, plain)
	}

	metrics.DistributionsCreated.Inc()
	metrics.CopiesFingerprinted.WithLabelValues(string(d.MediaType)).Add(float64(len(recipients)))
	metrics.EncryptionOps.WithLabelValues("seal").Add(float64(len(recipients)))
	util.Info().
		Int64("distribution_id", id).
		Str("media", string(d.MediaType)).
		Int("recipients", len(recipients)).
		Msg("distribution created")
	return d, nil
}

// persistCopies mirrors the fingerprinted copies to the output directory.
// Best effort: the sealed database rows are the source of truth.
func (r *Registry) persistCopies(d *domain.Distribution, plain [][]byte) {
	dir := filepath.Join(r.cfg.OutputDir, fmt.Sprintf("distribution_%d", d.ID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		util.Warn().Err(err).Str("dir", dir).Msg("output directory create failed")
		return
	}
	for i, cp := range d.Copies {
		name := copyEntryName(d.FileName, cp.Recipient, cp.ID)
		if err := os.WriteFile(filepath.Join(dir, name), plain[i], 0o640); err != nil {
			util.Warn().Err(err).Str("file", name).Msg("copy persist failed")
		}
	}
}

func (r *Registry) Get(ctx context.Context, id int64) (*domain.Distribution, error) {
	return r.db.GetDistribution(ctx, id)
}

func (r *Registry) List(ctx context.Context) ([]domain.Summary, error) {
	return r.db.ListDistributions(ctx)
}

// Bundle builds the archive of all fingerprinted copies for a distribution.
// Results are cached and concurrent callers share one build.
func (r *Registry) Bundle(ctx context.Context, id int64) ([]byte, error) {
	if data := r.bundles.Get(ctx, id); data != nil {
		metrics.BundleCacheHits.Inc()
		return data, nil
	}
	metrics.BundleCacheMisses.Inc()
	v, err, _ := r.group.Do(fmt.Sprintf("bundle:%d", id), func() (interface{}, error) {
		data, err := r.buildBundle(ctx, id)
		if err != nil {
			return nil, err
		}
		r.bundles.Set(ctx, id, data, bundleCacheTTL)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (r *Registry) buildBundle(ctx context.Context, id int64) ([]byte, error) {
	d, err := r.db.GetDistribution(ctx, id)
	if err != nil {
		return nil, err
	}
	copies, err := r.db.CopiesWithContent(ctx, id)
	if err != nil {
		return nil, err
	}
	dek, err := r.dekCache.Decrypt(ctx, d.EncryptedDEK)
	if err != nil {
		return nil, errors.Wrap(err, "unwrap dek")
	}
	defer util.Wipe(dek)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})
	for _, cp := range copies {
		plain, err := secrets.AEADOpen(cp.EncryptedContent, dek)
		if err != nil {
			return nil, errors.Wrapf(err, "unseal copy %d", cp.ID)
		}
		metrics.EncryptionOps.WithLabelValues("open").Inc()
		hdr := &zip.FileHeader{
			Name:     copyEntryName(d.FileName, cp.Recipient, cp.ID),
			Method:   zip.Deflate,
			Modified: d.CreatedAt,
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, errors.Wrap(err, "bundle entry")
		}
		if _, err := w.Write(plain); err != nil {
			return nil, errors.Wrap(err, "write bundle entry")
		}
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "finalize bundle")
	}
	return buf.Bytes(), nil
}

// CopyContent unseals one recipient copy, for single-copy re-download.
func (r *Registry) CopyContent(ctx context.Context, copyID int64) ([]byte, string, error) {
	cp, d, err := r.db.GetCopy(ctx, copyID)
	if err != nil {
		return nil, "", err
	}
	dek, err := r.dekCache.Decrypt(ctx, d.EncryptedDEK)
	if err != nil {
		return nil, "", errors.Wrap(err, "unwrap dek")
	}
	defer util.Wipe(dek)
	plain, err := secrets.AEADOpen(cp.EncryptedContent, dek)
	if err != nil {
		return nil, "", errors.Wrap(err, "unseal copy")
	}
	metrics.EncryptionOps.WithLabelValues("open").Inc()
	return plain, copyEntryName(d.FileName, cp.Recipient, cp.ID), nil
}

// copyEntryName disambiguates recipients in the file name only; the content
// difference is the fingerprint and must not be advertised.
func copyEntryName(fileName, recipient string, copyID int64) string {
	ext := filepath.Ext(fileName)
	base := strings.TrimSuffix(filepath.Base(fileName), ext)
	return fmt.Sprintf("%s_%s_%d%s", base, util.Slug(recipient), copyID, ext)
}
