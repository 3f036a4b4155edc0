// ============================================================================
// fedqueue Media Pipeline - 媒體轉檔
// ============================================================================
//
// Package: internal/media
// 文件: media.go
//
// 流程:
//   載入來源 → 嗅探型別（白名單）→ 解碼 → 感知雜湊 →
//   依設定產生 small / medium / large → 全部編碼完成後才上傳
//
// 規則:
//   - 不在白名單內的型別在任何寫入之前就被拒絕
//   - 只縮小、不放大，保持長寬比
//   - PNG / GIF 來源輸出 PNG，其他輸出 JPEG
//   - 物件鍵 <prefix>/<sha256>/<variant>.<ext>，同一來源重跑結果相同
//
// ============================================================================

package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"net/http"
	"strings"
	"time"

	_ "image/gif"

	"github.com/corona10/goimagehash"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/ChuLiYu/fedqueue/internal/blob"
	"github.com/ChuLiYu/fedqueue/internal/metrics"
)

var (
	ErrUnsupportedType = errors.New("media: unsupported type")
	ErrTooLarge        = errors.New("media: source too large")
	ErrDecodeFailed    = errors.New("media: decode failed")
	ErrFetchFailed     = errors.New("media: fetch failed")
	ErrStorageFailure  = errors.New("media: storage failure")
)

// DefaultMaxPixels 約 8192 × 5120
const DefaultMaxPixels = 40 << 20

// FetchError 來源抓取失敗；Status 為 0 表示傳輸層錯誤
type FetchError struct {
	Source string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("media: fetch %s: status %d", e.Source, e.Status)
	}
	return fmt.Sprintf("media: fetch %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrFetchFailed}
	}
	return []error{ErrFetchFailed, e.Err}
}

// Permanent reports whether retrying the fetch cannot succeed.
func (e *FetchError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests && e.Status != http.StatusRequestTimeout
}

// Retryable 判斷 Process 回傳的錯誤是否值得重試
func Retryable(err error) bool {
	var fe *FetchError
	switch {
	case err == nil:
		return false
	case errors.As(err, &fe):
		return !fe.Permanent()
	case errors.Is(err, ErrStorageFailure):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// VariantSpec 輸出尺寸設定
type VariantSpec struct {
	Name    string
	MaxEdge int
}

// Config 媒體管線設定
type Config struct {
	AllowedTypes []string
	MaxBytes     int64
	MaxPixels    int64 // 解碼後的像素上限（寬 × 高）
	FetchTimeout time.Duration
	JPEGQuality  int
	KeyPrefix    string
	Variants     []VariantSpec
}

// Asset 待處理的媒體；SourceURI 與 UploadKey 二擇一
type Asset struct {
	ID          string
	SourceURI   string
	UploadKey   string
	ContentType string
}

// Variant 一個已上傳的輸出
type Variant struct {
	Name        string `json:"name"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	ContentType string `json:"content_type"`
	Key         string `json:"key"`
	Size        int    `json:"size"`
}

// Result 處理結果
type Result struct {
	AssetID        string    `json:"asset_id"`
	SourceSHA256   string    `json:"source_sha256"`
	ContentType    string    `json:"content_type"`
	PerceptualHash string    `json:"perceptual_hash"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	Variants       []Variant `json:"variants"`
}

// Pipeline 媒體處理管線
type Pipeline struct {
	cfg     Config
	store   blob.Store
	client  *http.Client
	allowed map[string]bool
	logger  *zap.Logger
	metrics *metrics.Collector
}

// New 建立 Pipeline
func New(cfg Config, store blob.Store, client *http.Client, logger *zap.Logger, m *metrics.Collector) *Pipeline {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 40 << 20
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = DefaultMaxPixels
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = jpeg.DefaultQuality
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "media"
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[string]bool, len(cfg.AllowedTypes))
	for _, t := range cfg.AllowedTypes {
		allowed[strings.ToLower(t)] = true
	}
	return &Pipeline{
		cfg:     cfg,
		store:   store,
		client:  client,
		allowed: allowed,
		logger:  logger.Named("media"),
		metrics: m,
	}
}

type encoded struct {
	variant Variant
	data    []byte
}

// Process 轉檔並上傳所有 variant；失敗時不會留下部分結果
func (p *Pipeline) Process(ctx context.Context, asset Asset) (*Result, error) {
	data, err := p.load(ctx, asset)
	if err != nil {
		return nil, err
	}

	contentType := sniff(data)
	if !p.allowed[contentType] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}
	if asset.ContentType != "" && !strings.EqualFold(asset.ContentType, contentType) {
		p.logger.Debug("declared content type differs from sniffed",
			zap.String("asset_id", asset.ID),
			zap.String("declared", asset.ContentType),
			zap.String("sniffed", contentType))
	}

	// 壓縮後很小的檔案也可能宣告巨大的尺寸，解碼前先檢查標頭
	hdr, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if px := int64(hdr.Width) * int64(hdr.Height); hdr.Width <= 0 || hdr.Height <= 0 || px > p.cfg.MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooLarge, hdr.Width, hdr.Height, p.cfg.MaxPixels)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	phash, err := goimagehash.PerceptionHash(src)
	if err != nil {
		return nil, fmt.Errorf("%w: perceptual hash: %v", ErrDecodeFailed, err)
	}

	bounds := src.Bounds()
	result := &Result{
		AssetID:        asset.ID,
		SourceSHA256:   digest,
		ContentType:    contentType,
		PerceptualHash: phash.ToString(),
		Width:          bounds.Dx(),
		Height:         bounds.Dy(),
	}

	outType, ext := outputFormat(contentType)

	// 先全部編碼，確認沒有問題才開始寫入
	outputs := make([]encoded, 0, len(p.cfg.Variants))
	for _, spec := range p.cfg.Variants {
		w, h := Fit(bounds.Dx(), bounds.Dy(), spec.MaxEdge)
		buf, err := p.encode(resize(src, w, h), outType)
		if err != nil {
			return nil, fmt.Errorf("%w: encode %s: %v", ErrDecodeFailed, spec.Name, err)
		}
		outputs = append(outputs, encoded{
			variant: Variant{
				Name:        spec.Name,
				Width:       w,
				Height:      h,
				ContentType: outType,
				Key:         fmt.Sprintf("%s/%s/%s.%s", p.cfg.KeyPrefix, digest, spec.Name, ext),
				Size:        len(buf),
			},
			data: buf,
		})
	}

	if err := p.upload(ctx, outputs); err != nil {
		return nil, err
	}

	for _, out := range outputs {
		result.Variants = append(result.Variants, out.variant)
	}
	p.metrics.RecordMediaVariants(len(outputs))
	p.logger.Info("media processed",
		zap.String("asset_id", asset.ID),
		zap.String("sha256", digest),
		zap.String("content_type", contentType),
		zap.Int("variants", len(outputs)))
	return result, nil
}

// upload 寫入所有 variant；任一失敗時刪除本次寫入的物件
func (p *Pipeline) upload(ctx context.Context, outputs []encoded) error {
	var written []string
	for _, out := range outputs {
		exists, err := p.store.Exists(ctx, out.variant.Key)
		if err == nil && exists {
			continue
		}
		if err := p.store.Put(ctx, out.variant.Key, out.data, out.variant.ContentType); err != nil {
			p.rollback(written)
			return fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
		written = append(written, out.variant.Key)
	}
	return nil
}

func (p *Pipeline) rollback(keys []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, key := range keys {
		if err := p.store.Delete(ctx, key); err != nil {
			p.logger.Warn("rollback delete failed", zap.String("key", key), zap.Error(err))
		}
	}
}

func (p *Pipeline) encode(img image.Image, contentType string) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	if contentType == "image/png" {
		err = png.Encode(&buf, img)
	} else {
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.cfg.JPEGQuality})
	}
	return buf.Bytes(), err
}

// Fit 回傳長邊不超過 maxEdge 的尺寸；不放大
func Fit(w, h, maxEdge int) (int, int) {
	if maxEdge <= 0 || (w <= maxEdge && h <= maxEdge) {
		return w, h
	}
	if w >= h {
		nh := int(math.Round(float64(h) * float64(maxEdge) / float64(w)))
		return maxEdge, max(nh, 1)
	}
	nw := int(math.Round(float64(w) * float64(maxEdge) / float64(h)))
	return max(nw, 1), maxEdge
}

func resize(src image.Image, w, h int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

func sniff(data []byte) string {
	ct := http.DetectContentType(data)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

func outputFormat(sourceType string) (contentType, ext string) {
	switch sourceType {
	case "image/png", "image/gif":
		return "image/png", "png"
	default:
		return "image/jpeg", "jpg"
	}
}
