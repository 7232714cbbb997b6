package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"quota-dispatch/internal/config"
	"quota-dispatch/internal/models"
)

type artifactUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Media renders image artifacts: it downloads the source named by the job's
// payload_ref, resizes/filters it, uploads the result, and meters actual
// units from processing wall time.
type Media struct {
	cfg        config.Config
	httpClient *http.Client
	local      artifactUploader
	s3         artifactUploader
}

// mediaPayload is the JSON carried in payload_ref for the media.render pipeline.
type mediaPayload struct {
	SourceURL   string `json:"source_url"`
	OutputKey   string `json:"output_key"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Grayscale   bool   `json:"grayscale"`
	Destination string `json:"destination"`
}

// NewMedia constructs the executor and chooses an uploader (local or S3).
func NewMedia(ctx context.Context, cfg config.Config) (*Media, error) {
	timeout := cfg.MediaDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	baseDir := cfg.MediaOutputDir
	if baseDir == "" {
		baseDir = "./output"
	}

	var s3Upload artifactUploader
	if cfg.MediaS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.MediaS3Bucket}
	}

	return &Media{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		local: &localUploader{baseDir: baseDir},
		s3:    s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.MediaS3Region),
	}
	if cfg.MediaS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.MediaS3Endpoint,
					HostnameImmutable: cfg.MediaS3PathStyle,
					SigningRegion:     cfg.MediaS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.MediaS3PathStyle
	}), nil
}

// Execute downloads, transforms, and uploads a single artifact.
func (m *Media) Execute(ctx context.Context, job models.Job) (Result, error) {
	started := time.Now()

	payload, err := m.decodePayload(job)
	if err != nil {
		return Result{}, err
	}

	data, contentType, err := m.download(ctx, payload.SourceURL)
	if err != nil {
		return Result{}, err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("decode image: %w", err)
	}

	if payload.Grayscale {
		img = imaging.Grayscale(img)
	}
	img = imaging.Resize(img, payload.Width, payload.Height, imaging.Lanczos)

	outputFormat := chooseFormat(payload.OutputKey, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return Result{}, fmt.Errorf("encode image: %w", err)
	}

	outputKey := payload.OutputKey
	if outputKey == "" {
		outputKey = fmt.Sprintf("%s.%s", job.ID, formatExtension(outputFormat))
	}
	outputKey = sanitizeKey(outputKey)

	uploader, err := m.pickUploader(payload.Destination)
	if err != nil {
		return Result{}, err
	}

	ref, err := uploader.Upload(ctx, outputKey, buf.Bytes(), mimeForFormat(outputFormat, contentType))
	if err != nil {
		// Storage blips are retryable against the same reservation.
		return Result{}, Transient(fmt.Errorf("upload: %w", err))
	}

	return Result{
		ActualUnits: meterUnits(time.Since(started)),
		ResultRef:   ref,
	}, nil
}

// meterUnits converts processing wall time into whole quota minutes, always
// charging at least one.
func meterUnits(elapsed time.Duration) int64 {
	units := int64(elapsed / time.Minute)
	if elapsed%time.Minute > 0 || units == 0 {
		units++
	}
	return units
}

func (m *Media) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, "", Transient(fmt.Errorf("download source: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, "", Transient(fmt.Errorf("download source: status %d", resp.StatusCode))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download source: status %d", resp.StatusCode)
	}

	limit := m.cfg.MediaMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	limited := io.LimitReader(resp.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", Transient(fmt.Errorf("read source: %w", err))
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("source too large (>%d bytes)", limit)
	}

	return body, resp.Header.Get("Content-Type"), nil
}

func (m *Media) decodePayload(job models.Job) (mediaPayload, error) {
	payload := mediaPayload{
		Grayscale: true,
		Width:     m.cfg.MediaDefaultWidth,
		Height:    m.cfg.MediaDefaultHeight,
	}
	if err := json.Unmarshal([]byte(job.PayloadRef), &payload); err != nil {
		return payload, fmt.Errorf("decode payload_ref: %w", err)
	}
	if payload.SourceURL == "" {
		return payload, errors.New("source_url is required")
	}
	if payload.Width == 0 && payload.Height == 0 {
		payload.Width = m.cfg.MediaDefaultWidth
		payload.Height = m.cfg.MediaDefaultHeight
	}
	if payload.Width == 0 && payload.Height == 0 {
		payload.Width = 320
	}
	if payload.Destination == "" {
		if m.cfg.MediaS3Bucket != "" {
			payload.Destination = "s3"
		} else {
			payload.Destination = "local"
		}
	}
	return payload, nil
}

func (m *Media) pickUploader(destination string) (artifactUploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if m.s3 != nil {
			return m.s3, nil
		}
		return nil, errors.New("destination s3 requested but MEDIA_S3_BUCKET is not configured")
	case "local", "":
		if m.local != nil {
			return m.local, nil
		}
	}
	if m.s3 != nil {
		return m.s3, nil
	}
	if m.local != nil {
		return m.local, nil
	}
	return nil, errors.New("no uploader configured")
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	case imaging.TIFF:
		return "tiff"
	default:
		return "jpg"
	}
}

func chooseFormat(outputKey, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	case "tiff":
		return imaging.TIFF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format, fallback string) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	default:
		if strings.Contains(strings.ToLower(fallback), "png") {
			return "image/png"
		}
		return "image/jpeg"
	}
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
