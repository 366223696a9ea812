package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"fishtank.ai/internal/persistence/r2s3"
)

type r2MirrorRuntime struct {
	enabled      bool
	rotateLayout string
	mirror       *r2s3.Mirror
}

func buildR2MirrorRuntime(dataDir string, logger *log.Logger) (*r2MirrorRuntime, error) {
	if !envBool("FT_R2_MIRROR", false) {
		return &r2MirrorRuntime{enabled: false}, nil
	}

	cfg := r2s3.Config{
		Endpoint:        strings.TrimSpace(os.Getenv("FT_R2_ENDPOINT")),
		Bucket:          strings.TrimSpace(os.Getenv("FT_R2_BUCKET")),
		AccessKeyID:     strings.TrimSpace(os.Getenv("FT_R2_ACCESS_KEY_ID")),
		SecretAccessKey: strings.TrimSpace(os.Getenv("FT_R2_SECRET_ACCESS_KEY")),
		Region:          strings.TrimSpace(os.Getenv("FT_R2_REGION")),
	}
	if cfg.Endpoint == "" || cfg.Bucket == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("FT_R2_MIRROR=true but FT_R2_ENDPOINT/FT_R2_BUCKET/FT_R2_ACCESS_KEY_ID/FT_R2_SECRET_ACCESS_KEY are not fully set")
	}

	client, err := r2s3.New(cfg)
	if err != nil {
		return nil, err
	}
	mirror := r2s3.NewMirror(client, r2s3.MirrorOptions{
		DataDir:       dataDir,
		Prefix:        strings.TrimSpace(os.Getenv("FT_R2_PREFIX")),
		Workers:       envInt("FT_R2_UPLOAD_WORKERS", 2),
		QueueCapacity: envInt("FT_R2_QUEUE", 2048),
		Logger:        logger,
	})

	return &r2MirrorRuntime{
		enabled:      true,
		rotateLayout: "2006-01-02-15-04", // 1-minute update segments to lower RPO.
		mirror:       mirror,
	}, nil
}

func (r *r2MirrorRuntime) Close() {
	if r == nil || r.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.mirror.Shutdown(ctx)
}

func (r *r2MirrorRuntime) Enqueue(localPath string) {
	if r == nil || !r.enabled || r.mirror == nil {
		return
	}
	r.mirror.Enqueue(localPath)
}

func (r *r2MirrorRuntime) Stats() (r2s3.Stats, bool) {
	if r == nil || !r.enabled || r.mirror == nil {
		return r2s3.Stats{}, false
	}
	return r.mirror.Stats(), true
}
