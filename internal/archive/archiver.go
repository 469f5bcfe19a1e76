// Package archive periodically samples the live market lists and uploads
// each sample as a parquet object to S3. It is an optional sidecar: upload
// failures are logged and never reach the market data services.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	appconfig "marketfeed/config"
	"marketfeed/internal/marketdata"
	"marketfeed/internal/models"
	"marketfeed/logger"
)

// Archiver drives the sampling loop for both market classes.
type Archiver struct {
	cfg      appconfig.ArchiveConfig
	perp     *marketdata.PerpService
	spot     *marketdata.SpotService
	s3Client *s3.Client
	limiter  *rate.Limiter
	log      *logger.Log
	wg       sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewArchiver builds an archiver for the two services. The S3 client is
// configured the same way for real AWS and for S3-compatible endpoints
// (custom endpoint plus path-style addressing).
func NewArchiver(cfg appconfig.ArchiveConfig, perp *marketdata.PerpService, spot *marketdata.SpotService) (*Archiver, error) {
	log := logger.GetLogger()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3.Region),
	}
	if cfg.S3.AccessKeyID != "" && cfg.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3.AccessKeyID, cfg.S3.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
		}
		o.UsePathStyle = cfg.S3.PathStyle
	})

	uploadsPerMinute := cfg.UploadsPerMinute
	if uploadsPerMinute <= 0 {
		uploadsPerMinute = 30
	}

	a := &Archiver{
		cfg:      cfg,
		perp:     perp,
		spot:     spot,
		s3Client: s3Client,
		limiter:  rate.NewLimiter(rate.Limit(float64(uploadsPerMinute)/60.0), 1),
		log:      log,
	}

	log.WithComponent("archiver").WithFields(logger.Fields{
		"bucket":     cfg.S3.Bucket,
		"region":     cfg.S3.Region,
		"prefix":     cfg.S3.Prefix,
		"interval":   cfg.Interval.String(),
		"path_style": cfg.S3.PathStyle,
	}).Info("archiver initialized")

	return a, nil
}

// Start launches the sampling loop. It returns an error if the archiver is
// already running.
func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("archiver already running")
	}
	a.running = true
	a.mu.Unlock()

	interval := a.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	a.wg.Add(1)
	go a.sampleLoop(ctx, interval)

	a.log.WithComponent("archiver").Info("archiver started")
	return nil
}

// Stop waits for the sampling loop to exit. The loop itself stops when the
// context given to Start is cancelled.
func (a *Archiver) Stop() {
	a.wg.Wait()
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	a.log.WithComponent("archiver").Info("archiver stopped")
}

func (a *Archiver) sampleLoop(ctx context.Context, interval time.Duration) {
	defer a.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sample(ctx)
		}
	}
}

// sample captures both market lists and uploads one parquet object per
// non-empty class.
func (a *Archiver) sample(ctx context.Context) {
	now := time.Now().UTC()
	if recs := perpRecords(a.perp.GetMarkets(), now); len(recs) > 0 {
		a.upload(ctx, "perp", now, recs)
	}
	if recs := spotRecords(a.spot.GetMarkets(), now); len(recs) > 0 {
		a.upload(ctx, "spot", now, recs)
	}
}

func perpRecords(markets []models.PerpMarket, ts time.Time) []Record {
	recs := make([]Record, 0, len(markets))
	for _, m := range markets {
		recs = append(recs, Record{
			Class:            "perp",
			ID:               m.ID,
			Symbol:           m.Coin,
			Pair:             m.Pair,
			Timestamp:        ts.UnixMilli(),
			LastPrice:        m.LastPrice,
			MarkPrice:        m.MarkPrice,
			Change24h:        m.Change24h,
			ChangePercent24h: m.ChangePercent24h,
			Volume24h:        m.Volume24h,
			OpenInterest:     m.OpenInterest,
			Funding8h:        m.Funding8h,
		})
	}
	return recs
}

func spotRecords(markets []models.SpotMarket, ts time.Time) []Record {
	recs := make([]Record, 0, len(markets))
	for _, m := range markets {
		recs = append(recs, Record{
			Class:            "spot",
			ID:               m.ID,
			Symbol:           m.Token,
			Pair:             m.Pair,
			Timestamp:        ts.UnixMilli(),
			LastPrice:        m.LastPrice,
			MarkPrice:        m.MarkPrice,
			Change24h:        m.Change24h,
			ChangePercent24h: m.ChangePercent24h,
			Volume24h:        m.Volume24h,
			MarketCap:        m.MarketCap,
		})
	}
	return recs
}

func (a *Archiver) upload(ctx context.Context, class string, ts time.Time, records []Record) {
	log := a.log.WithComponent("archiver").WithFields(logger.Fields{
		"class":   class,
		"records": len(records),
	})

	data, err := encodeParquet(records)
	if err != nil {
		log.WithError(err).Error("failed to encode parquet sample")
		return
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return
	}

	key := a.objectKey(class, ts)
	_, err = a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.S3.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"bucket": a.cfg.S3.Bucket,
			"s3_key": key,
		}).Error("failed to upload sample to S3")
		logger.PublishMetric(ctx, "archiver", "S3UploadFailures", 1, logger.Fields{"class": class})
		return
	}

	logger.IncrementArchiveUpload(int64(len(data)))
	logger.PublishMetric(ctx, "archiver", "S3Uploads", 1, logger.Fields{"class": class})

	log.WithFields(logger.Fields{
		"s3_key":    key,
		"file_size": len(data),
	}).Info("sample archived")
}

func (a *Archiver) objectKey(class string, ts time.Time) string {
	prefix := a.cfg.S3.Prefix
	if prefix == "" {
		prefix = "marketfeed"
	}
	return fmt.Sprintf("%s/%s/%s/%s.parquet", prefix, class, ts.Format("2006-01-02"), uuid.New().String())
}
