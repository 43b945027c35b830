package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArchiveConfig points at an S3-compatible store for finished runs.
type ArchiveConfig struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Archiver copies a finished run's full history (run row, job states,
// checkpoints, events, plan document) to object storage as one JSON
// document, then flags the run archived. Nothing is deleted locally.
type Archiver struct {
	store  *Store
	client *minio.Client
	bucket string
	logger *slog.Logger
}

func NewArchiver(store *Store, cfg ArchiveConfig, logger *slog.Logger) (*Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating archive client: %w", err)
	}
	return &Archiver{store: store, client: client, bucket: cfg.Bucket, logger: logger}, nil
}

// runArchive is the object layout written to storage.
type runArchive struct {
	Run         *Run                `json:"run"`
	Plan        json.RawMessage     `json:"plan"`
	JobStates   map[string]JobState `json:"job_states"`
	Checkpoints []Checkpoint        `json:"checkpoints"`
	Events      []Event             `json:"events"`
}

// Archive uploads runs/<run_id>.json and marks the run archived. The
// run must be finished.
func (a *Archiver) Archive(ctx context.Context, runID string) error {
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.FinishedAt == nil {
		return fmt.Errorf("run %s has not finished", runID)
	}

	p, err := a.store.GetPlan(ctx, run.PlanID)
	if err != nil {
		return err
	}
	planDoc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding plan: %w", err)
	}
	jobs, err := a.store.JobStates(ctx, runID)
	if err != nil {
		return err
	}
	cps, err := a.store.Checkpoints(ctx, runID)
	if err != nil {
		return err
	}
	events, err := a.store.Events(ctx, runID)
	if err != nil {
		return err
	}

	doc, err := json.Marshal(runArchive{
		Run: run, Plan: planDoc, JobStates: jobs, Checkpoints: cps, Events: events,
	})
	if err != nil {
		return fmt.Errorf("encoding archive: %w", err)
	}

	key := fmt.Sprintf("runs/%s.json", runID)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(doc), int64(len(doc)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("uploading archive: %w", err)
	}

	if err := a.store.MarkArchived(ctx, runID); err != nil {
		return err
	}
	a.logger.Info("run archived", "run_id", runID, "bucket", a.bucket, "key", key, "bytes", len(doc))
	return nil
}
