// Package store provides typed operations over the jobs, job_items,
// profiles and compilation_history tables in Postgres.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("not found")

type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type ItemType string

const (
	ItemIntro      ItemType = "intro"
	ItemVideo      ItemType = "video"
	ItemTransition ItemType = "transition"
	ItemOutro      ItemType = "outro"
	ItemImage      ItemType = "image"
)

type Job struct {
	JobID             string
	UserID            string
	ChannelName       string
	Status            JobStatus
	Progress          int
	ProgressMessage   string
	Enable4K          bool
	DefaultLogoPath   string
	OutputPath        string
	ProductionPath    string
	MovedToProduction bool
	ProductionMovedAt *time.Time
	FinalDuration     float64
	ErrorMessage      string
	WorkerID          string
	QueueName         string
	TaskID            string
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

type Item struct {
	JobID         string
	Position      int
	ItemType      ItemType
	VideoID       string
	Title         string
	Path          string
	LogoPath      string
	Duration      float64
	Resolution    string
	Is4K          bool
	TextAnimation string
}

type Profile struct {
	ID          string
	Username    string
	DisplayName string
}

type HistoryRow struct {
	JobID          string
	UserID         string
	ChannelName    string
	VideoCount     int
	TotalDuration  float64
	OutputFilename string
}

// JobPatch enumerates every legal field update on a job row. A nil field is
// left untouched. This is the only mutation path the store accepts.
type JobPatch struct {
	Status            *JobStatus
	Progress          *int
	ProgressMessage   *string
	TaskID            *string
	WorkerID          *string
	QueueName         *string
	OutputPath        *string
	ProductionPath    *string
	MovedToProduction *bool
	ProductionMovedAt *time.Time
	FinalDuration     *float64
	ErrorMessage      *string
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const jobColumns = `job_id, user_id, channel_name, status, progress, progress_message,
	enable_4k, default_logo_path, output_path, production_path, moved_to_production,
	production_moved_at, final_duration, error_message, worker_id, queue_name, task_id,
	created_at, started_at, completed_at`

func scanJob(row interface{ Scan(...interface{}) error }) (Job, error) {
	var j Job
	var (
		progressMessage, defaultLogo, outputPath, productionPath sql.NullString
		errorMessage, workerID, queueName, taskID                sql.NullString
		productionMovedAt, startedAt, completedAt                sql.NullTime
		finalDuration                                            sql.NullFloat64
	)
	err := row.Scan(&j.JobID, &j.UserID, &j.ChannelName, &j.Status, &j.Progress, &progressMessage,
		&j.Enable4K, &defaultLogo, &outputPath, &productionPath, &j.MovedToProduction,
		&productionMovedAt, &finalDuration, &errorMessage, &workerID, &queueName, &taskID,
		&j.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return Job{}, err
	}
	j.ProgressMessage = progressMessage.String
	j.DefaultLogoPath = defaultLogo.String
	j.OutputPath = outputPath.String
	j.ProductionPath = productionPath.String
	j.FinalDuration = finalDuration.Float64
	j.ErrorMessage = errorMessage.String
	j.WorkerID = workerID.String
	j.QueueName = queueName.String
	j.TaskID = taskID.String
	if productionMovedAt.Valid {
		j.ProductionMovedAt = &productionMovedAt.Time
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	return j, nil
}

// CreateJob inserts the job row and all item rows in one transaction.
func (s *Store) CreateJob(ctx context.Context, job Job, items []Item) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO jobs
		(job_id, user_id, channel_name, status, progress, progress_message, enable_4k,
		 default_logo_path, final_duration, moved_to_production, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())`,
		job.JobID, job.UserID, job.ChannelName, job.Status, job.Progress, job.ProgressMessage,
		job.Enable4K, nullable(job.DefaultLogoPath), job.FinalDuration, job.MovedToProduction)
	if err != nil {
		return fmt.Errorf("error inserting job: %w", err)
	}

	for _, item := range items {
		_, err = tx.ExecContext(ctx, `INSERT INTO job_items
			(job_id, position, item_type, video_id, title, path, logo_path, duration,
			 resolution, is_4k, text_animation_text)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			item.JobID, item.Position, item.ItemType, nullable(item.VideoID), item.Title,
			item.Path, nullable(item.LogoPath), item.Duration, item.Resolution, item.Is4K,
			nullable(item.TextAnimation))
		if err != nil {
			return fmt.Errorf("error inserting job item %d: %w", item.Position, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetJob(ctx context.Context, jobID string) (Job, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM jobs WHERE job_id = $1", jobColumns), jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("error loading job %s: %w", jobID, err)
	}
	return job, nil
}

// JobStatus is a cheap status read used by in-flight cancellation polls.
func (s *Store) JobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	var status JobStatus
	err := s.db.QueryRowContext(ctx, "SELECT status FROM jobs WHERE job_id = $1", jobID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("error loading job status: %w", err)
	}
	return status, nil
}

func (s *Store) ListItems(ctx context.Context, jobID string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, position, item_type, video_id, title,
		path, logo_path, duration, resolution, is_4k, text_animation_text
		FROM job_items WHERE job_id = $1 ORDER BY position`, jobID)
	if err != nil {
		return nil, fmt.Errorf("error loading job items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		var videoID, title, path, logoPath, resolution, textAnimation sql.NullString
		var duration sql.NullFloat64
		var is4k sql.NullBool
		err := rows.Scan(&item.JobID, &item.Position, &item.ItemType, &videoID, &title,
			&path, &logoPath, &duration, &resolution, &is4k, &textAnimation)
		if err != nil {
			return nil, fmt.Errorf("error scanning job item: %w", err)
		}
		item.VideoID = videoID.String
		item.Title = title.String
		item.Path = path.String
		item.LogoPath = logoPath.String
		item.Duration = duration.Float64
		item.Resolution = resolution.String
		item.Is4K = is4k.Bool
		item.TextAnimation = textAnimation.String
		items = append(items, item)
	}
	return items, rows.Err()
}

// UpdateJob applies a patch. Returns ErrNotFound if the row does not exist.
func (s *Store) UpdateJob(ctx context.Context, jobID string, patch JobPatch) error {
	var sets []string
	var args []interface{}
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.Progress != nil {
		add("progress", *patch.Progress)
	}
	if patch.ProgressMessage != nil {
		add("progress_message", *patch.ProgressMessage)
	}
	if patch.TaskID != nil {
		add("task_id", *patch.TaskID)
	}
	if patch.WorkerID != nil {
		add("worker_id", *patch.WorkerID)
	}
	if patch.QueueName != nil {
		add("queue_name", *patch.QueueName)
	}
	if patch.OutputPath != nil {
		add("output_path", *patch.OutputPath)
	}
	if patch.ProductionPath != nil {
		add("production_path", *patch.ProductionPath)
	}
	if patch.MovedToProduction != nil {
		add("moved_to_production", *patch.MovedToProduction)
	}
	if patch.ProductionMovedAt != nil {
		add("production_moved_at", *patch.ProductionMovedAt)
	}
	if patch.FinalDuration != nil {
		add("final_duration", *patch.FinalDuration)
	}
	if patch.ErrorMessage != nil {
		add("error_message", *patch.ErrorMessage)
	}
	if patch.StartedAt != nil {
		add("started_at", *patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, jobID)
	query := fmt.Sprintf("UPDATE jobs SET %s WHERE job_id = $%d", strings.Join(sets, ", "), len(args))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("error updating job %s: %w", jobID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStaleQueued returns queued jobs with no assigned worker older than age.
func (s *Store) ListStaleQueued(ctx context.Context, age time.Duration) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM jobs
		 WHERE status = 'queued' AND worker_id IS NULL AND created_at < now() - $1::interval
		 ORDER BY created_at`, jobColumns),
		fmt.Sprintf("%d seconds", int(age.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("error listing stale jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListActiveJobs returns queued and processing jobs ordered by creation time,
// which defines the queue position arithmetic for the stats endpoint.
func (s *Store) ListActiveJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM jobs WHERE status IN ('queued', 'processing') ORDER BY created_at`,
		jobColumns))
	if err != nil {
		return nil, fmt.Errorf("error listing active jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) GetProfile(ctx context.Context, userID string) (Profile, error) {
	var p Profile
	var displayName sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, display_name FROM profiles WHERE id = $1", userID).
		Scan(&p.ID, &p.Username, &displayName)
	if err == sql.ErrNoRows {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("error loading profile %s: %w", userID, err)
	}
	p.DisplayName = displayName.String
	return p, nil
}

// InsertHistory records a completed compilation for analytics. Best-effort
// from the caller's perspective.
func (s *Store) InsertHistory(ctx context.Context, h HistoryRow) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO compilation_history
		(job_id, user_id, channel_name, video_count, total_duration, output_filename)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		h.JobID, h.UserID, h.ChannelName, h.VideoCount, h.TotalDuration, h.OutputFilename)
	if err != nil {
		return fmt.Errorf("error inserting compilation history: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
