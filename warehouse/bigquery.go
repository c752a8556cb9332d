// Package warehouse reads the video catalog and channel branding tables
// from BigQuery, and writes catalog path updates back.
package warehouse

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"github.com/ybhmedia/compilation-api/log"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const dataset = "ybh_assest_path"

type VideoInfo struct {
	Path  string
	Title string
}

type ChannelAssets struct {
	Intro string
	Outro string
	Logo  string
}

type VideoRow struct {
	VideoID string
	Path    string
	Title   string
}

type UpsertResult struct {
	VideoID string `json:"video_id"`
	Saved   bool   `json:"saved"`
	Updated bool   `json:"updated"`
	Error   string `json:"error,omitempty"`
}

// Gateway is the read/write interface the API and workers use. Batch reads
// only; per-video lookups are always folded into a single IN-list query.
type Gateway interface {
	ResolveVideos(ctx context.Context, ids []string) (map[string]VideoInfo, error)
	ChannelAssets(ctx context.Context, channel string) (ChannelAssets, error)
	ProductionRoot(ctx context.Context, channel string) (string, error)
	AllChannels(ctx context.Context) ([]string, error)
	ChannelCacheStatus() CacheStatus
	InvalidateChannels()
	UpsertVideos(ctx context.Context, rows []VideoRow) ([]UpsertResult, error)
}

type Client struct {
	bq       *bigquery.Client
	project  string
	channels *channelCache
}

func NewClient(ctx context.Context, project, credentialsFile string) (*Client, error) {
	bq, err := bigquery.NewClient(ctx, project, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("error creating BigQuery client: %w", err)
	}
	c := &Client{bq: bq, project: project}
	c.channels = newChannelCache(c.fetchChannels)
	return c, nil
}

func (c *Client) table(name string) string {
	return fmt.Sprintf("`%s.%s.%s`", c.project, dataset, name)
}

func (c *Client) ResolveVideos(ctx context.Context, ids []string) (map[string]VideoInfo, error) {
	if len(ids) == 0 {
		return map[string]VideoInfo{}, nil
	}

	q := c.bq.Query(fmt.Sprintf(
		"SELECT video_id, path_nyt, video_title FROM %s WHERE video_id IN UNNEST(@video_ids)",
		c.table("path")))
	q.Parameters = []bigquery.QueryParameter{{Name: "video_ids", Value: ids}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("error querying video paths: %w", err)
	}

	out := make(map[string]VideoInfo, len(ids))
	for {
		var row struct {
			VideoID string              `bigquery:"video_id"`
			Path    bigquery.NullString `bigquery:"path_nyt"`
			Title   bigquery.NullString `bigquery:"video_title"`
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading video path row: %w", err)
		}

		path := row.Path.StringVal
		// Some rows carry quoted paths pasted straight from Windows.
		if len(path) >= 2 && path[0] == '"' && path[len(path)-1] == '"' {
			path = path[1 : len(path)-1]
		}
		title := row.Title.StringVal
		if title == "" {
			title = "Video " + row.VideoID
		}
		out[row.VideoID] = VideoInfo{Path: path, Title: title}
	}

	if len(out) < len(ids) {
		log.LogNoJobID("some video ids missing from the catalog", "requested", len(ids), "found", len(out))
	}
	return out, nil
}

func (c *Client) ChannelAssets(ctx context.Context, channel string) (ChannelAssets, error) {
	q := c.bq.Query(fmt.Sprintf(
		"SELECT logo, intro_packaging, end_packaging FROM %s WHERE channel_name = @channel_name",
		c.table("branding_assets")))
	q.Parameters = []bigquery.QueryParameter{{Name: "channel_name", Value: channel}}

	it, err := q.Read(ctx)
	if err != nil {
		return ChannelAssets{}, fmt.Errorf("error querying channel assets: %w", err)
	}

	var row struct {
		Logo  bigquery.NullString `bigquery:"logo"`
		Intro bigquery.NullString `bigquery:"intro_packaging"`
		Outro bigquery.NullString `bigquery:"end_packaging"`
	}
	if err := it.Next(&row); err != nil {
		if err == iterator.Done {
			return ChannelAssets{}, nil
		}
		return ChannelAssets{}, fmt.Errorf("error reading channel assets row: %w", err)
	}
	return ChannelAssets{
		Intro: row.Intro.StringVal,
		Outro: row.Outro.StringVal,
		Logo:  row.Logo.StringVal,
	}, nil
}

func (c *Client) ProductionRoot(ctx context.Context, channel string) (string, error) {
	q := c.bq.Query(fmt.Sprintf(
		"SELECT output_path FROM %s WHERE channel_name = @channel_name",
		c.table("branding_assets")))
	q.Parameters = []bigquery.QueryParameter{{Name: "channel_name", Value: channel}}

	it, err := q.Read(ctx)
	if err != nil {
		return "", fmt.Errorf("error querying production root: %w", err)
	}

	var row struct {
		OutputPath bigquery.NullString `bigquery:"output_path"`
	}
	if err := it.Next(&row); err != nil {
		if err == iterator.Done {
			return "", nil
		}
		return "", fmt.Errorf("error reading production root row: %w", err)
	}
	return row.OutputPath.StringVal, nil
}

func (c *Client) AllChannels(ctx context.Context) ([]string, error) {
	return c.channels.Get(ctx)
}

func (c *Client) ChannelCacheStatus() CacheStatus {
	return c.channels.Status()
}

func (c *Client) InvalidateChannels() {
	c.channels.Invalidate()
}

func (c *Client) fetchChannels(ctx context.Context) ([]string, error) {
	q := c.bq.Query(fmt.Sprintf(
		"SELECT channel_name FROM %s ORDER BY channel_name", c.table("branding_assets")))

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("error querying channels: %w", err)
	}

	var channels []string
	for {
		var row struct {
			ChannelName string `bigquery:"channel_name"`
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading channel row: %w", err)
		}
		channels = append(channels, row.ChannelName)
	}
	return channels, nil
}

// UpsertVideos updates existing catalog rows and inserts new ones using DML.
// Streaming inserts are deliberately avoided: rows land in the streaming
// buffer and cannot be UPDATEd for up to 90 minutes.
func (c *Client) UpsertVideos(ctx context.Context, rows []VideoRow) ([]UpsertResult, error) {
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.VideoID)
	}
	existing, err := c.ResolveVideos(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]UpsertResult, 0, len(rows))
	for _, r := range rows {
		res := UpsertResult{VideoID: r.VideoID}
		_, exists := existing[r.VideoID]

		var stmt string
		if exists {
			stmt = fmt.Sprintf(
				"UPDATE %s SET path_nyt = @path, video_title = @title WHERE video_id = @video_id",
				c.table("path"))
			res.Updated = true
		} else {
			stmt = fmt.Sprintf(
				"INSERT INTO %s (video_id, path_nyt, video_title) VALUES (@video_id, @path, @title)",
				c.table("path"))
			res.Saved = true
		}

		q := c.bq.Query(stmt)
		q.Parameters = []bigquery.QueryParameter{
			{Name: "video_id", Value: r.VideoID},
			{Name: "path", Value: r.Path},
			{Name: "title", Value: r.Title},
		}
		job, err := q.Run(ctx)
		if err == nil {
			var status *bigquery.JobStatus
			if status, err = job.Wait(ctx); err == nil {
				err = status.Err()
			}
		}
		if err != nil {
			res.Saved, res.Updated = false, false
			res.Error = err.Error()
			log.LogNoJobID("catalog upsert failed", "video_id", r.VideoID, "err", err)
		}
		results = append(results, res)
	}
	return results, nil
}
