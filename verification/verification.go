// Package verification assembles the proposed compilation sequence for a
// request and checks that every referenced file is actually reachable,
// before anything is persisted or dispatched.
package verification

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/ybhmedia/compilation-api/share"
	"github.com/ybhmedia/compilation-api/video"
	"github.com/ybhmedia/compilation-api/warehouse"
)

const errVideoNotFound = "Video ID not found"

// Request mirrors the verify endpoint's body.
type Request struct {
	ChannelName  string   `json:"channel_name"`
	VideoIDs     []string `json:"video_ids"`
	ManualPaths  []string `json:"manual_paths"`
	IncludeIntro bool     `json:"include_intro"`
	IncludeOutro bool     `json:"include_outro"`
	EnableLogos  bool     `json:"enable_logos"`
}

// Item is one verified entry of the proposed sequence.
type Item struct {
	Position      int     `json:"position"`
	ItemType      string  `json:"item_type"`
	VideoID       string  `json:"video_id,omitempty"`
	Title         string  `json:"title,omitempty"`
	Path          string  `json:"path"`
	LogoPath      string  `json:"logo_path,omitempty"`
	PathAvailable bool    `json:"path_available"`
	Duration      float64 `json:"duration"`
	Resolution    string  `json:"resolution,omitempty"`
	Is4K          bool    `json:"is_4k"`
	TextAnimation string  `json:"text_animation_text,omitempty"`
	Error         string  `json:"error,omitempty"`
}

type Result struct {
	DefaultLogoPath string  `json:"default_logo_path,omitempty"`
	TotalDuration   float64 `json:"total_duration"`
	Items           []Item  `json:"items"`
}

// VideoResolver is the slice of the warehouse the service needs.
type VideoResolver interface {
	ResolveVideos(ctx context.Context, ids []string) (map[string]warehouse.VideoInfo, error)
	ChannelAssets(ctx context.Context, channel string) (warehouse.ChannelAssets, error)
}

type Service struct {
	Warehouse  VideoResolver
	Prober     video.Prober
	Normalizer share.Normalizer
	// ProbeWorkers bounds the probe fan-out; zero means the prober default.
	ProbeWorkers int
}

// Verify builds the ordered item list for the request and annotates every
// item with availability and probed metadata.
func (s Service) Verify(ctx context.Context, req Request) (Result, error) {
	assets, err := s.Warehouse.ChannelAssets(ctx, req.ChannelName)
	if err != nil {
		return Result{}, err
	}
	if !req.IncludeIntro {
		assets.Intro = ""
	}
	if !req.IncludeOutro {
		assets.Outro = ""
	}
	if !req.EnableLogos {
		assets.Logo = ""
	}

	resolved, err := s.Warehouse.ResolveVideos(ctx, req.VideoIDs)
	if err != nil {
		return Result{}, err
	}

	var items []Item
	if assets.Intro != "" {
		items = append(items, Item{ItemType: "intro", Path: assets.Intro})
	}
	for _, id := range req.VideoIDs {
		info, ok := resolved[id]
		if !ok {
			items = append(items, Item{ItemType: "video", VideoID: id, Error: errVideoNotFound})
			continue
		}
		items = append(items, Item{ItemType: "video", VideoID: id, Title: info.Title, Path: info.Path})
	}
	for _, p := range req.ManualPaths {
		items = append(items, Item{ItemType: "transition", Path: p})
	}
	if assets.Outro != "" {
		items = append(items, Item{ItemType: "outro", Path: assets.Outro})
	}
	for i := range items {
		items[i].Position = i + 1
	}

	s.annotate(ctx, items, assets.Logo)

	return Result{
		DefaultLogoPath: assets.Logo,
		TotalDuration:   totalDuration(items),
		Items:           items,
	}, nil
}

// Revalidate reruns path checking over a user-edited item list, keeping
// positions and types but refreshing availability and metadata.
func (s Service) Revalidate(ctx context.Context, items []Item, defaultLogo string) Result {
	// Editing may have replaced paths, so previous probe results are void.
	for i := range items {
		items[i].PathAvailable = false
		items[i].Duration = 0
		items[i].Resolution = ""
		items[i].Is4K = false
		if items[i].Error == errVideoNotFound && items[i].Path != "" {
			items[i].Error = ""
		}
	}
	s.annotate(ctx, items, defaultLogo)
	return Result{
		DefaultLogoPath: defaultLogo,
		TotalDuration:   totalDuration(items),
		Items:           items,
	}
}

// VerifyPath checks a single path and reports what was found there.
func (s Service) VerifyPath(ctx context.Context, path string) Item {
	item := Item{Position: 1, ItemType: "transition", Path: path}
	normalized := s.Normalizer.Normalize(path)
	info, err := s.Prober.Probe(ctx, normalized)
	if err != nil {
		item.Error = probeError(err)
		return item
	}
	item.Path = normalized
	item.PathAvailable = true
	item.Duration = info.Duration
	item.Resolution = info.Resolution()
	item.Is4K = info.Is4K
	return item
}

// annotate probes every distinct path once and fans the results back onto
// the items. Items sharing a path (the same video twice in the sequence)
// share the probe result.
func (s Service) annotate(ctx context.Context, items []Item, logo string) {
	var paths []string
	seen := map[string]bool{}
	for i := range items {
		if items[i].Path == "" {
			continue
		}
		items[i].Path = s.Normalizer.Normalize(items[i].Path)
		if !seen[items[i].Path] {
			seen[items[i].Path] = true
			paths = append(paths, items[i].Path)
		}
	}

	probed := s.Prober.ProbeAll(ctx, paths, s.ProbeWorkers)

	for i := range items {
		item := &items[i]
		if item.ItemType == "video" && logo != "" && item.Error == "" {
			item.LogoPath = s.Normalizer.Normalize(logo)
		}
		if item.Path == "" {
			continue
		}
		info := probed[item.Path]
		if info == nil {
			if item.Error == "" {
				item.Error = "File not accessible: " + filepath.Base(strings.ReplaceAll(item.Path, `\`, "/"))
			}
			continue
		}
		item.PathAvailable = true
		item.Duration = info.Duration
		item.Resolution = info.Resolution()
		item.Is4K = info.Is4K
	}
}

func totalDuration(items []Item) float64 {
	var total float64
	for _, item := range items {
		if item.PathAvailable {
			total += item.Duration
		}
	}
	return total
}

func probeError(err error) string {
	if errors.Is(err, video.ErrMissing) {
		return "File not found"
	}
	return err.Error()
}
