package proc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
)

// YTMusicProvider searches the YouTube Music catalog. Song entries there are
// the best source for properly split artist credits.
type YTMusicProvider struct{}

func (YTMusicProvider) Name() string { return "ytmusic" }

func (YTMusicProvider) Search(ctx context.Context, query string) ([]Candidate, error) {
	// The client has no context support, so run it on the side and abandon
	// the call when the deadline hits.
	type outcome struct {
		candidates []Candidate
		err        error
	}
	ch := make(chan outcome, 1)

	go func() {
		s := ytmusic.TrackSearch(query)
		r, err := s.Next()
		if err != nil {
			ch <- outcome{nil, err}
			return
		}

		var out []Candidate
		for _, v := range r.Tracks {
			if v.VideoID == "" {
				continue
			}
			var artists []string
			for _, a := range v.Artists {
				artists = append(artists, a.Name)
			}
			out = append(out, Candidate{
				BackendID: v.VideoID,
				Title:     v.Title,
				Artists:   artists,
			})
		}
		ch <- outcome{out, nil}
	}()

	select {
	case o := <-ch:
		return o.candidates, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// YTSearchProvider searches plain YouTube. Results carry no artist split, so
// they score on title alone.
type YTSearchProvider struct{}

func (YTSearchProvider) Name() string { return "ytsearch" }

func (YTSearchProvider) Search(ctx context.Context, query string) ([]Candidate, error) {
	c := ytsearch.NewClient(nil)
	r, err := c.Search(ctx, query)
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, v := range r.Results {
		if v.VideoID == "" {
			continue
		}
		out = append(out, Candidate{
			BackendID: v.VideoID,
			Title:     v.Title,
		})
	}
	return out, nil
}

// YTDLPBackend fetches stream details for a backend id through yt-dlp.
type YTDLPBackend struct{}

func (YTDLPBackend) Fetch(ctx context.Context, backendID string) (*ResolvedBackend, error) {
	target := backendID
	if !strings.HasPrefix(target, "http") {
		target = "https://www.youtube.com/watch?v=" + backendID
	}

	res, err := ytdlp.New().
		Format("bestaudio[ext=webm]/bestaudio").
		Print("%(url)s\t%(title)s\t%(duration)s\t%(id)s").
		NoSimulate().
		NoWarnings().
		IgnoreConfig().
		Run(ctx, "--skip-download", target)

	if err != nil {
		if res != nil && isUnavailable(res.Stderr) {
			return nil, fmt.Errorf("%s: %w", backendID, ErrResourceGone)
		}
		return nil, err
	}

	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		parts := strings.Split(line, "\t")
		if len(parts) < 4 {
			continue
		}
		duration, _ := time.ParseDuration(parts[2] + "s")
		return &ResolvedBackend{
			ID:        parts[3],
			Title:     parts[1],
			StreamURL: parts[0],
			Duration:  duration,
		}, nil
	}
	return nil, errors.New("failed to resolve stream metadata")
}

func isUnavailable(stderr string) bool {
	msg := strings.ToLower(stderr)
	return strings.Contains(msg, "video unavailable") ||
		strings.Contains(msg, "has been removed") ||
		strings.Contains(msg, "private video") ||
		strings.Contains(msg, "no longer available")
}
