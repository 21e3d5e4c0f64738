package skills

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
)

// Maximum reference images fetched from a single post.
const maxGalleryImages = 5

var shortcodeRE = regexp.MustCompile(`instagram\.com/(?:p|reel)/([A-Za-z0-9_-]+)`)

// PostFetcher resolves a post shortcode to its image URLs.
type PostFetcher interface {
	FetchPostImages(ctx context.Context, shortcode string) ([]string, error)
}

// GallerySkill fetches reference images from social posts and pins
// them into storage.
type GallerySkill struct {
	fetcher PostFetcher
	storage MediaStore
	logger  *slog.Logger
}

// NewGallerySkill creates a GallerySkill.
func NewGallerySkill(fetcher PostFetcher, media MediaStore, logger *slog.Logger) *GallerySkill {
	if logger == nil {
		logger = slog.Default()
	}
	return &GallerySkill{fetcher: fetcher, storage: media, logger: logger}
}

// FetchedImage is a reference image pinned from a post.
type FetchedImage struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
}

// ParseShortcode extracts the post shortcode from a URL. Supports both
// /p/ and /reel/ link forms.
func ParseShortcode(url string) (string, error) {
	m := shortcodeRE.FindStringSubmatch(url)
	if m == nil {
		return "", fmt.Errorf("unable to parse post URL: %s", url)
	}
	return m[1], nil
}

// Fetch downloads up to maxGalleryImages images from the post and
// saves each to storage. Individual download failures are skipped.
func (sk *GallerySkill) Fetch(ctx context.Context, postURL string) ([]FetchedImage, error) {
	shortcode, err := ParseShortcode(postURL)
	if err != nil {
		return nil, err
	}

	urls, err := sk.fetcher.FetchPostImages(ctx, shortcode)
	if err != nil {
		return nil, fmt.Errorf("fetch post images: %w", err)
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("no images found in post (it may be video-only)")
	}
	if len(urls) > maxGalleryImages {
		urls = urls[:maxGalleryImages]
	}

	var fetched []FetchedImage
	for i, u := range urls {
		_, savedURL, err := sk.storage.SaveFromURL(ctx, u)
		if err != nil {
			sk.logger.Warn("failed to download post image", "index", i, "error", err)
			continue
		}
		fetched = append(fetched, FetchedImage{Index: i, URL: savedURL})
	}
	if len(fetched) == 0 {
		return nil, fmt.Errorf("failed to download any images")
	}
	return fetched, nil
}
