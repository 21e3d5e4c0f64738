package skills

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePostFetcher struct {
	images       []string
	err          error
	gotShortcode string
}

func (f *fakePostFetcher) FetchPostImages(ctx context.Context, shortcode string) ([]string, error) {
	f.gotShortcode = shortcode
	return f.images, f.err
}

func TestParseShortcode(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://www.instagram.com/p/ABC123/", "ABC123"},
		{"https://www.instagram.com/reel/xyz_-9/", "xyz_-9"},
		{"https://instagram.com/p/ABC123", "ABC123"},
	}
	for _, tc := range cases {
		got, err := ParseShortcode(tc.url)
		require.NoError(t, err, tc.url)
		assert.Equal(t, tc.want, got)
	}

	_, err := ParseShortcode("https://example.com/photo.jpg")
	assert.ErrorContains(t, err, "unable to parse post URL")
}

func TestGalleryFetch(t *testing.T) {
	fetcher := &fakePostFetcher{images: []string{"https://cdn.example.com/1.jpg", "https://cdn.example.com/2.jpg"}}
	media := &fakeMediaStore{}
	sk := NewGallerySkill(fetcher, media, nil)

	fetched, err := sk.Fetch(context.Background(), "https://www.instagram.com/p/ABC123/")
	require.NoError(t, err)
	assert.Equal(t, "ABC123", fetcher.gotShortcode)
	require.Len(t, fetched, 2)
	assert.Equal(t, 0, fetched[0].Index)
	assert.Equal(t, "/uploads/blob-1", fetched[0].URL)
}

func TestGalleryFetch_CapsAtFive(t *testing.T) {
	var urls []string
	for i := 0; i < 8; i++ {
		urls = append(urls, fmt.Sprintf("https://cdn.example.com/%d.jpg", i))
	}
	sk := NewGallerySkill(&fakePostFetcher{images: urls}, &fakeMediaStore{}, nil)

	fetched, err := sk.Fetch(context.Background(), "https://instagram.com/p/X/")
	require.NoError(t, err)
	assert.Len(t, fetched, 5)
}

func TestGalleryFetch_SkipsFailedDownloads(t *testing.T) {
	fetcher := &fakePostFetcher{images: []string{"https://cdn.example.com/ok.jpg", "https://cdn.example.com/bad.jpg"}}
	media := &fakeMediaStore{failOn: "https://cdn.example.com/bad.jpg"}
	sk := NewGallerySkill(fetcher, media, nil)

	fetched, err := sk.Fetch(context.Background(), "https://instagram.com/p/X/")
	require.NoError(t, err)
	require.Len(t, fetched, 1)
	assert.Equal(t, 0, fetched[0].Index)
}

func TestGalleryFetch_NoImages(t *testing.T) {
	sk := NewGallerySkill(&fakePostFetcher{}, &fakeMediaStore{}, nil)
	_, err := sk.Fetch(context.Background(), "https://instagram.com/p/X/")
	assert.ErrorContains(t, err, "no images found")
}

func TestGalleryFetch_AllDownloadsFail(t *testing.T) {
	fetcher := &fakePostFetcher{images: []string{"https://cdn.example.com/bad.jpg"}}
	media := &fakeMediaStore{failOn: "https://cdn.example.com/bad.jpg"}
	sk := NewGallerySkill(fetcher, media, nil)

	_, err := sk.Fetch(context.Background(), "https://instagram.com/p/X/")
	assert.ErrorContains(t, err, "failed to download any images")
}
