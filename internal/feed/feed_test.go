package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castscribe/internal/queue"
)

const rssTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:itunes="http://www.itunes.com/dtds/podcast-1.0.dtd">
  <channel>
    <title>Trail Talk</title>
    <description>Running conversations</description>
    <item>
      <title>Ep 3: Hill Repeats</title>
      <guid>trail-talk-3</guid>
      <pubDate>Mon, 06 Oct 2025 08:00:00 GMT</pubDate>
      <itunes:duration>00:42:10</itunes:duration>
      <enclosure url="{{base}}/audio/ep3.m4a?token=abc" length="4" type="audio/x-m4a"/>
    </item>
    <item>
      <title>Show notes only</title>
      <link>{{base}}/notes</link>
    </item>
    <item>
      <title>Ep 2: Recovery</title>
      <enclosure url="{{base}}/audio/ep2.mp3" length="4" type="application/octet-stream"/>
    </item>
    <item>
      <title>Ep 1: Missing</title>
      <enclosure url="{{base}}/audio/gone.mp3" length="4" type="audio/mpeg"/>
    </item>
  </channel>
</rss>`

type feedServer struct {
	*httptest.Server
	downloads atomic.Int32
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	fs := &feedServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/feed.xml":
			w.Header().Set("Content-Type", "application/rss+xml")
			_, _ = w.Write([]byte(strings.ReplaceAll(rssTemplate, "{{base}}", fs.URL)))
		case "/empty.xml":
			_, _ = w.Write([]byte(`<rss version="2.0"><channel><title>Quiet</title></channel></rss>`))
		case "/audio/ep3.m4a":
			fs.downloads.Add(1)
			_, _ = w.Write([]byte("ep-3"))
		case "/audio/ep2.mp3":
			fs.downloads.Add(1)
			_, _ = w.Write([]byte("ep-2"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func TestFetch(t *testing.T) {
	t.Parallel()
	srv := newFeedServer(t)
	c := NewClient(Config{Dir: t.TempDir()})

	pod, err := c.Fetch(context.Background(), srv.URL+"/feed.xml", 10)
	require.NoError(t, err)
	assert.Equal(t, "Trail Talk", pod.Title)
	require.Len(t, pod.Episodes, 3, "items without audio are skipped")

	ep := pod.Episodes[0]
	assert.Equal(t, "Ep 3: Hill Repeats", ep.Title)
	assert.Equal(t, srv.URL+"/audio/ep3.m4a?token=abc", ep.AudioURL)
	assert.Equal(t, "00:42:10", ep.Duration)
	assert.Equal(t, "trail-talk-3", ep.GUID)

	assert.Equal(t, srv.URL+"/audio/ep2.mp3", pod.Episodes[1].AudioURL, "audio extension is enough without an audio type")
	assert.Equal(t, pod.Episodes[1].AudioURL, pod.Episodes[1].GUID)

	pod, err = c.Fetch(context.Background(), srv.URL+"/feed.xml", 1)
	require.NoError(t, err)
	assert.Len(t, pod.Episodes, 1)
}

func TestFetch_Errors(t *testing.T) {
	t.Parallel()
	srv := newFeedServer(t)
	c := NewClient(Config{Dir: t.TempDir()})

	_, err := c.Fetch(context.Background(), srv.URL+"/empty.xml", 5)
	assert.ErrorIs(t, err, ErrNoEpisodes)

	_, err = c.Fetch(context.Background(), srv.URL+"/missing.xml", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestDownload_ReusesExistingFile(t *testing.T) {
	t.Parallel()
	srv := newFeedServer(t)
	dir := t.TempDir()
	c := NewClient(Config{Dir: dir})
	ep := Episode{Title: "Ep 3: Hill Repeats", AudioURL: srv.URL + "/audio/ep3.m4a?token=abc"}

	path, err := c.Download(context.Background(), ep, dir)
	require.NoError(t, err)
	assert.Equal(t, ".m4a", filepath.Ext(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ep-3", string(data))

	again, err := c.Download(context.Background(), ep, dir)
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.EqualValues(t, 1, srv.downloads.Load())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestImport(t *testing.T) {
	t.Parallel()
	srv := newFeedServer(t)
	dir := t.TempDir()
	store, err := queue.NewStore(context.Background(), nil)
	require.NoError(t, err)
	imp := NewImporter(NewClient(Config{Dir: dir}), store)
	feedURL := srv.URL + "/feed.xml"

	res, err := imp.Import(context.Background(), feedURL, 5)
	require.NoError(t, err)
	assert.Equal(t, "Trail Talk", res.FeedTitle)
	assert.Len(t, res.JobIDs, 2)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "Ep 1: Missing")

	jobs := store.List(queue.StatusPending)
	require.Len(t, jobs, 2)
	assert.Equal(t, "Ep 3: Hill Repeats", jobs[0].DisplayName)
	assert.Equal(t, "Trail Talk", jobs[0].CollectionName)
	assert.Equal(t, feedURL, jobs[0].FeedURL)
	assert.NotEmpty(t, jobs[0].AudioHash)
	assert.Equal(t, filepath.Join(dir, "Trail Talk"), filepath.Dir(jobs[0].SourceRef))

	res, err = imp.Import(context.Background(), feedURL, 5)
	require.NoError(t, err)
	assert.Empty(t, res.JobIDs)
	assert.Equal(t, 2, res.Skipped)
	assert.Len(t, store.List(), 2)
}
