package gtfs

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metroroute/internal/domain"
)

var feedFiles = map[string]string{
	"routes.txt": "\xef\xbb\xbfroute_id,route_short_name,route_long_name,route_type,route_color\n" +
		"M1,M1,North-South,1,E30613\n" +
		"M2,M2,East-West,1,00529F\n" +
		"B10,10,Bus,3,\n",
	"stops.txt": "stop_id,stop_code,stop_name,stop_lat,stop_lon,location_type,parent_station\n" +
		"P_CEN,,Centrum,52.23,21.01,1,\n" +
		"S1,,Młociny,52.29,20.93,0,\n" +
		"S2,,Centrum M1,52.23,21.01,0,P_CEN\n" +
		"S3,,Kabaty,52.13,21.06,0,\n" +
		"S4,,Centrum M2,52.23,21.01,0,P_CEN\n" +
		"S5,,Wola,52.24,20.95,0,\n" +
		"S6,,Praga,52.25,21.03,0,\n",
	"trips.txt": "route_id,service_id,trip_id\n" +
		"M1,WD,T1\n" +
		"M1,WD,T2\n" +
		"M2,WD,T3\n" +
		"B10,WD,T4\n",
	"stop_times.txt": "trip_id,arrival_time,departure_time,stop_id,stop_sequence\n" +
		"T1,08:00:00,08:00:00,S1,1\n" +
		"T1,08:10:00,08:10:00,S3,3\n" +
		"T1,08:05:00,08:05:00,S2,2\n" +
		"T2,09:00:00,09:00:00,S1,1\n" +
		"T2,09:05:00,09:05:00,S2,2\n" +
		"T3,08:00:00,08:00:00,S5,1\n" +
		"T3,08:04:00,08:04:00,S4,2\n" +
		"T3,08:08:00,08:08:00,S6,3\n" +
		"T4,08:00:00,08:00:00,S1,1\n" +
		"T4,08:30:00,08:30:00,S6,2\n",
	"transfers.txt": "from_stop_id,to_stop_id,transfer_type,min_transfer_time\n" +
		"S2,S4,2,120\n" +
		"S3,S6,3,\n",
}

func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseFeed(t *testing.T, files map[string]string) *ParseResult {
	t.Helper()
	data := buildArchive(t, files)
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	result, err := NewParser(testLogger(), domain.RouteTypeSubway).Parse(reader)
	require.NoError(t, err)
	return result
}

func TestParse_FiltersRouteTypes(t *testing.T) {
	result := parseFeed(t, feedFiles)

	require.Len(t, result.Routes, 2)
	assert.Contains(t, result.Routes, "M1")
	assert.Contains(t, result.Routes, "M2")
	assert.NotContains(t, result.Patterns, "B10")
	assert.Equal(t, "E30613", result.Routes["M1"].Color)
}

func TestParse_LongestTripPattern(t *testing.T) {
	result := parseFeed(t, feedFiles)

	m1 := result.Patterns["M1"]
	require.NotNil(t, m1)
	assert.Equal(t, "T1", m1.TripID)
	assert.Equal(t, []string{"S1", "S2", "S3"}, m1.StopIDs)

	assert.Equal(t, []string{"S5", "S4", "S6"}, result.Patterns["M2"].StopIDs)
}

func TestParse_StopsAndTransfers(t *testing.T) {
	result := parseFeed(t, feedFiles)

	assert.Equal(t, "P_CEN", result.Stops["S2"].ParentStation)
	assert.Equal(t, 1, result.Stops["P_CEN"].LocationType)

	require.Len(t, result.Transfers, 1)
	assert.Equal(t, domain.FeedTransfer{FromStopID: "S2", ToStopID: "S4", MinTransferTime: 120}, result.Transfers[0])
}

func TestParse_MissingFile(t *testing.T) {
	files := map[string]string{"routes.txt": feedFiles["routes.txt"]}
	data := buildArchive(t, files)
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	_, err = NewParser(testLogger()).Parse(reader)
	assert.ErrorContains(t, err, "stops.txt")
}

func TestParseCache(t *testing.T) {
	dir := t.TempDir()
	cache := NewParseCache(dir, 2)
	result := parseFeed(t, feedFiles)
	fp := DataFingerprint([]byte("feed-v1"))

	_, err := cache.Load(fp)
	require.Error(t, err)

	require.NoError(t, cache.Save(fp, result))

	loaded, err := cache.Load(fp)
	require.NoError(t, err)
	assert.Equal(t, result.Patterns["M1"].StopIDs, loaded.Patterns["M1"].StopIDs)
	assert.Len(t, loaded.Stops, len(result.Stops))

	assert.NotEqual(t, fp, DataFingerprint([]byte("feed-v2")))

	t.Run("prunes old entries", func(t *testing.T) {
		for i, v := range []string{"feed-v2", "feed-v3"} {
			// Distinct mtimes keep the pruning order deterministic.
			time.Sleep(time.Duration(i+1) * 20 * time.Millisecond)
			require.NoError(t, cache.Save(DataFingerprint([]byte(v)), result))
		}

		entries, err := filepath.Glob(filepath.Join(dir, "feed_*.gob.zst"))
		require.NoError(t, err)
		assert.Len(t, entries, 2)

		_, err = cache.Load(fp)
		assert.Error(t, err, "oldest entry should be pruned")
		_, err = cache.Load(DataFingerprint([]byte("feed-v3")))
		assert.NoError(t, err)
	})
}

func fastRetries(d *Downloader) *Downloader {
	d.policy.Delay = time.Millisecond
	return d
}

func TestDownloader(t *testing.T) {
	data := buildArchive(t, feedFiles)

	t.Run("http", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(data)
		}))
		defer srv.Close()

		archive, err := NewDownloader(srv.URL, testLogger()).Fetch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, len(data), archive.Size)
		assert.Equal(t, DataFingerprint(data), archive.Fingerprint)
		assert.Len(t, archive.Reader.File, len(feedFiles))
		assert.False(t, archive.Unchanged)
	})

	t.Run("conditional request", func(t *testing.T) {
		var requests atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			if r.Header.Get("If-None-Match") == `"v1"` {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("ETag", `"v1"`)
			_, _ = w.Write(data)
		}))
		defer srv.Close()

		d := NewDownloader(srv.URL, testLogger())
		first, err := d.Fetch(context.Background())
		require.NoError(t, err)
		assert.False(t, first.Unchanged)

		second, err := d.Fetch(context.Background())
		require.NoError(t, err)
		assert.True(t, second.Unchanged)
		assert.Equal(t, first.Fingerprint, second.Fingerprint)
		assert.Equal(t, int32(2), requests.Load())
	})

	t.Run("retries server errors", func(t *testing.T) {
		var requests atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requests.Add(1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write(data)
		}))
		defer srv.Close()

		archive, err := fastRetries(NewDownloader(srv.URL, testLogger())).Fetch(context.Background())
		require.NoError(t, err)
		assert.Len(t, archive.Reader.File, len(feedFiles))
		assert.Equal(t, int32(2), requests.Load())
	})

	t.Run("http error status", func(t *testing.T) {
		var requests atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		_, err := fastRetries(NewDownloader(srv.URL, testLogger())).Fetch(context.Background())
		assert.ErrorContains(t, err, "503")
		assert.Equal(t, int32(3), requests.Load())
	})

	t.Run("not found is not retried", func(t *testing.T) {
		var requests atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		_, err := fastRetries(NewDownloader(srv.URL, testLogger())).Fetch(context.Background())
		assert.ErrorContains(t, err, "404")
		assert.Equal(t, int32(1), requests.Load())
	})

	t.Run("local file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "feed.zip")
		require.NoError(t, os.WriteFile(path, data, 0o644))

		d := NewDownloader(path, testLogger())
		archive, err := d.Fetch(context.Background())
		require.NoError(t, err)
		assert.Len(t, archive.Reader.File, len(feedFiles))

		again, err := d.Fetch(context.Background())
		require.NoError(t, err)
		assert.True(t, again.Unchanged)
	})

	t.Run("not a zip", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "feed.zip")
		require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))

		_, err := NewDownloader(path, testLogger()).Fetch(context.Background())
		assert.ErrorIs(t, err, zip.ErrFormat)
	})
}
