// Package v1_test contains tests for the API v1 handlers
package v1_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visitrack/internal/pageviews"
	"visitrack/internal/sessions"
	"visitrack/internal/testsupport"
	"visitrack/internal/visitors"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func newRequest(method, target, body, ip, ua string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", ua)
	req.Header.Set("X-Forwarded-For", ip)
	req.Header.Set("Sec-Fetch-Site", "cross-site") // Required for browser-only validation
	return req
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoErrorf(t, json.Unmarshal(body, &out), "body: %s", string(body))
	return out
}

func TestTrackPageViewHandler(t *testing.T) {
	t.Run("records a page view", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)
		app := testsupport.CreateMinimalTestApp(t, db)

		payload := `{"path":"/pricing","title":"Pricing","referrer":"https://www.google.com/","extraData":{"plan":"pro"}}`
		resp, err := app.Test(newRequest(fiber.MethodPost, "/x/api/v1/track", payload, "203.0.113.10", chromeUA), 30000)
		require.NoError(t, err)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		body := decode(t, resp)
		assert.Equal(t, true, body["success"])
		assert.NotZero(t, body["sessionId"])
		assert.NotZero(t, body["visitorId"])

		var views []pageviews.PageView
		require.NoError(t, db.Find(&views).Error)
		require.Len(t, views, 1)
		assert.Equal(t, "/pricing", views[0].Path)
		assert.Equal(t, "203.0.113.10", views[0].IPAddress)
		assert.Equal(t, "Chrome", views[0].Browser)
		assert.Equal(t, "US", views[0].CountryCode)
		assert.JSONEq(t, `{"plan":"pro"}`, string(views[0].ExtraData))
	})

	t.Run("accepts a beacon body without a JSON content type", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)
		app := testsupport.CreateMinimalTestApp(t, db)

		req := newRequest(fiber.MethodPost, "/x/api/v1/track", `{"path":"/beacon"}`, "203.0.113.11", chromeUA)
		req.Header.Set("Content-Type", "text/plain;charset=UTF-8")

		resp, err := app.Test(req, 30000)
		require.NoError(t, err)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)
		app := testsupport.CreateMinimalTestApp(t, db)

		resp, err := app.Test(newRequest(fiber.MethodPost, "/x/api/v1/track", `{"path":`, "203.0.113.12", chromeUA), 30000)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		body := decode(t, resp)
		assert.Equal(t, "INVALID_REQUEST", body["code"])

		var count int64
		require.NoError(t, db.Model(&pageviews.PageView{}).Count(&count).Error)
		assert.Zero(t, count)
	})

	t.Run("skips bots", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)
		app := testsupport.CreateMinimalTestApp(t, db)

		ua := "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"
		resp, err := app.Test(newRequest(fiber.MethodPost, "/x/api/v1/track", `{"path":"/"}`, "66.249.66.1", ua), 30000)
		require.NoError(t, err)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		body := decode(t, resp)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, true, body["skipped"])

		var count int64
		require.NoError(t, db.Model(&visitors.Visitor{}).Count(&count).Error)
		assert.Zero(t, count)
	})

	t.Run("continues the session for the same browser", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)
		app := testsupport.CreateMinimalTestApp(t, db)

		for _, path := range []string{"/", "/docs"} {
			resp, err := app.Test(newRequest(fiber.MethodPost, "/x/api/v1/track", `{"path":"`+path+`"}`, "203.0.113.13", chromeUA), 30000)
			require.NoError(t, err)
			require.Equal(t, http.StatusAccepted, resp.StatusCode)
		}

		var list []sessions.VisitorSession
		require.NoError(t, db.Find(&list).Error)
		require.Len(t, list, 1)
		assert.Equal(t, 2, list[0].PageViewCount)
		assert.Equal(t, "/", list[0].EntryPage)
	})

	t.Run("answers preflight requests", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		app := testsupport.CreateMinimalTestApp(t, db)

		req := newRequest(fiber.MethodOptions, "/x/api/v1/track", "", "203.0.113.14", chromeUA)
		req.Header.Set("Origin", "https://shop.example")
		req.Header.Set("Access-Control-Request-Method", "POST")

		resp, err := app.Test(req, 30000)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	})
}

func TestGetVisitorInfoHandler(t *testing.T) {
	t.Run("returns 404 for an unknown visitor", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)
		app := testsupport.CreateMinimalTestApp(t, db)

		resp, err := app.Test(newRequest(fiber.MethodGet, "/x/api/v1/me", "", "198.51.100.20", chromeUA), 30000)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "VISITOR_NOT_FOUND", decode(t, resp)["code"])
	})

	t.Run("describes a tracked visitor", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)
		app := testsupport.CreateMinimalTestApp(t, db)

		track := `{"path":"/welcome","title":"Welcome"}`
		resp, err := app.Test(newRequest(fiber.MethodPost, "/x/api/v1/track", track, "198.51.100.21", chromeUA), 30000)
		require.NoError(t, err)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)

		resp, err = app.Test(newRequest(fiber.MethodGet, "/x/api/v1/me", "", "198.51.100.21", chromeUA), 30000)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body := decode(t, resp)
		assert.NotEmpty(t, body["alias"])
		assert.Equal(t, float64(1), body["totalVisits"])
		assert.Equal(t, float64(1), body["totalPageViews"])
		assert.Equal(t, "Chrome", body["browser"])
		assert.Equal(t, "desktop", body["deviceType"])

		current, ok := body["currentSession"].(map[string]interface{})
		require.True(t, ok, "expected an open session")
		assert.Equal(t, "/welcome", current["entryPage"])

		recent, ok := body["recentPageViews"].([]interface{})
		require.True(t, ok)
		require.Len(t, recent, 1)
		assert.Equal(t, "Welcome", recent[0].(map[string]interface{})["title"])
	})

	t.Run("a different address is a different visitor", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)
		app := testsupport.CreateMinimalTestApp(t, db)

		resp, err := app.Test(newRequest(fiber.MethodPost, "/x/api/v1/track", `{"path":"/"}`, "198.51.100.22", chromeUA), 30000)
		require.NoError(t, err)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)

		resp, err = app.Test(newRequest(fiber.MethodGet, "/x/api/v1/me", "", "198.51.100.23", chromeUA), 30000)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
