package capnweb

import (
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"
)

// SetupFileEndpoint serves the demo pages: static files rooted at fsRoot
// under urlPath, with index.html fallback for directory requests.
func SetupFileEndpoint(e *echo.Echo, urlPath string, fsRoot string) {
	if !strings.HasSuffix(urlPath, "/") {
		urlPath += "/"
	}
	basePath := strings.TrimSuffix(urlPath, "/")

	absRoot, err := filepath.Abs(fsRoot)
	if err != nil {
		slog.Error("resolving static root failed", "root", fsRoot, "err", err)
		return
	}

	e.GET(urlPath+"*", func(c echo.Context) error {
		rel := strings.TrimPrefix(c.Request().URL.Path, basePath)
		rel = strings.TrimPrefix(rel, "/")
		if rel == "" || strings.HasSuffix(rel, "/") {
			rel = path.Join(rel, "index.html")
		}

		full := filepath.Join(absRoot, filepath.FromSlash(rel))
		absPath, err := filepath.Abs(full)
		if err != nil || !strings.HasPrefix(absPath, absRoot) {
			return echo.NewHTTPError(http.StatusForbidden, "Access denied")
		}

		info, err := os.Stat(absPath)
		if err != nil {
			if os.IsNotExist(err) {
				return echo.NewHTTPError(http.StatusNotFound, "File not found")
			}
			return echo.NewHTTPError(http.StatusInternalServerError, "Internal server error")
		}
		if !info.Mode().IsRegular() {
			return echo.NewHTTPError(http.StatusNotFound, "Not a file")
		}

		return c.File(absPath)
	})
}
