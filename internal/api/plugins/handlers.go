// Package plugins implements the catalog's plugin endpoints: listing,
// multipart upload, delete, download-url lookup and archive file serving.
//
// Reads are public. Upload and delete sit behind AuthMiddleware and
// RequireScope(plugins:write) in the router.
package plugins

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wpdepot/wpdepot/internal/catalog"
	"github.com/wpdepot/wpdepot/internal/middleware"
	"github.com/wpdepot/wpdepot/internal/storage"
	"github.com/wpdepot/wpdepot/internal/telemetry"
)

// multipartMemory is how much of a form ParseMultipartForm keeps in memory
// before spilling file parts to disk.
const multipartMemory = 8 << 20

// maxSignatureSize bounds the detached signature part
const maxSignatureSize = 64 << 10

// ListHandler handles GET /api/v1/plugins
func ListHandler(svc *catalog.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		plugins, err := svc.List(c.Request.Context())
		if err != nil {
			middleware.Logger(c).Error("failed to list plugins", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list plugins"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"plugins": plugins})
	}
}

// GetHandler handles GET /api/v1/plugins/:id
func GetHandler(svc *catalog.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := svc.Get(c.Request.Context(), c.Param("id"))
		if errors.Is(err, catalog.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Plugin not found"})
			return
		}
		if err != nil {
			middleware.Logger(c).Error("failed to get plugin", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get plugin"})
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

// LatestHandler handles GET /api/v1/plugins/latest/:slug and returns the
// ready upload with the highest version for the slug.
func LatestHandler(svc *catalog.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := svc.Latest(c.Request.Context(), c.Param("slug"))
		if errors.Is(err, catalog.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Plugin not found"})
			return
		}
		if err != nil {
			middleware.Logger(c).Error("failed to resolve latest plugin", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve plugin"})
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

// UploadHandler handles POST /api/v1/plugins
// Accepts multipart form with: file, version, description, name, signature
func UploadHandler(svc *catalog.Service, maxUploadBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxUploadBytes > 0 {
			// Leave room for the other form parts around the archive.
			limit := maxUploadBytes + maxSignatureSize + (1 << 20)
			if c.Request.ContentLength > limit {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": catalog.ErrTooLarge.Error()})
				return
			}
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": catalog.ErrTooLarge.Error()})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to parse multipart form"})
			return
		}
		defer func() {
			if c.Request.MultipartForm != nil {
				_ = c.Request.MultipartForm.RemoveAll()
			}
		}()

		file, header, err := c.Request.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing or invalid file upload"})
			return
		}
		defer file.Close()

		version := strings.TrimSpace(c.PostForm("version"))
		if version == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required field: version"})
			return
		}

		sig, err := readSignature(c.Request.MultipartForm)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		p, err := svc.Upload(c.Request.Context(), catalog.UploadInput{
			File:        file,
			Size:        header.Size,
			Filename:    header.Filename,
			Version:     version,
			Description: c.PostForm("description"),
			Name:        c.PostForm("name"),
			Signature:   sig,
			CreatedBy:   middleware.CurrentUserID(c),
		})
		switch {
		case errors.Is(err, catalog.ErrTooLarge):
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
			return
		case errors.Is(err, catalog.ErrInvalidUpload):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		case err != nil:
			middleware.Logger(c).Error("plugin upload failed", "filename", header.Filename, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store plugin"})
			return
		}

		c.Set(middleware.ContextAuditResourceID, p.ID)
		c.JSON(http.StatusCreated, p)
	}
}

// readSignature returns the optional "signature" part, as a file part or a
// plain form value.
func readSignature(form *multipart.Form) ([]byte, error) {
	if form == nil {
		return nil, nil
	}
	if files := form.File["signature"]; len(files) > 0 {
		if files[0].Size > maxSignatureSize {
			return nil, fmt.Errorf("signature exceeds %d bytes", maxSignatureSize)
		}
		f, err := files[0].Open()
		if err != nil {
			return nil, fmt.Errorf("failed to read signature: %w", err)
		}
		defer f.Close()
		return io.ReadAll(io.LimitReader(f, maxSignatureSize))
	}
	if v := form.Value["signature"]; len(v) > 0 && v[0] != "" {
		return []byte(v[0]), nil
	}
	return nil, nil
}

// DeleteHandler handles DELETE /api/v1/plugins/:id
func DeleteHandler(svc *catalog.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		c.Set(middleware.ContextAuditResourceID, id)

		p, err := svc.Delete(c.Request.Context(), id)
		if errors.Is(err, catalog.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Plugin not found"})
			return
		}
		if err != nil {
			middleware.Logger(c).Error("failed to delete plugin", "id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete plugin"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message": fmt.Sprintf("Plugin %s %s deleted", p.Slug, p.Version),
		})
	}
}

// DownloadHandler handles GET /api/v1/plugins/:id/download and returns the
// stored public file_url. The URL is neither signed nor expiring.
func DownloadHandler(svc *catalog.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := svc.Get(c.Request.Context(), c.Param("id"))
		if errors.Is(err, catalog.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Plugin not found"})
			return
		}
		if err != nil {
			middleware.Logger(c).Error("failed to resolve download url", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve download url"})
			return
		}
		telemetry.PluginDownloadsTotal.WithLabelValues(p.Slug).Inc()
		c.JSON(http.StatusOK, gin.H{"download_url": p.FileURL})
	}
}

// ServeFileHandler handles GET /v1/files/*filepath. Backends that can sign
// URLs get a redirect valid for signedTTL; the local backend is streamed.
func ServeFileHandler(svc *catalog.Service, signedTTL time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimPrefix(c.Param("filepath"), "/")
		if key == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "File path is required"})
			return
		}
		ctx := c.Request.Context()

		signed, err := svc.ArchiveURL(ctx, key, signedTTL)
		switch {
		case err == nil:
			c.Redirect(http.StatusTemporaryRedirect, signed)
			return
		case errors.Is(err, storage.ErrObjectNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
			return
		case !errors.Is(err, storage.ErrSigningUnsupported):
			slog.Warn("failed to sign archive url, streaming instead", "key", key, "error", err)
		}

		rc, err := svc.OpenArchive(ctx, key)
		if errors.Is(err, storage.ErrObjectNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
			return
		}
		if err != nil {
			middleware.Logger(c).Error("failed to open archive", "key", key, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read file"})
			return
		}
		defer rc.Close()

		name := key[strings.LastIndex(key, "/")+1:]
		c.DataFromReader(http.StatusOK, -1, "application/zip", rc, map[string]string{
			"Content-Disposition": fmt.Sprintf(`attachment; filename="%s"`, name),
		})
	}
}
