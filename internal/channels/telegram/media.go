package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/mymmrac/telego"
)

const (
	// defaultMediaMaxBytes is the default max download size (20MB, the
	// Telegram Bot API limit for bot downloads).
	defaultMediaMaxBytes int64 = 20 * 1024 * 1024

	// downloadMaxRetries is the number of getFile retry attempts.
	downloadMaxRetries = 3

	// maxImageDim caps the longest side of a sanitized image.
	maxImageDim = 2048

	// jpegQuality is the re-encode quality for sanitized images.
	jpegQuality = 85
)

// resolvePhoto downloads the highest-resolution rendition of a photo
// message and sanitizes it into the workspace media dir. Returns the
// sanitized file path.
func (c *Channel) resolvePhoto(ctx context.Context, msg *telego.Message) (string, error) {
	photo := msg.Photo[len(msg.Photo)-1]

	maxBytes := c.cfg.MediaMaxBytes
	if maxBytes == 0 {
		maxBytes = defaultMediaMaxBytes
	}

	tmpPath, err := c.downloadFile(ctx, photo.FileID, maxBytes)
	if err != nil {
		return "", fmt.Errorf("download photo: %w", err)
	}
	defer os.Remove(tmpPath)

	return sanitizeImage(tmpPath, c.mediaDir)
}

// downloadFile fetches a file from Telegram by file_id into a temp
// file, retrying the file-info lookup with backoff. The caller owns the
// returned path.
func (c *Channel) downloadFile(ctx context.Context, fileID string, maxBytes int64) (string, error) {
	var file *telego.File
	var err error

	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		file, err = c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < downloadMaxRetries {
			slog.Debug("retrying telegram file lookup", "file_id", fileID, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("get file info after %d attempts: %w", downloadMaxRetries, err)
	}

	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file_id %s", fileID)
	}
	if int64(file.FileSize) > maxBytes {
		return "", fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, maxBytes)
	}

	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.cfg.Token, file.FilePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".bin"
	}

	tmpFile, err := os.CreateTemp("", "neomagi_media_*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer tmpFile.Close()

	written, err := io.Copy(tmpFile, io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("save file: %w", err)
	}
	if written > maxBytes {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("file exceeds max size during download: %d bytes", written)
	}

	return tmpFile.Name(), nil
}

// sanitizeImage re-encodes an image as plain JPEG inside destDir,
// downscaling anything over maxImageDim on its longest side.
// Re-encoding strips EXIF and any trailing bytes from the source file.
func sanitizeImage(srcPath, destDir string) (string, error) {
	img, err := imaging.Open(srcPath, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxImageDim || bounds.Dy() > maxImageDim {
		img = imaging.Fit(img, maxImageDim, maxImageDim, imaging.Lanczos)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}

	destPath := filepath.Join(destDir, fmt.Sprintf("tg_%s.jpg", uuid.NewString()[:8]))
	if err := imaging.Save(img, destPath, imaging.JPEGQuality(jpegQuality)); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}
	return destPath, nil
}

// imageTag marks an attached photo in the message content. The path
// points into the workspace media dir so file tools can open it.
func imageTag(path string) string {
	return fmt.Sprintf("<media:image path=%q>", path)
}
