package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/labstack/echo/v4"

	"roof-segmenter/internal/domain"
	"roof-segmenter/internal/inference"
	"roof-segmenter/internal/jobs"
	"roof-segmenter/internal/storage"
)

// allowedImageTypes is the upload allow-list. Both the filename extension
// and the sniffed content type must match; headers alone are not trusted.
var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/bmp":  true,
	"image/webp": true,
}

var allowedImageExtensions = map[string]bool{
	".jpeg": true,
	".jpg":  true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".webp": true,
}

// errorResponse is the error envelope for every 4xx/5xx JSON reply.
type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// uploadResponse is the synchronous reply for a completed job.
type uploadResponse struct {
	Success   bool             `json:"success"`
	ResultID  string           `json:"resultId"`
	InputURL  string           `json:"inputUrl"`
	ResultURL string           `json:"resultUrl"`
	Segments  []domain.Segment `json:"segments"`
	Message   string           `json:"message"`
}

type saveRequest struct {
	ResultID  string `json:"resultId"`
	InputURL  string `json:"inputUrl"`
	ResultURL string `json:"resultUrl"`
}

type saveResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	InfoPath string `json:"infoPath"`
}

// handleUpload drives one job through the full pipeline: validate and
// persist the upload, run the model, store artifacts, and broadcast
// lifecycle events. The HTTP response carries the same payload as the
// final complete event.
func (s *Server) handleUpload(c echo.Context) error {
	fileHeader, err := c.FormFile("image")
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "No image file provided"})
	}

	if fileHeader.Size > s.cfg.MaxUploadSize {
		return c.JSON(http.StatusBadRequest, errorResponse{
			Error:   "Image too large",
			Details: fmt.Sprintf("upload is %d bytes, limit is %d", fileHeader.Size, s.cfg.MaxUploadSize),
		})
	}

	if !allowedImageExtensions[strings.ToLower(filepath.Ext(fileHeader.Filename))] {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "Only image files are allowed!"})
	}

	src, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "Upload failed", Details: err.Error()})
	}
	defer src.Close()

	mtype, err := mimetype.DetectReader(src)
	if err != nil || !allowedImageTypes[mtype.String()] {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "Only image files are allowed!"})
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "Upload failed", Details: err.Error()})
	}

	storedName := storage.UniqueUploadName(fileHeader.Filename)
	inputPath, err := s.store.SaveUpload(storedName, src)
	if err != nil {
		s.logger.Error("persist upload", "err", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "Failed to save uploaded file", Details: err.Error()})
	}

	resultID := jobs.NewID()
	if err := s.jobs.Create(resultID); err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "Failed to start job", Details: err.Error()})
	}
	_ = s.jobs.SetInput(resultID, inputPath)
	_ = s.jobs.Transition(resultID, domain.JobStatusUploaded)

	s.logger.Info("upload accepted",
		"resultId", resultID,
		"file", fileHeader.Filename,
		"storedAs", storedName,
		"size", fileHeader.Size,
		"user", c.QueryParam("user"))

	// The upload is complete by the time the server sees the file, so the
	// upload phase is always reported at 100%.
	s.hub.Broadcast(jobs.Event{Type: jobs.EventTypeUpload, Progress: 100, Message: "Upload complete"})
	s.hub.Broadcast(jobs.Event{Type: jobs.EventTypeProcessing, Progress: 0, Message: "Initializing model..."})
	_ = s.jobs.Transition(resultID, domain.JobStatusProcessing)

	result, err := s.invoker.Run(c.Request().Context(), inference.Request{
		InputPath:  inputPath,
		OutputPath: s.store.ResultImagePath(resultID),
		OnProgress: func(p inference.Progress) {
			s.hub.Broadcast(jobs.Event{
				Type:     jobs.EventTypeProcessing,
				Progress: p.Percent,
				Message:  p.Message,
			})
		},
	})
	if err != nil {
		_ = s.jobs.Transition(resultID, domain.JobStatusFailed)
		s.logger.Error("inference failed", "resultId", resultID, "err", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "Inference failed", Details: err.Error()})
	}

	segments := make([]domain.Segment, 0, len(result.Segments))
	for i, segment := range result.Segments {
		segment.ID = fmt.Sprintf("%s-segment-%d", resultID, i+1)
		segment.URL = s.store.ResultURL(segment.CropPath)
		segments = append(segments, segment)
	}

	_ = s.jobs.SetResult(resultID, result.OutputPath, segments)
	_ = s.jobs.Transition(resultID, domain.JobStatusCompleted)

	inputURL := s.store.UploadURL(inputPath)
	resultURL := s.store.ResultURL(filepath.Base(result.OutputPath))

	s.hub.Broadcast(jobs.Event{
		Type:      jobs.EventTypeComplete,
		Progress:  100,
		Message:   "Processing complete",
		ResultID:  resultID,
		InputURL:  inputURL,
		ResultURL: resultURL,
		Segments:  segments,
	})

	s.logger.Info("job completed", "resultId", resultID, "segments", len(segments))

	return c.JSON(http.StatusOK, uploadResponse{
		Success:   true,
		ResultID:  resultID,
		InputURL:  inputURL,
		ResultURL: resultURL,
		Segments:  segments,
		Message:   "Image processed successfully",
	})
}

// handleSave persists the small metadata sidecar for a result.
func (s *Server) handleSave(c echo.Context) error {
	var req saveRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
	}

	if req.ResultID == "" || req.ResultURL == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "Missing required parameters"})
	}

	infoURL, err := s.store.WriteInfo(domain.ResultInfo{
		ResultID:  req.ResultID,
		InputURL:  req.InputURL,
		ResultURL: req.ResultURL,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("write result info", "resultId", req.ResultID, "err", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "Save failed", Details: err.Error()})
	}

	return c.JSON(http.StatusOK, saveResponse{
		Success:  true,
		Message:  "Results saved successfully",
		InfoPath: infoURL,
	})
}

// handleSegmentsArchive streams a zip bundle of one job's segment crops.
func (s *Server) handleSegmentsArchive(c echo.Context) error {
	resultID := c.Param("resultId")
	if resultID == "" || strings.ContainsAny(resultID, `/\`) || strings.Contains(resultID, "..") {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "Segments not found"})
	}

	header := c.Response().Header()
	header.Set(echo.HeaderContentType, "application/zip")
	header.Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=%q", "roof-segments-"+resultID+".zip"))

	count, err := s.store.ArchiveSegments(resultID, c.Response())
	if err != nil {
		// ErrNoSegments is reported before any byte is written, so the
		// response can still become a JSON 404.
		if errors.Is(err, storage.ErrNoSegments) {
			header.Del(echo.HeaderContentDisposition)
			return c.JSON(http.StatusNotFound, errorResponse{Error: "Segments not found"})
		}

		s.logger.Error("archive segments", "resultId", resultID, "err", err)
		if c.Response().Committed {
			return nil
		}
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "Download failed", Details: err.Error()})
	}

	s.logger.Info("segments archived", "resultId", resultID, "entries", count)
	return nil
}

// handleHealth is the liveness probe.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Server is running",
	})
}

// handleDiagnostics returns the latest startup check report.
func (s *Server) handleDiagnostics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.diagnostics())
}
