package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/snapload/snapload/server/tasks"
)

var (
	ErrBadExtension = errors.New("unsupported file type")
	ErrTooLarge     = errors.New("uploaded file too large")
)

var allowedExtensions = map[string]bool{
	"mp4": true, "mov": true, "avi": true, "mkv": true, "webm": true,
	"mp3": true, "wav": true, "m4a": true,
	"jpg": true, "jpeg": true, "png": true, "webp": true, "gif": true,
}

type Service struct {
	converter Converter
	tasks     *tasks.Repository
	uploadDir string
	outputDir string
	maxUpload int64
}

func NewService(converter Converter, repo *tasks.Repository, uploadDir, outputDir string, maxUpload int64) *Service {
	return &Service{
		converter: converter,
		tasks:     repo,
		uploadDir: uploadDir,
		outputDir: outputDir,
		maxUpload: maxUpload,
	}
}

func extension(name string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}

// uniqueName keeps the original base name recognizable while making
// collisions impossible.
func uniqueName(original, suffix string) string {
	ext := filepath.Ext(original)
	base := strings.TrimSuffix(filepath.Base(original), ext)
	return fmt.Sprintf("%s_%s%s%s", base, uuid.NewString()[:8], suffix, ext)
}

// Convert stages the upload, runs the converter and returns the path
// of the produced file. Both artifacts are registered as task records
// so retention applies to them.
func (s *Service) Convert(ctx context.Context, file multipart.File, header *multipart.FileHeader, target string) (string, error) {
	srcExt := extension(header.Filename)
	if !allowedExtensions[srcExt] || !allowedExtensions[target] {
		return "", ErrBadExtension
	}
	if s.maxUpload > 0 && header.Size > s.maxUpload {
		return "", ErrTooLarge
	}

	if err := os.MkdirAll(s.uploadDir, 0755); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.outputDir, 0755); err != nil {
		return "", err
	}

	id := uuid.NewString()
	inputPath := filepath.Join(s.uploadDir, uniqueName(header.Filename, ""))

	if err := s.stage(file, inputPath); err != nil {
		return "", err
	}

	if err := s.tasks.Upsert(id, tasks.Fields{
		RequestedFilename: header.Filename,
		Status:            "processing",
		Message:           "Converting upload",
	}); err != nil {
		slog.Debug("task bootstrap failed", slog.String("id", id), slog.Any("err", err))
	}
	if err := s.tasks.RegisterStorage(id, inputPath, "upload", header.Size); err != nil {
		slog.Debug("storage tracking failed", slog.String("id", id), slog.Any("err", err))
	}

	outputName := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath)) + "." + target
	outputPath := filepath.Join(s.outputDir, outputName)

	if err := s.converter.Convert(ctx, inputPath, outputPath); err != nil {
		s.settle(id, "error", err.Error())
		return "", err
	}

	if info, err := os.Stat(outputPath); err == nil {
		if err := s.tasks.RegisterStorage(id, outputPath, "output", info.Size()); err != nil {
			slog.Debug("storage tracking failed", slog.String("id", id), slog.Any("err", err))
		}
	}
	s.settle(id, "completed", "")

	return outputPath, nil
}

func (s *Service) stage(file multipart.File, path string) error {
	fd, err := os.Create(path)
	if err != nil {
		return err
	}
	defer fd.Close()

	_, err = io.Copy(fd, file)
	return err
}

func (s *Service) settle(id, status, message string) {
	if err := s.tasks.MarkStatus(id, status, message, nil); err != nil {
		slog.Debug("task settle failed", slog.String("id", id), slog.Any("err", err))
	}
}
