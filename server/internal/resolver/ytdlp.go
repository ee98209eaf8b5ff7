package resolver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
)

const downloadTemplate = `download:
{
	"downloaded":%(progress.downloaded_bytes)s,
	"total":%(progress.total_bytes)s,
	"total_estimate":%(progress.total_bytes_estimate)s
}`

// filename not returning the correct extension after postprocess
const postprocessTemplate = `postprocess:
{
	"filepath":"%(info.filepath)s"
}
`

// YtDlp resolves metadata and performs delegated downloads by shelling
// out to a yt-dlp compatible binary.
type YtDlp struct {
	BinaryPath string
}

func NewYtDlp(binaryPath string) *YtDlp {
	return &YtDlp{BinaryPath: binaryPath}
}

type rawInfo struct {
	Title     string      `json:"title"`
	Thumbnail string      `json:"thumbnail"`
	Duration  float64     `json:"duration"`
	Uploader  string      `json:"uploader"`
	Formats   []rawFormat `json:"formats"`
}

type rawFormat struct {
	FormatID       string  `json:"format_id"`
	URL            string  `json:"url"`
	Ext            string  `json:"ext"`
	Protocol       string  `json:"protocol"`
	VCodec         string  `json:"vcodec"`
	ACodec         string  `json:"acodec"`
	Height         int     `json:"height"`
	Width          int     `json:"width"`
	ABR            float64 `json:"abr"`
	Filesize       int64   `json:"filesize"`
	FilesizeApprox int64   `json:"filesize_approx"`
}

func (y *YtDlp) Resolve(ctx context.Context, url, platform string) (*Metadata, error) {
	cmd := exec.CommandContext(ctx, y.BinaryPath, url, "-J", "--no-playlist", "--no-warnings")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	var bufferedStderr bytes.Buffer
	go io.Copy(&bufferedStderr, stderr)

	slog.Info("resolving formats", slog.String("url", url), slog.String("platform", platform))

	var info rawInfo
	decodeErr := json.NewDecoder(stdout).Decode(&info)

	if err := cmd.Wait(); err != nil {
		return nil, classifyExtractorError(platform, bufferedStderr.String())
	}
	if decodeErr != nil {
		return nil, decodeErr
	}

	meta := &Metadata{
		Title:     info.Title,
		Thumbnail: info.Thumbnail,
		Duration:  formatDuration(info.Duration),
		Uploader:  info.Uploader,
		Formats:   buildFormats(info.Formats),
	}

	if len(meta.Formats) == 0 {
		return nil, errors.New("no downloadable formats found")
	}

	return meta, nil
}

func classifyExtractorError(platform, stderr string) error {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = "failed to extract video information"
	}

	if strings.Contains(msg, "IP address is blocked") || strings.Contains(msg, "blocked from accessing") {
		return &ResolveError{
			Message: fmt.Sprintf("%s has blocked access from your region or IP address", platform),
			Type:    "geo_blocked",
		}
	}

	return errors.New(msg)
}

// buildFormats filters and labels renditions the way the download page
// offers them: combined video+audio first, highest resolution first,
// then audio-only by bitrate. HLS/DASH manifests are skipped, they
// cannot be proxied as a single byte stream. Video-only renditions are
// paired with the best audio track so the delegated downloader can
// merge them.
func buildFormats(raw []rawFormat) []Format {
	var bestAudio *rawFormat
	for i := range raw {
		f := &raw[i]
		if f.VCodec == "none" && f.ACodec != "none" {
			if bestAudio == nil || f.ABR > bestAudio.ABR {
				bestAudio = f
			}
		}
	}

	var videos, audios []Format
	seen := make(map[string]bool)

	for _, f := range raw {
		if f.URL == "" || isStreamingManifest(f) {
			continue
		}

		size := f.Filesize
		if size == 0 {
			size = f.FilesizeApprox
		}

		switch {
		case f.VCodec != "none" && f.ACodec != "none" && f.Height > 0:
			label := fmt.Sprintf("%s %s", strings.ToUpper(f.Ext), resolutionLabel(f.Height))
			if seen[label] {
				continue
			}
			seen[label] = true

			videos = append(videos, Format{
				Quality:    label,
				Type:       "Video + Audio",
				Resolution: fmt.Sprintf("%dx%d", f.Width, f.Height),
				Ext:        strings.ToUpper(f.Ext),
				Filesize:   filesizeLabel(size),
				URL:        f.URL,
				FormatID:   f.FormatID,
				Height:     f.Height,
			})

		case f.VCodec != "none" && f.ACodec == "none" && f.Height >= 720 && bestAudio != nil:
			label := fmt.Sprintf("%s %s", strings.ToUpper(f.Ext), resolutionLabel(f.Height))
			if seen[label] {
				continue
			}
			seen[label] = true

			audioSize := bestAudio.Filesize
			if audioSize == 0 {
				audioSize = bestAudio.FilesizeApprox
			}

			videos = append(videos, Format{
				Quality:    label,
				Type:       "Video + Audio",
				Resolution: fmt.Sprintf("%dx%d", f.Width, f.Height),
				Ext:        strings.ToUpper(f.Ext),
				Filesize:   filesizeLabel(size + audioSize),
				URL:        f.URL,
				FormatID:   fmt.Sprintf("%s+%s", f.FormatID, bestAudio.FormatID),
				Height:     f.Height,
			})

		case f.VCodec == "none" && f.ACodec != "none":
			codec := strings.ToUpper(strings.Split(f.ACodec, ".")[0])
			bitrate := int(f.ABR)
			label := fmt.Sprintf("Audio %s%d", codec, bitrate)
			if seen[label] {
				continue
			}
			seen[label] = true

			audios = append(audios, Format{
				Quality:    label,
				Type:       "Audio Only",
				Resolution: fmt.Sprintf("%dkbps", bitrate),
				Ext:        strings.ToUpper(f.Ext),
				Filesize:   filesizeLabel(size),
				URL:        f.URL,
				FormatID:   f.FormatID,
				Bitrate:    bitrate,
			})
		}
	}

	sort.Slice(videos, func(i, j int) bool { return videos[i].Height > videos[j].Height })
	sort.Slice(audios, func(i, j int) bool { return audios[i].Bitrate > audios[j].Bitrate })

	return append(videos, audios...)
}

func isStreamingManifest(f rawFormat) bool {
	return strings.Contains(strings.ToLower(f.Protocol), "hls") ||
		strings.Contains(strings.ToLower(f.URL), "m3u8") ||
		strings.Contains(strings.ToLower(f.URL), "manifest")
}

func resolutionLabel(height int) string {
	switch {
	case height >= 2160:
		return "2160p (4K)"
	case height >= 1440:
		return "1440p (2K)"
	case height >= 1080:
		return "1080p (Full HD)"
	case height >= 720:
		return "720p (HD)"
	case height >= 480:
		return "480p"
	default:
		return fmt.Sprintf("%dp", height)
	}
}

func filesizeLabel(size int64) string {
	if size <= 0 {
		return "Unknown size"
	}
	return humanize.Bytes(uint64(size))
}

func formatDuration(seconds float64) string {
	if seconds <= 0 {
		return ""
	}

	d := time.Duration(seconds) * time.Second
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

type progressLine struct {
	Downloaded    int64 `json:"downloaded"`
	Total         int64 `json:"total"`
	TotalEstimate int64 `json:"total_estimate"`
}

type postprocessLine struct {
	FilePath string `json:"filepath"`
}

func (y *YtDlp) Download(ctx context.Context, req DownloadRequest, onProgress func(Event)) (string, error) {
	formatID := req.FormatID
	if formatID == "" {
		formatID = "best"
	}

	templateReplacer := strings.NewReplacer("\n", "", "\t", "", " ", "")

	params := []string{
		req.URL,
		"--newline",
		"--no-colors",
		"--no-playlist",
		"--no-exec",
		"-f", formatID,
		"--progress-template", templateReplacer.Replace(downloadTemplate),
		"--progress-template", templateReplacer.Replace(postprocessTemplate),
		"-o", filepath.Join(req.Dir, "video.%(ext)s"),
	}

	slog.Info("delegated download", slog.String("url", req.URL), slog.String("format", formatID))

	cmd := exec.CommandContext(ctx, y.BinaryPath, params...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}

	var bufferedStderr bytes.Buffer
	cmd.Stderr = &bufferedStderr

	if err := cmd.Start(); err != nil {
		return "", err
	}

	var finalPath string

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Bytes()

		var progress progressLine
		if err := json.Unmarshal(line, &progress); err == nil && progress.Downloaded > 0 {
			total := progress.Total
			if total == 0 {
				total = progress.TotalEstimate
			}
			emit(onProgress, Event{
				Kind:       EventDownloading,
				Downloaded: progress.Downloaded,
				Total:      total,
			})
		}

		var postprocess postprocessLine
		if err := json.Unmarshal(line, &postprocess); err == nil && postprocess.FilePath != "" {
			finalPath = postprocess.FilePath
		}
	}

	if err := cmd.Wait(); err != nil {
		msg := strings.TrimSpace(bufferedStderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", errors.New(msg)
	}

	emit(onProgress, Event{Kind: EventFinished})

	if finalPath != "" {
		return finalPath, nil
	}

	// No postprocess line means no merge happened; the single output
	// file sits alone in the session directory.
	entries, err := os.ReadDir(req.Dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if !e.IsDir() {
			return filepath.Join(req.Dir, e.Name()), nil
		}
	}

	return "", errors.New("download produced no output file")
}

// emit shields the transfer from broken progress callbacks.
func emit(onProgress func(Event), ev Event) {
	if onProgress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("progress callback panicked", slog.Any("err", r))
		}
	}()
	onProgress(ev)
}
