// Package report writes the run summary and the effective configuration to a
// local path or an s3:// object.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/clearwater/internal/config"
	"github.com/sells-group/clearwater/internal/cost"
	"github.com/sells-group/clearwater/internal/model"
)

// ConfigFileName is written next to the summary.
const ConfigFileName = "effective-config.yaml"

// Uploader stores an object in a bucket.
type Uploader interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
}

// Writer writes reports to local files, or through the Uploader for s3:// destinations.
type Writer struct {
	uploader Uploader
	log      *zap.Logger
}

// NewWriter creates a Writer. uploader may be nil when only local paths are used.
func NewWriter(uploader Uploader) *Writer {
	return &Writer{
		uploader: uploader,
		log:      zap.L().With(zap.String("component", "report")),
	}
}

// WriteSummary writes s as indented JSON to dst.
func (w *Writer) WriteSummary(ctx context.Context, dst string, s *model.RunSummary) error {
	if s == nil {
		return eris.New("report: nil summary")
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return eris.Wrap(err, "report: marshal summary")
	}
	if err := w.write(ctx, dst, append(data, '\n'), "application/json"); err != nil {
		return err
	}
	w.log.Info("wrote run summary", zap.String("dst", dst), zap.Int("tiles", len(s.Tiles)))
	return nil
}

// WriteConfig writes the effective configuration as YAML next to the summary
// at summaryDst. Secrets are blanked.
func (w *Writer) WriteConfig(ctx context.Context, summaryDst string, cfg *config.Config) (string, error) {
	dst := ConfigPath(summaryDst)
	data, err := yaml.Marshal(Redact(cfg))
	if err != nil {
		return "", eris.Wrap(err, "report: marshal config")
	}
	if err := w.write(ctx, dst, data, "application/yaml"); err != nil {
		return "", err
	}
	return dst, nil
}

func (w *Writer) write(ctx context.Context, dst string, data []byte, contentType string) error {
	if bucket, key, ok := ParseS3URL(dst); ok {
		if w.uploader == nil {
			return eris.Wrapf(model.ErrConfiguration, "report: %s needs output.s3 configured", dst)
		}
		return eris.Wrapf(w.uploader.Put(ctx, bucket, key, data, contentType), "report: upload %s", dst)
	}

	if dir := filepath.Dir(dst); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "report: create dir %s", dir)
		}
	}
	return eris.Wrapf(os.WriteFile(dst, data, 0o644), "report: write %s", dst)
}

// ParseS3URL splits s3://bucket/key. ok is false for anything else.
func ParseS3URL(s string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(s, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// ConfigPath returns the config snapshot destination beside summaryDst.
func ConfigPath(summaryDst string) string {
	if bucket, key, ok := ParseS3URL(summaryDst); ok {
		dir := path.Dir(key)
		if dir == "." {
			return "s3://" + bucket + "/" + ConfigFileName
		}
		return "s3://" + bucket + "/" + path.Join(dir, ConfigFileName)
	}
	return filepath.Join(filepath.Dir(summaryDst), ConfigFileName)
}

// Redact returns a copy of cfg with credentials removed.
func Redact(cfg *config.Config) config.Config {
	c := *cfg
	c.Remote.Token = redacted(c.Remote.Token)
	c.Remote.ClientSecret = redacted(c.Remote.ClientSecret)
	c.Output.S3.AccessKey = redacted(c.Output.S3.AccessKey)
	c.Output.S3.SecretKey = redacted(c.Output.S3.SecretKey)
	c.Store.DatabaseURL = redactURL(c.Store.DatabaseURL)
	return c
}

func redacted(s string) string {
	if s == "" {
		return ""
	}
	return "REDACTED"
}

// redactURL blanks the password in a postgres:// style URL.
func redactURL(s string) string {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return s
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return s
	}
	user, _, hasPass := strings.Cut(rest[:at], ":")
	if !hasPass {
		return s
	}
	return scheme + "://" + user + ":REDACTED" + rest[at:]
}

// FormatSummary writes a tabular view of the summary to out.
func FormatSummary(out io.Writer, s *model.RunSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TILE\tSCENES\tCLOUD\tCHLA\tWIND\tMODE\tSTATUS\tJOB")
	_, _ = fmt.Fprintln(w, "----\t------\t-----\t----\t----\t----\t------\t---")
	for _, t := range s.Tiles {
		status := string(t.Status)
		if t.FailedPhase != "" {
			status += " (" + t.FailedPhase + ")"
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.TileID, t.NScenes,
			formatFloat(t.MedianCloud), formatFloat(t.MedianChla), formatFloat(t.MedianWind),
			t.Mode, status, t.JobID,
		)
	}
	_ = w.Flush()

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "\nMode: %s", s.Mode)
	if s.Overridden {
		buf.WriteString(" (forced)")
	}
	fmt.Fprintf(&buf, "  storage: %.2f GB  cpu: %.2f h  cost: $%.2f  failed tiles: %d\n",
		s.Estimate.StorageGB, s.Estimate.CPUHours, cost.Total(s.Estimate), s.Failed())
	_, _ = out.Write(buf.Bytes())
}

func formatFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}
