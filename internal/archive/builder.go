// Package archive materializes fetched records into a zip archive on local disk.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dukerupert/expensebackup/internal/backuperr"
	"github.com/dukerupert/expensebackup/internal/model"
)

// dirTimestamp is DD-MM-YYYY-HH:MM:SS.
const dirTimestamp = "02-01-2006-15:04:05"

// AttachmentSource fetches the files attached to a record.
type AttachmentSource interface {
	FetchAttachments(ctx context.Context, recordID string) ([]model.Attachment, error)
}

// Options describes one archive build.
type Options struct {
	Root                string
	Records             []model.FetchedRecord
	TenantID            string
	BackupName          string
	DownloadAttachments bool
}

// Validate checks the options before any file is touched.
func (o Options) Validate() error {
	switch {
	case o.Root == "":
		return fmt.Errorf("working directory root is required")
	case len(o.Records) == 0:
		return fmt.Errorf("no records to archive")
	case o.TenantID == "":
		return fmt.Errorf("tenant id is required")
	case o.BackupName == "":
		return fmt.Errorf("backup name is required")
	case strings.ContainsAny(o.TenantID+o.BackupName, `/\`):
		return fmt.Errorf("tenant id and backup name must not contain path separators")
	}
	return nil
}

// AttachmentResult is the outcome of downloading one record's attachments.
type AttachmentResult struct {
	RecordID string
	Files    []string
	// Empty is set when the record claimed attachments but the API returned none.
	Empty bool
	Err   error
}

// Result describes a finished archive.
type Result struct {
	WorkDir     string
	CSVPath     string
	ArchivePath string
	Attachments []AttachmentResult
}

// FailedAttachments counts records whose attachments could not be stored.
func (r *Result) FailedAttachments() int {
	n := 0
	for _, a := range r.Attachments {
		if a.Err != nil {
			n++
		}
	}
	return n
}

// Builder writes the CSV export and attachments into a working directory and zips it.
type Builder struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewBuilder(logger *slog.Logger) *Builder {
	return &Builder{
		logger: logger,
		now:    time.Now,
	}
}

// DirName is the working directory name for a build started at t.
func DirName(tenantID, backupName string, t time.Time) string {
	return fmt.Sprintf("%s-%s-Date--%s", tenantID, backupName, t.Format(dirTimestamp))
}

// Build creates the working directory, writes <BackupName>.csv, optionally
// stores attachments, and compresses the directory to <dir>.zip. The working
// directory is left in place. Attachment failures are reported in the result,
// never as an error.
func (b *Builder) Build(ctx context.Context, opts Options, src AttachmentSource) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, backuperr.Wrap(backuperr.ErrArchiveBuildFailed, "validate options", err)
	}

	dir := filepath.Join(opts.Root, DirName(opts.TenantID, opts.BackupName, b.now()))
	if err := os.Mkdir(dir, 0o750); err != nil {
		return nil, backuperr.Wrap(backuperr.ErrArchiveBuildFailed, "create working directory", err)
	}
	res := &Result{
		WorkDir:     dir,
		CSVPath:     filepath.Join(dir, opts.BackupName+".csv"),
		ArchivePath: dir + ".zip",
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, opts.Records); err != nil {
		return nil, backuperr.Wrap(backuperr.ErrArchiveBuildFailed, "serialize records", err)
	}
	if err := os.WriteFile(res.CSVPath, buf.Bytes(), 0o640); err != nil {
		return nil, backuperr.Wrap(backuperr.ErrArchiveBuildFailed, "write csv", err)
	}

	if opts.DownloadAttachments {
		b.logger.Info("downloading attachments", "backup_name", opts.BackupName)
		results, err := b.storeAttachments(ctx, dir, opts.Records, src)
		if err != nil {
			return nil, backuperr.Wrap(backuperr.ErrArchiveBuildFailed, "download attachments", err)
		}
		res.Attachments = results
	}

	if err := zipDir(dir, res.ArchivePath); err != nil {
		return nil, backuperr.Wrap(backuperr.ErrArchiveBuildFailed, "compress working directory", err)
	}
	b.logger.Info("archive created", "path", res.ArchivePath, "records", len(opts.Records))
	return res, nil
}

// WriteCSV writes records with a header taken from the first record's keys.
// Every record must have exactly that key set.
func WriteCSV(w io.Writer, records []model.FetchedRecord) error {
	if len(records) == 0 {
		return fmt.Errorf("no records")
	}
	header := records[0].Keys()

	cw := csv.NewWriter(w)
	cw.UseCRLF = true
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	row := make([]string, len(header))
	for i, rec := range records {
		if len(rec.Fields) != len(header) {
			return fmt.Errorf("record %d (%s) has %d fields, header has %d", i, rec.ID, len(rec.Fields), len(header))
		}
		for j, key := range header {
			v, ok := rec.Lookup(key)
			if !ok {
				return fmt.Errorf("record %d (%s) is missing field %q", i, rec.ID, key)
			}
			row[j] = v
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write record %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func (b *Builder) storeAttachments(ctx context.Context, dir string, records []model.FetchedRecord, src AttachmentSource) ([]AttachmentResult, error) {
	var ids []string
	for _, rec := range records {
		if rec.HasAttachments {
			ids = append(ids, rec.ID)
		}
	}
	if len(ids) == 0 {
		b.logger.Info("no records with attachments", "dir", dir)
		return nil, nil
	}
	b.logger.Info("records with attachments", "count", len(ids))

	results := make([]AttachmentResult, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r := b.storeRecordAttachments(ctx, dir, id, src)
		results = append(results, r)
	}
	return results, nil
}

func (b *Builder) storeRecordAttachments(ctx context.Context, dir, recordID string, src AttachmentSource) AttachmentResult {
	res := AttachmentResult{RecordID: recordID}

	atts, err := src.FetchAttachments(ctx, recordID)
	if err != nil {
		b.logger.Warn("attachment fetch failed", "record_id", recordID, "error", err)
		res.Err = err
		return res
	}
	if len(atts) == 0 {
		b.logger.Warn("record flagged with attachments but none returned", "record_id", recordID)
		res.Empty = true
		return res
	}

	for _, a := range atts {
		name, err := writeAttachment(dir, attachmentFileName(recordID, a.Filename), a)
		if err != nil {
			b.logger.Warn("attachment write failed", "record_id", recordID, "filename", a.Filename, "error", err)
			for _, f := range res.Files {
				os.Remove(filepath.Join(dir, f))
			}
			res.Files = nil
			res.Err = err
			return res
		}
		res.Files = append(res.Files, name)
	}
	return res
}

// attachmentFileName is <recordID>_<base name of filename>. Path separators
// in the record id are replaced so the name never leaves the working directory.
func attachmentFileName(recordID, filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, `\`, "/"))
	if base == "." || base == "/" || base == ".." {
		base = "attachment"
	}
	id := strings.NewReplacer("/", "_", `\`, "_").Replace(recordID)
	if id == "" || id == "." || id == ".." {
		id = "record"
	}
	return id + "_" + base
}

// maxNameAttempts bounds the suffixes tried for a colliding attachment name.
const maxNameAttempts = 1000

// writeAttachment stores a under dir and returns the file name used. An
// existing file is never overwritten: a taken name gets a _1, _2, ... suffix
// before its extension.
func writeAttachment(dir, name string, a model.Attachment) (string, error) {
	data, err := a.Decode()
	if err != nil {
		return "", err
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i < maxNameAttempts; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)
		if rel, err := filepath.Rel(dir, path); err != nil || rel != candidate {
			return "", fmt.Errorf("attachment name %q escapes the working directory", candidate)
		}

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create %s: %w", candidate, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("write %s: %w", candidate, err)
		}
		if err := f.Close(); err != nil {
			os.Remove(path)
			return "", fmt.Errorf("close %s: %w", candidate, err)
		}
		return candidate, nil
	}
	return "", fmt.Errorf("no free file name for %s", name)
}

// zipDir writes every regular file under dir into a zip at dest, with paths
// relative to dir.
func zipDir(dir, dest string) (err error) {
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return fmt.Errorf("create zip: %w", err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	zw := zip.NewWriter(out)
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.Method = zip.Deflate

		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if walkErr != nil {
		zw.Close()
		return fmt.Errorf("add files: %w", walkErr)
	}
	return zw.Close()
}

// Cleanup removes an archive and the working directory it was built from.
func Cleanup(archivePath string) error {
	var errs []error
	if err := os.Remove(archivePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, err)
	}
	dir := strings.TrimSuffix(archivePath, ".zip")
	if dir != archivePath {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return backuperr.Wrap(backuperr.ErrLocalCleanupFailed, "remove "+archivePath, errors.Join(errs...))
	}
	return nil
}

// Cleanup removes archivePath and its working directory. See Cleanup.
func (b *Builder) Cleanup(archivePath string) error {
	return Cleanup(archivePath)
}
